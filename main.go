package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Lamiaker/sou9i-sub000/internal/auth"
	"github.com/Lamiaker/sou9i-sub000/internal/config"
	"github.com/Lamiaker/sou9i-sub000/internal/db"
	"github.com/Lamiaker/sou9i-sub000/internal/handlers"
	"github.com/Lamiaker/sou9i-sub000/internal/middleware"
	"github.com/Lamiaker/sou9i-sub000/internal/observability"
	"github.com/Lamiaker/sou9i-sub000/internal/rabbitmq"
	"github.com/Lamiaker/sou9i-sub000/internal/ratelimit"
	"github.com/Lamiaker/sou9i-sub000/internal/repositories"
	"github.com/Lamiaker/sou9i-sub000/internal/telemetry"
	"github.com/Lamiaker/sou9i-sub000/internal/ws"
)

const serviceName = "messaging-service"

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, cfg.Environment)
	if err != nil {
		logger.Fatal("init tracer", zap.Error(err))
	}
	defer func() { _ = shutdownTracer(ctx) }()

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready", zap.String("mode", rabbitmq.PublisherMode(publisher)))

	audit := telemetry.NewAuditEmitter(publisher, "audit.messaging", serviceName, cfg.Environment, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.MessageRateWindow, cfg.MessageRateMax)
		logger.Info("redis rate limiter enabled", zap.String("addr", cfg.RedisAddr))
	}

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTTTL)

	convRepo := repositories.NewConversationRepo(database)
	msgRepo := repositories.NewMessageRepo(database)

	hub := ws.NewHub(logger)
	wsHandler := ws.NewHandler(hub, convRepo, msgRepo, tokens, logger)
	convHandler := handlers.NewConversationHandler(convRepo, msgRepo, hub, limiter, audit, logger)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(tokens)

	router.GET("/conversations", authMiddleware, convHandler.ListConversations)
	router.POST("/conversations/start", authMiddleware, convHandler.StartConversation)
	router.GET("/conversations/:conversation_id", authMiddleware, convHandler.GetConversation)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, convHandler.PostMessage)
	router.POST("/conversations/:conversation_id/read", authMiddleware, convHandler.MarkRead)

	router.GET("/ws", wsHandler.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	logger.Info("messaging service listening", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
