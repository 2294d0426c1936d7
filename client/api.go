package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// API talks to the conversation REST endpoints. Responses from these calls
// are the authoritative state; push events only hint at what changed.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI builds a REST client for the given base URL and bearer token.
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations fetches the caller's conversation summaries.
func (a *API) ListConversations(ctx context.Context) (ConversationList, error) {
	var out ConversationList
	err := a.do(ctx, http.MethodGet, "/conversations", nil, &out)
	return out, err
}

// StartConversation finds or creates the conversation with a recipient.
func (a *API) StartConversation(ctx context.Context, recipientID int, listingID *int, listingTitle string) (Conversation, error) {
	body := map[string]interface{}{
		"recipient_id":  recipientID,
		"listing_title": listingTitle,
	}
	if listingID != nil {
		body["listing_id"] = *listingID
	}
	var out Conversation
	err := a.do(ctx, http.MethodPost, "/conversations/start", body, &out)
	return out, err
}

// GetConversation fetches the full snapshot of one conversation.
func (a *API) GetConversation(ctx context.Context, conversationID int) (ConversationDetail, error) {
	var out ConversationDetail
	err := a.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d", conversationID), nil, &out)
	return out, err
}

// CreateMessage persists a message in the conversation.
func (a *API) CreateMessage(ctx context.Context, conversationID int, content string) (Message, error) {
	var out Message
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conversationID),
		map[string]string{"content": content}, &out)
	return out, err
}

// MarkRead marks the peer's messages in the conversation as read.
func (a *API) MarkRead(ctx context.Context, conversationID int) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/read", conversationID), nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
