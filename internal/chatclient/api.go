package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clientportal/internal/chat"
)

// API is the REST backend used for optimistic sends and history resync.
type API struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *API) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("portal chat error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}

// PostMessage sends a message with its dedup nonce and returns the
// canonical message the coordinator persisted.
func (a *API) PostMessage(ctx context.Context, roomID, text, nonce string) (*chat.Message, error) {
	reqBody, _ := json.Marshal(map[string]string{"text": text, "nonce": nonce})

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", reqBody)
	if err != nil {
		return nil, err
	}

	var msg chat.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages fetches the room's full ordered history.
func (a *API) ListMessages(ctx context.Context, roomID string) ([]chat.Message, error) {
	respBody, err := a.doRequest(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		RoomID   string         `json:"roomId"`
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// StartConversation finds or creates the conversation for a client,
// retrying once on failure before giving up.
func (a *API) StartConversation(ctx context.Context, clientID, title string) (*chat.RoomSummary, error) {
	reqBody, _ := json.Marshal(map[string]string{"clientId": clientID, "title": title})

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/conversations", reqBody)
	if err != nil {
		respBody, err = a.doRequest(ctx, http.MethodPost, "/api/conversations", reqBody)
	}
	if err != nil {
		return nil, err
	}

	var sum chat.RoomSummary
	if err := json.Unmarshal(respBody, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}
