// Package history fetches the most recent page of a chat over HTTP.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Fetcher returns up to limit messages of a chat, oldest first.
type Fetcher interface {
	Fetch(ctx context.Context, chatID int64, limit, offset int) ([]messages.Message, error)
}

// Client calls GET /api/v1/messages/history/{chat_id}.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials auth.Provider
}

// NewClient creates a history client for serverURL. httpClient may be nil.
func NewClient(serverURL string, credentials auth.Provider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimSuffix(serverURL, "/"),
		httpClient:  httpClient,
		credentials: credentials,
	}
}

// Fetch implements Fetcher. The server returns the page newest first; the
// result is reversed into display order.
func (c *Client) Fetch(ctx context.Context, chatID int64, limit, offset int) ([]messages.Message, error) {
	token, err := c.credentials.Credential(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	u := c.baseURL + "/api/v1/messages/history/" + strconv.FormatInt(chatID, 10) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page []wire.HistoryMessage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	out := make([]messages.Message, 0, len(page))
	for _, h := range page {
		m := h.Message()
		if m.ID == 0 {
			continue
		}
		if m.ChatID == 0 {
			m.ChatID = chatID
		}
		out = append(out, m)
	}
	slices.Reverse(out)
	return out, nil
}
