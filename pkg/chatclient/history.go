package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"legalchat/pkg/types"
)

// HTTPHistory reads history pages from the REST surface
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPHistory targets baseURL, e.g. http://host:8080
func NewHTTPHistory(baseURL, token string) *HTTPHistory {
	return &HTTPHistory{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchHistory implements HistoryFetcher
func (h *HTTPHistory) FetchHistory(ctx context.Context, roomKey string, page types.Page) (*types.MessagePage, error) {
	page = page.Normalize()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page.Number))
	q.Set("limit", strconv.Itoa(page.Limit))
	endpoint := fmt.Sprintf("%s/api/rooms/%s/messages?%s", h.BaseURL, url.PathEscape(roomKey), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden, http.StatusNotFound:
		return nil, types.ErrAccessDenied
	default:
		return nil, fmt.Errorf("history request failed with status %d", resp.StatusCode)
	}

	var result types.MessagePage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &result, nil
}
