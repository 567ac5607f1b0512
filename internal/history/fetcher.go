// Package history fetches pages of a room's past messages over HTTP.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatsync/internal/chat"
)

const (
	DefaultLimit   = 50
	defaultTimeout = 5 * time.Second
)

// PageRequest selects one page. An empty Before asks for the newest page.
type PageRequest struct {
	Before string
	Limit  int
}

// Page holds messages newest first.
type Page struct {
	Messages []chat.Message
	HasMore  bool
}

// Fetcher loads history pages for a room.
type Fetcher interface {
	Fetch(ctx context.Context, roomID string, req PageRequest) (Page, error)
}

// HTTPFetcher reads GET {BaseURL}/rooms/{roomID}/messages?limit=&before=.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log.With().Str("component", "history").Logger(),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, roomID string, req PageRequest) (Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if req.Before != "" {
		q.Set("before", req.Before)
	}
	endpoint := f.baseURL + "/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	var wire []chat.WireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Page{}, fmt.Errorf("decode history: %w", err)
	}

	page := Page{Messages: make([]chat.Message, 0, len(wire)), HasMore: len(wire) >= limit}
	for _, w := range wire {
		m, err := w.Message()
		if err != nil {
			f.log.Warn().Err(err).Str("room", roomID).Str("message_id", w.ID).Msg("dropping malformed history entry")
			continue
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

// Exists asks the relay's GET /exists whether roomID has live members or
// stored history.
func (f *HTTPFetcher) Exists(ctx context.Context, roomID string) (bool, error) {
	endpoint := f.baseURL + "/exists?" + url.Values{"room": {roomID}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// BaseFromSocketURL turns ws(s)://host/path into http(s)://host.
func BaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
