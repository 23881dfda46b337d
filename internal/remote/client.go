// Package remote talks to the assistant web backend over JSON/HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"

	"yara/internal/session"
)

const (
	chatPath    = "/api/chat"
	voicePath   = "/api/voice/process"
	historyPath = "/api/chat/history"

	maxBody = 16 << 20
)

type Client struct {
	base string
	http *http.Client
}

var (
	_ session.Inference     = (*Client)(nil)
	_ session.HistorySource = (*Client)(nil)
)

// NewClient keeps the server session cookie in a jar. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("empty backend url")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{Timeout: 60 * time.Second}
	if httpClient != nil {
		c := *httpClient
		hc = &c
	}
	hc.Jar = jar

	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}, nil
}

type chatRequest struct {
	Message string `json:"message"`
}

type voiceRequest struct {
	Text string `json:"text"`
}

type replyBody struct {
	Response string `json:"response"`
	Audio    string `json:"audio"`
	Error    string `json:"error"`
}

type historyBody struct {
	History []historyEntry `json:"history"`
	Error   string         `json:"error"`
}

type historyEntry struct {
	Message   string `json:"message"`
	IsUser    bool   `json:"is_user"`
	Timestamp string `json:"timestamp"`
}

func (c *Client) Chat(ctx context.Context, message string) (session.Reply, error) {
	return c.post(ctx, chatPath, chatRequest{Message: message})
}

func (c *Client) Voice(ctx context.Context, text string) (session.Reply, error) {
	return c.post(ctx, voicePath, voiceRequest{Text: text})
}

func (c *Client) post(ctx context.Context, path string, payload any) (session.Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return session.Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return session.Reply{}, err
	}

	var out replyBody
	if err := json.Unmarshal(data, &out); err != nil {
		if status/100 != 2 {
			return session.Reply{}, fmt.Errorf("%s: status %d", path, status)
		}
		return session.Reply{}, fmt.Errorf("unmarshal response: %w", err)
	}

	if out.Error == "" && status/100 != 2 {
		out.Error = fmt.Sprintf("status %d", status)
	}

	return session.Reply{Text: out.Response, Audio: out.Audio, Error: out.Error}, nil
}

func (c *Client) History(ctx context.Context) ([]session.HistoryItem, error) {
	status, data, err := c.do(ctx, http.MethodGet, historyPath, nil)
	if err != nil {
		return nil, err
	}

	var out historyBody
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("history: %s", out.Error)
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("history: status %d", status)
	}

	items := make([]session.HistoryItem, 0, len(out.History))
	for _, h := range out.History {
		items = append(items, session.HistoryItem{
			Message:   h.Message,
			IsUser:    h.IsUser,
			Timestamp: parseTimestamp(h.Timestamp),
		})
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	log.Debug("Backend request",
		"method", method, "path", path, "status", resp.StatusCode,
		"request_id", reqID, "took", time.Since(start))
	return resp.StatusCode, data, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO timestamps, which are
// read as UTC. Unparseable values give the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
