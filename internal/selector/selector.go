// Package selector narrows large tool sets with an external relevance
// service. The service indexes tool descriptions per session and
// returns the names most relevant to a query. Selection is strictly
// advisory: any failure yields an empty result and the caller proceeds
// with the full tool set.
package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fluidtools/agent/internal/httpkit"
	"github.com/fluidtools/agent/internal/tools"
)

// Client talks to the relevance service over HTTP.
type Client struct {
	baseURL    string
	topK       int
	minTools   int
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey][]string
}

type cacheKey struct {
	sessionID string
	query     string
	topK      int
}

// Option configures a Client.
type Option func(*Client)

// WithTopK sets how many tool names a search returns.
func WithTopK(k int) Option {
	return func(c *Client) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithMinTools sets the collection size below which selection is
// skipped entirely. Filtering a handful of tools costs more than it
// saves.
func WithMinTools(n int) Option {
	return func(c *Client) { c.minTools = n }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a relevance service client.
func New(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		topK:       15,
		minTools:   10,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		logger:     logger,
		cache:      make(map[cacheKey][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type indexRequest struct {
	SessionID string           `json:"session_id"`
	Tools     []tools.ToolInfo `json:"tools"`
}

type indexResponse struct {
	IndexedCount int `json:"indexed_count"`
}

// Index uploads the session's tool descriptors to the relevance
// service. Failure is logged and swallowed; an unindexed session simply
// gets no filtering.
func (c *Client) Index(ctx context.Context, sessionID string, infos []tools.ToolInfo) {
	if len(infos) < c.minTools {
		c.logger.Debug("skipping relevance indexing, tool set is small",
			"session_id", sessionID, "tools", len(infos), "min", c.minTools)
		return
	}

	var resp indexResponse
	if err := c.post(ctx, "/index", indexRequest{SessionID: sessionID, Tools: infos}, &resp); err != nil {
		c.logger.Warn("relevance indexing failed", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Info("indexed tools for relevance search",
		"session_id", sessionID, "indexed", resp.IndexedCount)
}

type searchRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
}

type searchResponse struct {
	Tools []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"tools"`
}

// Select returns the tool names most relevant to the query, or nil when
// selection does not apply or the service fails. Nil means "use
// everything" to the caller. Results are cached per (session, query,
// topK) so a resumed turn sees the same filtered set.
func (c *Client) Select(ctx context.Context, sessionID, query string, available int) []string {
	if available < c.minTools {
		return nil
	}

	key := cacheKey{sessionID: sessionID, query: query, topK: c.topK}
	c.mu.Lock()
	if names, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return names
	}
	c.mu.Unlock()

	var resp searchResponse
	err := c.post(ctx, "/search", searchRequest{SessionID: sessionID, Query: query, TopK: c.topK}, &resp)
	if err != nil {
		c.logger.Warn("relevance search failed, using full tool set",
			"session_id", sessionID, "error", err)
		return nil
	}
	if len(resp.Tools) == 0 {
		return nil
	}

	names := make([]string, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		names = append(names, t.Name)
	}

	c.mu.Lock()
	c.cache[key] = names
	c.mu.Unlock()

	c.logger.Debug("selected relevant tools",
		"session_id", sessionID, "selected", len(names), "available", available)
	return names
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

// EndSession removes the session's index from the relevance service and
// drops its cached selections. Failure is logged and swallowed.
func (c *Client) EndSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	for key := range c.cache {
		if key.sessionID == sessionID {
			delete(c.cache, key)
		}
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("relevance session cleanup failed", "session_id", sessionID, "error", err)
		return
	}
	defer resp.Body.Close()

	var dr deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err == nil && dr.Deleted {
		c.logger.Debug("relevance index deleted", "session_id", sessionID)
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("service error %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
