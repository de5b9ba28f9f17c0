package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/syncerr"

	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("document not found")

// Index is the search-index contract used by the sync stages.
type Index interface {
	Upsert(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	Search(ctx context.Context, q Query) (*Results, error)
	Health(ctx context.Context) error
}

type Query struct {
	Text   string   `json:"q"`
	Filter []string `json:"filter,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

type Results struct {
	Hits               []Document `json:"hits"`
	EstimatedTotalHits int        `json:"estimatedTotalHits"`
}

type task struct {
	TaskUID int64  `json:"taskUid"`
	UID     int64  `json:"uid"`
	Status  string `json:"status"`
	Error   *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Client talks to the Meilisearch REST API.
type Client struct {
	baseURL    string
	apiKey     string
	index      string
	httpClient *http.Client
	limiter    *rate.Limiter
	taskPoll   time.Duration
	taskWait   time.Duration
	logger     *logger.Logger
}

func NewClient(baseURL, apiKey, index string, rps float64, log *logger.Logger) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		index:   index,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		taskPoll: 100 * time.Millisecond,
		taskWait: 30 * time.Second,
		logger:   log,
	}
}

// EnsureIndex creates the index if missing and sets the filterable attributes.
func (c *Client) EnsureIndex(ctx context.Context) error {
	var t task
	err := c.do(ctx, http.MethodPost, "/indexes", map[string]string{"uid": c.index, "primaryKey": "id"}, &t)
	if err != nil {
		return err
	}
	if err := c.waitTask(ctx, t.TaskUID); err != nil && !strings.Contains(err.Error(), "index_already_exists") {
		return err
	}
	settings := map[string]interface{}{
		"filterableAttributes": []string{"supplier_code", "family_key", "colors", "sizes", "materials", "price_min", "price_max"},
		"sortableAttributes":   []string{"price_min", "updated_at"},
	}
	if err := c.do(ctx, http.MethodPatch, "/indexes/"+url.PathEscape(c.index)+"/settings", settings, &t); err != nil {
		return err
	}
	return c.waitTask(ctx, t.TaskUID)
}

// Upsert adds or replaces a document and waits until Meilisearch applied it.
func (c *Client) Upsert(ctx context.Context, doc *Document) error {
	var t task
	path := "/indexes/" + url.PathEscape(c.index) + "/documents?primaryKey=id"
	if err := c.do(ctx, http.MethodPost, path, []*Document{doc}, &t); err != nil {
		return err
	}
	return c.waitTask(ctx, t.TaskUID)
}

func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := c.do(ctx, http.MethodGet, "/indexes/"+url.PathEscape(c.index)+"/documents/"+url.PathEscape(id), nil, &doc)
	var he *syncerr.HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) Search(ctx context.Context, q Query) (*Results, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	var res Results
	body := map[string]interface{}{"q": q.Text, "limit": q.Limit, "offset": q.Offset}
	if len(q.Filter) > 0 {
		body["filter"] = q.Filter
	}
	if err := c.do(ctx, http.MethodPost, "/indexes/"+url.PathEscape(c.index)+"/search", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "available" {
		return fmt.Errorf("meilisearch status %q", out.Status)
	}
	return nil
}

func (c *Client) waitTask(ctx context.Context, uid int64) error {
	deadline := time.Now().Add(c.taskWait)
	for {
		var t task
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", uid), nil, &t); err != nil {
			return err
		}
		switch t.Status {
		case "succeeded":
			return nil
		case "failed", "canceled":
			msg := t.Status
			if t.Error != nil {
				msg = t.Error.Code + ": " + t.Error.Message
			}
			if t.Error != nil && t.Error.Type == "invalid_request" {
				return syncerr.FatalErr("meilisearch task", errors.New(msg))
			}
			return syncerr.TransientErr("meilisearch task", errors.New(msg))
		}
		if time.Now().After(deadline) {
			return syncerr.TransientErr("meilisearch task", fmt.Errorf("task %d still %s", uid, t.Status))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.taskPoll):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.TransientErr("rate limit", err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.TransientErr("meilisearch request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &syncerr.HTTPError{Service: "meilisearch", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
