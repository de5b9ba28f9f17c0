// Package semantic mirrors search documents into a Gemini File Search store
// for retrieval-augmented queries.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/syncerr"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// StoreAPI is the semantic-store contract.
type StoreAPI interface {
	ListStores(ctx context.Context) ([]Store, error)
	CreateStore(ctx context.Context, displayName string) (*Store, error)
	UploadFile(ctx context.Context, storeID string, content []byte, displayName string) (*Operation, error)
	GetOperation(ctx context.Context, name string) (*Operation, error)
	DeleteDocument(ctx context.Context, name string) error
}

type Store struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *OperationError `json:"error,omitempty"`
	Response struct {
		DocumentName string `json:"documentName"`
	} `json:"response"`
}

// Client calls the Gemini File Search REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
}

func NewClient(baseURL, apiKey string, rps float64, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  log,
	}
}

func (c *Client) ListStores(ctx context.Context) ([]Store, error) {
	var stores []Store
	pageToken := ""
	for {
		q := url.Values{"pageSize": {"20"}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			FileSearchStores []Store `json:"fileSearchStores"`
			NextPageToken    string  `json:"nextPageToken"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/v1beta/fileSearchStores?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		stores = append(stores, page.FileSearchStores...)
		if page.NextPageToken == "" {
			return stores, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) CreateStore(ctx context.Context, displayName string) (*Store, error) {
	var s Store
	if err := c.doJSON(ctx, http.MethodPost, "/v1beta/fileSearchStores", map[string]string{"displayName": displayName}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UploadFile sends content as a multipart upload into the store and returns
// the long-running import operation.
func (c *Client) UploadFile(ctx context.Context, storeID string, content []byte, displayName string) (*Operation, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(map[string]interface{}{"displayName": displayName, "mimeType": "text/markdown"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload metadata: %w", err)
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	part.Write(meta)
	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/markdown"}})
	if err != nil {
		return nil, err
	}
	part.Write(content)
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	path := "/upload/v1beta/" + storeID + ":uploadToFileSearchStore?uploadType=multipart"
	var op Operation
	if err := c.do(ctx, http.MethodPost, path, "multipart/related; boundary="+mw.Boundary(), &buf, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (c *Client) GetOperation(ctx context.Context, name string) (*Operation, error) {
	var op Operation
	if err := c.doJSON(ctx, http.MethodGet, "/v1beta/"+name, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (c *Client) DeleteDocument(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1beta/"+name+"?force=true", nil, nil)
}

// Ping lists one page of stores to check credentials and reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1beta/fileSearchStores?pageSize=1", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.TransientErr("rate limit", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.TransientErr("gemini request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &syncerr.HTTPError{Service: "gemini", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
