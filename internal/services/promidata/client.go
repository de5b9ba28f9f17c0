// Package promidata reads supplier catalogs from the Promidata feed and turns
// them into canonical product families.
package promidata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

const service = "promidata"

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		logger:  log,
	}
}

// ManifestURL returns the import manifest location of a supplier. An explicit
// feed URL on the supplier wins over the base URL convention.
func (c *Client) ManifestURL(supplierCode, feedURL string) string {
	if feedURL != "" {
		return feedURL
	}
	return fmt.Sprintf("%s/%s/Import/Import.txt", c.baseURL, url.PathEscape(supplierCode))
}

// FetchManifest downloads and parses a supplier manifest. Each non-empty line
// is "<product url>|<hash>"; relative URLs resolve against the manifest URL.
func (c *Client) FetchManifest(ctx context.Context, supplierCode, feedURL string) (*Manifest, error) {
	manifestURL := c.ManifestURL(supplierCode, feedURL)
	body, err := c.get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, syncerr.FatalErr("parse manifest url", err)
	}

	m := &Manifest{Supplier: supplierCode}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, hash, _ := strings.Cut(line, "|")
		u, err := base.Parse(strings.TrimSpace(ref))
		if err != nil {
			c.logger.Warn("Skipping malformed manifest line", "supplier", supplierCode, "line", line)
			continue
		}
		m.Entries = append(m.Entries, ManifestEntry{URL: u.String(), Hash: strings.TrimSpace(hash)})
	}
	if err := sc.Err(); err != nil {
		return nil, syncerr.TransientErr("read manifest", err)
	}
	m.Digest = ManifestDigest(m.Entries)
	return m, nil
}

// FetchRecords downloads one product document. The document is either a single
// variant record or an array of them.
func (c *Client) FetchRecords(ctx context.Context, productURL string) ([]RawRecord, error) {
	body, err := c.get(ctx, productURL)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []RawRecord
		if err := dec.Decode(&list); err != nil {
			return nil, syncerr.Invalid("decode product", err)
		}
		return list, nil
	}
	var rec RawRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, syncerr.Invalid("decode product", err)
	}
	return []RawRecord{rec}, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerr.TransientErr("rate limit", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, syncerr.FatalErr("create request", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.TransientErr("feed request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.TransientErr("read feed response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &syncerr.HTTPError{Service: service, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
