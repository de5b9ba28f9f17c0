package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/metrics"
	"catalogsync/internal/models"
	"catalogsync/internal/repository"
	"catalogsync/internal/syncerr"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// ErrUploadInProgress means another worker holds a fresh claim on the asset.
var ErrUploadInProgress = errors.New("image upload in progress")

type Options struct {
	MaxBytes   int64
	ClaimTTL   time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Pipeline
}

type Pipeline struct {
	repo     *repository.Images
	blob     Blob
	client   *http.Client
	maxBytes int64
	claimTTL time.Duration
	owner    string
	metrics  *metrics.Pipeline
	logger   *logger.Logger
}

func NewPipeline(repo *repository.Images, blob Blob, log *logger.Logger, opts Options) *Pipeline {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 5 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	host, _ := os.Hostname()
	return &Pipeline{
		repo:     repo,
		blob:     blob,
		client:   opts.HTTPClient,
		maxBytes: opts.MaxBytes,
		claimTTL: opts.ClaimTTL,
		owner:    fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		metrics:  opts.Metrics,
		logger:   log,
	}
}

// Request binds one source image to an owner slot.
type Request struct {
	Supplier  string
	OwnerType string
	OwnerID   string
	Field     string
	Position  int
	SourceURL string
}

type Result struct {
	AssetID string `json:"asset_id"`
	URL     string `json:"url"`
	Reused  bool   `json:"reused"`
}

// Process resolves the asset for req.SourceURL, uploading it only when no
// ready asset with the same dedup key exists, and links it to the owner slot.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	key, err := DedupKey(req.SourceURL)
	if err != nil {
		return nil, syncerr.Invalid("image dedup key", err)
	}

	asset, err := p.repo.FindAsset(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		asset, err = p.repo.ClaimAsset(ctx, key, req.SourceURL, p.owner)
		if errors.Is(err, repository.ErrClaimed) {
			// lost the insert race; look at the winner's row
			if asset, err = p.repo.FindAsset(ctx, key); err != nil {
				return nil, err
			}
			return p.fromExisting(ctx, req, asset)
		}
		if err != nil {
			return nil, err
		}
		return p.upload(ctx, req, asset)
	case err != nil:
		return nil, err
	}
	return p.fromExisting(ctx, req, asset)
}

func (p *Pipeline) fromExisting(ctx context.Context, req Request, asset *models.ImageAsset) (*Result, error) {
	if asset.Status == models.ImageStatusReady {
		if err := p.link(ctx, req, asset); err != nil {
			return nil, err
		}
		p.metrics.ImageResolved(true)
		return &Result{AssetID: asset.ID, URL: asset.URL, Reused: true}, nil
	}
	ok, err := p.repo.TakeOver(ctx, asset.ID, p.owner, time.Now().Add(-p.claimTTL))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, syncerr.TransientErr("image claim", ErrUploadInProgress)
	}
	p.logger.Warn("Took over stale image claim", "dedup_key", asset.DedupKey, "previous_owner", asset.ClaimedBy)
	return p.upload(ctx, req, asset)
}

func (p *Pipeline) upload(ctx context.Context, req Request, asset *models.ImageAsset) (*Result, error) {
	data, contentType, err := p.download(ctx, req.SourceURL)
	if err != nil {
		p.release(asset)
		return nil, err
	}

	sum := sha256.Sum256(data)
	asset.ContentHash = hex.EncodeToString(sum[:])
	asset.ContentType = contentType
	asset.SizeBytes = int64(len(data))
	asset.StorageKey = StorageKey(req.Supplier, asset.DedupKey, req.SourceURL, contentType)

	u, err := p.blob.Put(ctx, asset.StorageKey, contentType, data)
	if err != nil {
		p.release(asset)
		return nil, syncerr.TransientErr("upload image", err)
	}
	asset.URL = u

	if err := p.repo.MarkReady(ctx, asset, p.owner); err != nil {
		if errors.Is(err, repository.ErrClaimed) {
			return nil, syncerr.TransientErr("image claim", ErrUploadInProgress)
		}
		return nil, err
	}
	if err := p.link(ctx, req, asset); err != nil {
		return nil, err
	}
	p.metrics.ImageResolved(false)
	p.logger.Debug("Uploaded image", "key", asset.StorageKey, "bytes", asset.SizeBytes)
	return &Result{AssetID: asset.ID, URL: asset.URL}, nil
}

// release drops our claim so a retry does not wait for the claim TTL.
func (p *Pipeline) release(asset *models.ImageAsset) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.repo.Release(ctx, asset.ID, p.owner); err != nil {
		p.logger.Warn("Failed to release image claim", "dedup_key", asset.DedupKey, "error", err)
	}
}

func (p *Pipeline) link(ctx context.Context, req Request, asset *models.ImageAsset) error {
	return p.repo.Link(ctx, &models.ImageLink{
		AssetID:   asset.ID,
		OwnerType: req.OwnerType,
		OwnerID:   req.OwnerID,
		Field:     req.Field,
		Position:  req.Position,
	})
}

func (p *Pipeline) download(ctx context.Context, source string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", syncerr.Invalid("image request", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", syncerr.TransientErr("download image", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, "", &syncerr.HTTPError{Service: "image source", StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.ContentLength > p.maxBytes {
		return nil, "", syncerr.Invalid("download image", fmt.Errorf("image is %d bytes, limit %d", resp.ContentLength, p.maxBytes))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", syncerr.TransientErr("read image", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", syncerr.Invalid("download image", fmt.Errorf("image exceeds %d bytes", p.maxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// DedupKey is the SHA-256 of the normalized source URL: lower-case scheme and
// host, no fragment, surrounding space trimmed.
func DedupKey(source string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("image url %q is not absolute", source)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	sum := sha256.Sum256([]byte(u.String()))
	return hex.EncodeToString(sum[:]), nil
}

// StorageKey places an asset under the supplier slug, fanned out by the first
// two characters of its dedup key.
func StorageKey(supplier, dedupKey, source, contentType string) string {
	var ext string
	if u, err := url.Parse(source); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" || len(ext) > 5 {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("products/%s/%s/%s%s", slug.Make(supplier), dedupKey[:2], dedupKey, ext)
}
