package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/syncerr"
)

var ErrPollExhausted = errors.New("semantic upload still running after max polls")

const (
	StatusSynced   = "synced"
	StatusSkipped  = "skipped"
	StatusUpToDate = "up_to_date"
)

type SyncResult struct {
	ProductID  string `json:"product_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	StoreID    string `json:"store_id,omitempty"`
	FileHandle string `json:"file_handle,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Polls      int    `json:"polls,omitempty"`
}

func (r *SyncResult) Skipped() bool { return r.Status != StatusSynced }

type SyncerOptions struct {
	MaxPolls  int
	PollEvery time.Duration
}

// Syncer pushes one product at a time from the search index into the store.
type Syncer struct {
	index     search.Index
	api       StoreAPI
	resolver  *StoreResolver
	docs      *repository.SemanticDocs
	maxPolls  int
	pollEvery time.Duration
	logger    *logger.Logger
}

func NewSyncer(index search.Index, api StoreAPI, resolver *StoreResolver, docs *repository.SemanticDocs, log *logger.Logger, opts SyncerOptions) *Syncer {
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 30
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 2 * time.Second
	}
	return &Syncer{
		index:     index,
		api:       api,
		resolver:  resolver,
		docs:      docs,
		maxPolls:  opts.MaxPolls,
		pollEvery: opts.PollEvery,
		logger:    log,
	}
}

// Sync uploads the product document unless it is missing from the search
// index or unchanged since the last upload. Both cases are skips, not errors.
func (s *Syncer) Sync(ctx context.Context, productID string) (*SyncResult, error) {
	doc, err := s.index.GetDocument(ctx, productID)
	if errors.Is(err, search.ErrNotFound) {
		return &SyncResult{ProductID: productID, Status: StatusSkipped, Reason: "not in search index"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read search document: %w", err)
	}

	content := Markdown(doc)
	hash := ContentHash(content)

	prev, err := s.docs.Find(ctx, productID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if !prev.NeedsResync(hash) {
		return &SyncResult{ProductID: productID, Status: StatusUpToDate, StoreID: prev.StoreID, FileHandle: prev.FileHandle, Hash: hash}, nil
	}

	storeID, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	op, err := s.api.UploadFile(ctx, storeID, []byte(content), productID)
	if err != nil {
		return nil, fmt.Errorf("failed to upload semantic document: %w", err)
	}
	op, polls, err := s.await(ctx, op)
	if err != nil {
		return nil, err
	}

	handle := op.Response.DocumentName
	if err := s.docs.Save(ctx, &models.SemanticDocument{
		ProductID:  productID,
		StoreID:    storeID,
		FileHandle: handle,
		SyncedHash: hash,
		SyncedAt:   time.Now(),
	}); err != nil {
		return nil, err
	}

	if prev != nil && prev.FileHandle != "" && prev.FileHandle != handle {
		if err := s.api.DeleteDocument(ctx, prev.FileHandle); err != nil {
			s.logger.Warn("Failed to delete superseded semantic document", "product_id", productID, "file", prev.FileHandle, "error", err)
		}
	}
	return &SyncResult{ProductID: productID, Status: StatusSynced, StoreID: storeID, FileHandle: handle, Hash: hash, Polls: polls}, nil
}

// await polls op until it is done, at most maxPolls times.
func (s *Syncer) await(ctx context.Context, op *Operation) (*Operation, int, error) {
	polls := 0
	for !op.Done {
		if polls >= s.maxPolls {
			return nil, polls, syncerr.TransientErr("semantic upload", ErrPollExhausted)
		}
		select {
		case <-ctx.Done():
			return nil, polls, ctx.Err()
		case <-time.After(s.pollEvery):
		}
		next, err := s.api.GetOperation(ctx, op.Name)
		if err != nil {
			return nil, polls, fmt.Errorf("failed to poll semantic upload: %w", err)
		}
		polls++
		op = next
	}
	if op.Error != nil {
		err := fmt.Errorf("operation %s: %d %s", op.Name, op.Error.Code, op.Error.Message)
		// 3 is INVALID_ARGUMENT; retrying the same payload cannot succeed
		if op.Error.Code == 3 {
			return nil, polls, syncerr.FatalErr("semantic upload", err)
		}
		return nil, polls, syncerr.TransientErr("semantic upload", err)
	}
	return op, polls, nil
}
