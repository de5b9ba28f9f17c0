package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/services/promidata"
	"catalogsync/internal/session"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"

	"golang.org/x/sync/errgroup"
)

// SupplierSync reads a supplier manifest, detects changed families and fans
// them out to the product-family queue.
type SupplierSync struct {
	deps   Deps
	stages stages
}

func NewSupplierSync(deps Deps) *SupplierSync {
	return &SupplierSync{deps: deps, stages: stages{tracker: deps.Tracker}}
}

func (p *SupplierSync) Queue() string { return queue.SupplierSync }

type SupplierSyncResult struct {
	SessionID         string `json:"session_id"`
	ManifestEntries   int    `json:"manifest_entries"`
	ManifestUnchanged bool   `json:"manifest_unchanged,omitempty"`
	MissingDocuments  int    `json:"missing_documents,omitempty"`
	InvalidRecords    int    `json:"invalid_records"`
	Families          int    `json:"families"`
	New               int    `json:"new"`
	Changed           int    `json:"changed"`
	Unchanged         int    `json:"unchanged"`
	Removed           int64  `json:"removed"`
	Enqueued          int    `json:"enqueued"`
	AlreadyQueued     int    `json:"already_queued,omitempty"`
	Stopped           bool   `json:"stopped,omitempty"`
}

func (p *SupplierSync) Run(jc *runtime.Context) (queue.Outcome, error) {
	var payload pipeline.SupplierSyncPayload
	if err := jc.Decode(&payload); err != nil {
		return queue.Outcome{}, err
	}
	ctx := jc.Ctx

	supplier, err := p.deps.Catalog.GetSupplier(ctx, payload.SupplierCode)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Outcome{}, syncerr.FatalErr("load supplier", fmt.Errorf("unknown supplier %q", payload.SupplierCode))
	}
	if err != nil {
		return queue.Outcome{}, err
	}

	running, err := p.begin(jc, supplier, payload.Force)
	if err != nil {
		return queue.Outcome{}, err
	}
	res := &SupplierSyncResult{SessionID: jc.SessionID()}
	if !running {
		p.recordSupplier(ctx, supplier.Code, repository.SyncResult{Status: models.SupplierStatusStopped, Message: "stopped before start"})
		return queue.Outcome{Result: res, Skipped: true}, nil
	}

	jc.Progress("manifest", 5)
	manifest, err := p.deps.Feed.FetchManifest(ctx, supplier.Code, supplier.FeedURL)
	if err != nil {
		return queue.Outcome{}, err
	}
	res.ManifestEntries = len(manifest.Entries)

	if !payload.Force && supplier.LastSyncHash != "" && supplier.LastSyncHash == manifest.Digest {
		stale, err := p.deps.Catalog.UnsyncedFamilies(ctx, supplier.Code)
		if err != nil {
			return queue.Outcome{}, err
		}
		if stale == 0 {
			return p.unchangedManifest(jc, supplier, res)
		}
		jc.Logger.Info("Manifest unchanged but families need a resync", "supplier", supplier.Code, "families", stale)
	}

	jc.Progress("fetch", 10)
	groups, err := p.fetch(jc, manifest, res)
	if err != nil {
		return queue.Outcome{}, err
	}
	if res.Stopped {
		return p.finish(jc, supplier, manifest, res, 0)
	}

	stored, err := p.deps.Catalog.FamilyHashes(ctx, supplier.Code)
	if err != nil {
		return queue.Outcome{}, err
	}
	changes, err := p.deps.Detector.Detect(groups, stored)
	if err != nil {
		return queue.Outcome{}, syncerr.FatalErr("detect changes", err)
	}
	res.New = changes.Count(promidata.ChangeNew)
	res.Changed = changes.Count(promidata.ChangeChanged)
	res.Unchanged = changes.Count(promidata.ChangeUnchanged)

	jc.Progress("enqueue", 50)
	var removed []string
	skipped := res.Unchanged
	for i, ch := range changes.Families {
		if ch.Kind != promidata.ChangeRemoved {
			res.Families++
		}
		switch ch.Kind {
		case promidata.ChangeUnchanged:
			continue
		case promidata.ChangeRemoved:
			// a family missing from a partial fetch may just be unreachable
			if _, inFeed := groups[ch.FamilyKey]; inFeed || res.MissingDocuments == 0 {
				removed = append(removed, ch.FamilyKey)
			}
			continue
		}

		if p.stages.stopRequested(jc) {
			res.Stopped = true
			break
		}
		created, err := p.enqueueFamily(jc, supplier.Code, ch)
		if err != nil {
			return queue.Outcome{}, err
		}
		if created {
			res.Enqueued++
		} else {
			res.AlreadyQueued++
			skipped++
		}
		jc.Progress("enqueue", 50+45*(i+1)/len(changes.Families))
	}

	if len(removed) > 0 {
		n, err := p.deps.Catalog.MarkRemoved(ctx, supplier.Code, removed)
		if err != nil {
			return queue.Outcome{}, err
		}
		res.Removed = n
	}
	return p.finish(jc, supplier, manifest, res, skipped)
}

// begin moves the session to running. It reports false when the session was
// stopped before the job got to run.
func (p *SupplierSync) begin(jc *runtime.Context, supplier *models.SupplierFeed, force bool) (bool, error) {
	ctx := jc.Ctx
	if jc.SessionID() == "" {
		sess, err := p.deps.Tracker.Create(ctx, supplier.Code, force)
		if err != nil {
			return false, err
		}
		jc.Job.SessionID = sess.ID
	}

	err := p.deps.Tracker.Start(ctx, jc.SessionID())
	if errors.Is(err, session.ErrInvalidTransition) {
		sess, gerr := p.deps.Tracker.Get(ctx, jc.SessionID())
		if gerr != nil {
			return false, gerr
		}
		switch sess.Status {
		case models.SessionRunning:
			// retry of an earlier attempt
			err = nil
		case models.SessionStopped:
			return false, nil
		default:
			return false, syncerr.FatalErr("start session", fmt.Errorf("session %s is %s", sess.ID, sess.Status))
		}
	}
	if err != nil {
		return false, err
	}
	if err := p.deps.Catalog.MarkSyncing(ctx, supplier.Code); err != nil {
		return false, err
	}
	return true, nil
}

// fetch downloads every manifest entry and groups valid records by family.
// Families whose records are all invalid stay in the map with no records.
func (p *SupplierSync) fetch(jc *runtime.Context, manifest *promidata.Manifest, res *SupplierSyncResult) (map[string][]promidata.RawRecord, error) {
	groups := map[string][]promidata.RawRecord{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(p.deps.FetchConcurrency)
	for i, entry := range manifest.Entries {
		if i%p.deps.FetchConcurrency == 0 && p.stages.stopRequested(jc) {
			res.Stopped = true
			break
		}
		entry := entry
		g.Go(func() error {
			records, err := p.deps.Feed.FetchRecords(gctx, entry.URL)
			switch syncerr.KindOf(err) {
			case syncerr.NotFoundUpstream, syncerr.Validation:
				jc.Logger.Warn("Skipping product document", "url", entry.URL, "error", err)
				mu.Lock()
				res.MissingDocuments++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, r := range records {
				key := promidata.FamilyKey(r)
				if key == "" {
					res.InvalidRecords++
					continue
				}
				if issue := p.deps.Transformer.Validate(key, r); issue != nil {
					jc.Logger.Debug("Invalid record", "family", key, "sku", issue.SKU, "field", issue.Field, "reason", issue.Reason)
					res.InvalidRecords++
					if _, ok := groups[key]; !ok {
						groups[key] = nil
					}
					continue
				}
				groups[key] = append(groups[key], r)
			}
			return nil
		})
		if n := len(manifest.Entries); n > 0 && (i+1)%50 == 0 {
			jc.Progress("fetch", 10+40*(i+1)/n)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (p *SupplierSync) enqueueFamily(jc *runtime.Context, code string, ch promidata.FamilyChange) (bool, error) {
	_, created, err := jc.Enqueue(queue.ProductFamily, pipeline.FamilyPayload{
		SupplierCode: code,
		FamilyKey:    ch.FamilyKey,
		SessionID:    jc.SessionID(),
		Hash:         ch.Hash,
		Records:      ch.Records,
	}, queue.Options{JobKey: pipeline.FamilyKey(code, ch.FamilyKey)})
	if err != nil {
		return false, err
	}
	if !created {
		// a live job from another session owns this family
		return false, nil
	}
	err = p.stages.addTotals(jc, map[models.Stage]int{
		models.StagePromidata: 1,
		models.StageSearch:    1,
		models.StageSemantic:  1,
	})
	return true, err
}

// unchangedManifest counts every family of the last run as unchanged without
// fetching a single product document.
func (p *SupplierSync) unchangedManifest(jc *runtime.Context, supplier *models.SupplierFeed, res *SupplierSyncResult) (queue.Outcome, error) {
	res.ManifestUnchanged = true
	res.Families = supplier.LastFamilyCount
	res.Unchanged = supplier.LastFamilyCount
	jc.Logger.Info("Manifest unchanged, skipping product fetch", "supplier", supplier.Code, "families", supplier.LastFamilyCount)

	if err := p.countSkipped(jc, supplier.LastFamilyCount); err != nil {
		return queue.Outcome{}, err
	}
	p.recordSupplier(jc.Ctx, supplier.Code, repository.SyncResult{
		Status:      models.SupplierStatusOK,
		Message:     "manifest unchanged",
		Hash:        supplier.LastSyncHash,
		FamilyCount: supplier.LastFamilyCount,
	})
	if err := p.deps.Tracker.FeedDone(jc.Ctx, jc.SessionID()); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Outcome{Result: res}, nil
}

func (p *SupplierSync) countSkipped(jc *runtime.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := p.stages.addTotals(jc, map[models.Stage]int{models.StagePromidata: n}); err != nil {
		return err
	}
	p.stages.record(jc, models.StagePromidata, session.Counts{Skipped: n})
	return nil
}

func (p *SupplierSync) finish(jc *runtime.Context, supplier *models.SupplierFeed, manifest *promidata.Manifest, res *SupplierSyncResult, skipped int) (queue.Outcome, error) {
	if err := p.countSkipped(jc, skipped); err != nil {
		return queue.Outcome{}, err
	}

	outcome := repository.SyncResult{
		Status:  models.SupplierStatusOK,
		Message: fmt.Sprintf("%d new, %d changed, %d unchanged, %d removed", res.New, res.Changed, res.Unchanged, res.Removed),
	}
	switch {
	case res.Stopped:
		outcome.Status = models.SupplierStatusStopped
		outcome.Message = "stopped on request"
	case res.MissingDocuments > 0:
		// keep the previous digest so the next run fetches again
		outcome.Message += fmt.Sprintf(", %d documents missing", res.MissingDocuments)
	default:
		outcome.Hash = manifest.Digest
		outcome.FamilyCount = res.Families
	}
	p.recordSupplier(jc.Ctx, supplier.Code, outcome)

	if err := p.deps.Tracker.FeedDone(jc.Ctx, jc.SessionID()); err != nil {
		return queue.Outcome{}, err
	}
	jc.Logger.Info("Supplier feed processed",
		"supplier", supplier.Code,
		"families", res.Families,
		"enqueued", res.Enqueued,
		"unchanged", res.Unchanged,
		"removed", res.Removed,
		"stopped", res.Stopped,
	)
	return queue.Outcome{Result: res}, nil
}

func (p *SupplierSync) recordSupplier(ctx context.Context, code string, res repository.SyncResult) {
	if err := p.deps.Catalog.RecordSync(ctx, code, res); err != nil {
		p.deps.Logger.Warn("Failed to record supplier sync", "supplier", code, "error", err)
	}
}

// OnFailed ends the session: without the feed no other stage has work.
func (p *SupplierSync) OnFailed(jc *runtime.Context, cause error) {
	p.abort(jc, cause)
}

func (p *SupplierSync) OnSkipped(jc *runtime.Context, cause error) {
	p.abort(jc, cause)
}

func (p *SupplierSync) abort(jc *runtime.Context, cause error) {
	var payload pipeline.SupplierSyncPayload
	if err := jc.Decode(&payload); err == nil && payload.SupplierCode != "" {
		p.recordSupplier(jc.Ctx, payload.SupplierCode, repository.SyncResult{Status: models.SupplierStatusError, Message: cause.Error()})
	}
	if jc.SessionID() == "" {
		return
	}
	if err := p.deps.Tracker.Fail(jc.Ctx, jc.SessionID(), cause); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		jc.Logger.Warn("Failed to fail session", "session_id", jc.SessionID(), "error", err)
	}
}
