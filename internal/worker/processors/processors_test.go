package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"catalogsync/internal/database/dbtest"
	"catalogsync/internal/events"
	"catalogsync/internal/images"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/semantic"
	"catalogsync/internal/services/promidata"
	"catalogsync/internal/session"
	"catalogsync/internal/worker"
	"catalogsync/internal/worker/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// feed serves a supplier manifest, product documents and images. "{base}" in
// a document is replaced with the server URL.
type feed struct {
	mu       sync.Mutex
	srv      *httptest.Server
	manifest map[string]string
	docs     map[string]string
	fetches  int
}

func newFeed(t *testing.T) *feed {
	f := &feed{manifest: map[string]string{}, docs: map[string]string{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feed) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/A113/Import/Import.txt":
		for path, hash := range f.manifest {
			fmt.Fprintf(w, "%s|%s\n", path, hash)
		}
	case strings.HasPrefix(r.URL.Path, "/img/missing"):
		http.NotFound(w, r)
	case strings.HasPrefix(r.URL.Path, "/img/"):
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprintf(w, "jpeg:%s", r.URL.Path)
	default:
		doc, ok := f.docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.fetches++
		fmt.Fprint(w, strings.ReplaceAll(doc, "{base}", f.srv.URL))
	}
}

// put publishes a product document and lists it in the manifest.
func (f *feed) put(path, hash, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[path] = doc
	f.manifest[path] = hash
}

func (f *feed) drop(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, path)
	delete(f.manifest, path)
}

func (f *feed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	feed    *feed
	jobs    *queue.Service
	tracker *session.Tracker
	catalog *repository.Catalog
	blob    *images.MemoryBlob
	index   *search.MemoryIndex
	store   *semantic.MemoryStore
	starter *pipeline.Starter
	deps    Deps
	pools   map[string]*worker.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	log := logger.Nop()
	h := &harness{
		t:       t,
		db:      db,
		feed:    newFeed(t),
		tracker: session.NewTracker(db, log),
		catalog: repository.NewCatalog(db),
		blob:    images.NewMemoryBlob(),
		index:   search.NewMemoryIndex(),
		store:   semantic.NewMemoryStore(),
	}
	policies := map[string]queue.Policy{}
	for _, name := range queue.Names {
		policies[name] = queue.Policy{Attempts: 2, Backoff: queue.Backoff{Kind: models.BackoffFixed}}
	}
	h.jobs = queue.NewService(db, log, policies)
	h.jobs.SetAccountant(pipeline.NewAccounting(h.tracker, log))
	h.starter = pipeline.NewStarter(h.jobs, h.tracker, h.catalog, events.Nop{}, log)

	imageRepo := repository.NewImages(db)
	resolver := semantic.NewStoreResolver(h.store, "catalog", log)
	deps := Deps{
		Catalog:     h.catalog,
		ImageRepo:   imageRepo,
		Feed:        promidata.NewClient(h.feed.srv.URL, time.Second, log),
		Transformer: promidata.NewTransformer([]string{"en", "de"}, "NL"),
		Images:      images.NewPipeline(imageRepo, h.blob, log, images.Options{}),
		Index:       h.index,
		Semantic:    semantic.NewSyncer(h.index, h.store, resolver, repository.NewSemanticDocs(db), log, semantic.SyncerOptions{PollEvery: time.Millisecond}),
		Tracker:     h.tracker,
		Logger:      log,
	}
	h.deps = deps
	reg := runtime.NewRegistry()
	require.NoError(t, Register(reg, deps))
	h.pools = map[string]*worker.Pool{}
	for _, q := range reg.Queues() {
		handler, _ := reg.Get(q)
		h.pools[q] = worker.NewPool(h.jobs, handler, log, worker.PoolOptions{})
	}

	require.NoError(t, h.catalog.UpsertSupplier(context.Background(), &models.SupplierFeed{Code: "A113", Name: "Mugs Inc", Active: true}))
	return h
}

// drain runs the given queues, or every queue, until nothing is runnable.
func (h *harness) drain(queues ...string) {
	h.t.Helper()
	if len(queues) == 0 {
		queues = queue.Names
	}
	for round := 0; round < 20; round++ {
		ran := 0
		for _, q := range queues {
			n, err := h.pools[q].Drain(context.Background())
			require.NoError(h.t, err)
			ran += n
		}
		if ran == 0 {
			return
		}
	}
	h.t.Fatal("pipeline did not settle")
}

func (h *harness) sync(force bool) *models.SyncSession {
	h.t.Helper()
	st, err := h.starter.StartSupplierSync(context.Background(), "A113", force)
	require.NoError(h.t, err)
	h.drain()
	s, err := h.tracker.Get(context.Background(), st.SessionID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) stats(q string) *queue.Stats {
	h.t.Helper()
	s, err := h.jobs.GetStats(context.Background(), q)
	require.NoError(h.t, err)
	return s
}

func (h *harness) count(model interface{}) int64 {
	var n int64
	require.NoError(h.t, h.db.Model(model).Count(&n).Error)
	return n
}

const mugFamily = `[
  {"SKU":"F1-RED-M","ANumber":"F1","Name":"Mug","Color":"red","Size":"M","ImageURL":"{base}/img/red.jpg","Price":"3.50"},
  {"SKU":"F1-RED-L","ANumber":"F1","Name":"Mug","Color":"red","Size":"L","ImageURL":"{base}/img/red.jpg","Price":"3.50"},
  {"SKU":"F1-BLUE-M","ANumber":"F1","Name":"Mug","Color":"blue","Size":"M","ImageURL":"{base}/img/blue.jpg","Price":"3.50"}
]`

func TestSupplierSyncEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	ctx := context.Background()

	s := h.sync(false)

	assert.Equal(t, int64(1), h.stats(queue.ProductFamily).Completed)
	assert.Equal(t, int64(3), h.stats(queue.ImageUpload).Completed)
	assert.Equal(t, 2, h.blob.Puts(), "shared image is stored once")
	assert.Equal(t, int64(3), h.count(&models.ImageLink{}))
	assert.Equal(t, int64(2), h.count(&models.ImageAsset{}))

	doc, err := h.index.GetDocument(ctx, search.DocumentID("A113", "F1"))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.VariantCount)
	assert.Contains(t, doc.PrimaryImageURL, "memory://")
	assert.Equal(t, 1, h.store.Creates())

	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Processed: 1}, s.Promidata)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 3, Processed: 3}, s.Images)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Processed: 1}, s.Search)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Processed: 1}, s.Semantic)

	v, err := h.tracker.Verify(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent, "%+v", v.Mismatches)

	sup, err := h.catalog.GetSupplier(ctx, "A113")
	require.NoError(t, err)
	assert.Equal(t, models.SupplierStatusOK, sup.LastSyncStatus)
	assert.Equal(t, 1, sup.LastFamilyCount)
	assert.NotEmpty(t, sup.LastSyncHash)
}

func TestUnchangedFeedEnqueuesNothing(t *testing.T) {
	h := newHarness(t)
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	h.sync(false)
	fetched := h.feed.fetchCount()
	family, err := h.jobs.GetJob(context.Background(), queue.ProductFamily, pipeline.FamilyKey("A113", "F1"))
	require.NoError(t, err)

	s := h.sync(false)
	assert.Equal(t, fetched, h.feed.fetchCount(), "unchanged manifest skips product documents")
	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, 1, s.Promidata.Total)
	assert.Equal(t, 1, s.Promidata.Skipped)
	assert.Zero(t, s.Search.Total)

	forced := h.sync(true)
	assert.Greater(t, h.feed.fetchCount(), fetched)
	assert.Equal(t, 1, forced.Promidata.Skipped, "same records hash the same")
	assert.Equal(t, models.SessionCompleted, forced.Status)

	again, err := h.jobs.GetJob(context.Background(), queue.ProductFamily, pipeline.FamilyKey("A113", "F1"))
	require.NoError(t, err)
	assert.Equal(t, family.FinishedAt, again.FinishedAt, "family job did not run again")
}

func TestChangedFamilyReusesStoredImages(t *testing.T) {
	h := newHarness(t)
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	h.sync(false)

	h.feed.put("/A113/p/f1.json", "h2", strings.Replace(mugFamily, `"Name":"Mug"`, `"Name":"Coffee Mug"`, 1))
	s := h.sync(false)

	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, 1, s.Promidata.Processed)
	assert.Equal(t, 3, s.Images.Processed)
	assert.Equal(t, 2, h.blob.Puts(), "no new uploads for known images")
	assert.Equal(t, 1, h.store.Creates())
	assert.Len(t, h.store.Deletes(), 1, "superseded semantic file is deleted")

	doc, err := h.index.GetDocument(context.Background(), search.DocumentID("A113", "F1"))
	require.NoError(t, err)
	assert.Equal(t, "Coffee Mug", doc.Name["en"])
}

func TestFamilyMissingFromFeedIsRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	h.feed.put("/A113/p/f2.json", "h1", `[{"SKU":"F2-1","ANumber":"F2","Name":"Pen"}]`)
	h.sync(false)

	hashes, err := h.catalog.FamilyHashes(ctx, "A113")
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	h.feed.drop("/A113/p/f2.json")
	s := h.sync(false)
	assert.Equal(t, models.SessionCompleted, s.Status)

	hashes, err = h.catalog.FamilyHashes(ctx, "A113")
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
	f2, err := h.catalog.FindFamily(ctx, "A113", "F2")
	require.NoError(t, err)
	assert.True(t, f2.Removed)

	job, err := h.jobs.GetJob(ctx, queue.SupplierSync, pipeline.SupplierKey("A113"))
	require.NoError(t, err)
	var res SupplierSyncResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	assert.Equal(t, int64(1), res.Removed)
	assert.Equal(t, 1, res.Unchanged)
}

func TestMissingImageIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.feed.put("/A113/p/f3.json", "h1", `[
  {"SKU":"F3-1","ANumber":"F3","Name":"Cap","Color":"red","ImageURL":"{base}/img/missing.jpg"},
  {"SKU":"F3-2","ANumber":"F3","Name":"Cap","Color":"blue","ImageURL":"{base}/img/cap.jpg"}
]`)

	s := h.sync(false)

	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, 2, s.Images.Total)
	assert.Equal(t, 1, s.Images.Processed)
	assert.Equal(t, 1, s.Images.Skipped)
	assert.Equal(t, 1, s.Search.Processed, "family continues to search despite the missing image")

	var skipped int64
	require.NoError(t, h.db.Model(&models.SyncJob{}).
		Where("queue = ? AND state = ? AND skipped = ?", queue.ImageUpload, models.JobStateCompleted, true).
		Count(&skipped).Error)
	assert.Equal(t, int64(1), skipped)
}

func TestStopBeforeStartEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)

	st, err := h.starter.StartSupplierSync(ctx, "A113", false)
	require.NoError(t, err)
	require.NoError(t, h.tracker.RequestStop(ctx, st.SessionID))
	h.drain()

	s, err := h.tracker.Get(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, s.Status)
	assert.Zero(t, h.feed.fetchCount())
	assert.Zero(t, h.stats(queue.ProductFamily).Completed)

	job, err := h.jobs.GetJob(ctx, queue.SupplierSync, pipeline.SupplierKey("A113"))
	require.NoError(t, err)
	assert.True(t, job.Skipped)

	sup, err := h.catalog.GetSupplier(ctx, "A113")
	require.NoError(t, err)
	assert.Equal(t, models.SupplierStatusStopped, sup.LastSyncStatus)
	assert.Empty(t, sup.LastSyncHash)
}

func TestSemanticSyncBeforeSearchIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.tracker.Create(ctx, "A113", false)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Start(ctx, s.ID))
	require.NoError(t, h.tracker.AddTotals(ctx, s.ID, map[models.Stage]int{models.StageSemantic: 1}))

	payload := pipeline.SemanticPayload{SupplierCode: "A113", FamilyKey: "F9", ProductID: search.DocumentID("A113", "F9"), SessionID: s.ID}
	_, created, err := h.jobs.Enqueue(ctx, queue.GeminiSync, payload, queue.Options{JobKey: pipeline.SemanticKey("A113", "F9"), SessionID: s.ID})
	require.NoError(t, err)
	require.True(t, created)
	h.drain()

	job, err := h.jobs.GetJob(ctx, queue.GeminiSync, pipeline.SemanticKey("A113", "F9"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.True(t, job.Skipped)
	assert.Zero(t, h.store.Creates())

	got, err := h.tracker.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Semantic.Skipped)
	assert.Zero(t, got.Semantic.Processed)
}

func TestNewSyncWaitsForOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)

	first, err := h.starter.StartSupplierSync(ctx, "A113", false)
	require.NoError(t, err)
	h.drain(queue.SupplierSync, queue.ProductFamily, queue.ImageUpload)
	require.Equal(t, int64(1), h.stats(queue.MeilisearchSync).Waiting)

	h.feed.put("/A113/p/f1.json", "h2", strings.Replace(mugFamily, `"Name":"Mug"`, `"Name":"Coffee Mug"`, 1))
	second, err := h.starter.StartSupplierSync(ctx, "A113", false)
	assert.ErrorIs(t, err, pipeline.ErrSyncInProgress)
	require.NotNil(t, second)
	assert.Equal(t, first.SessionID, second.SessionID)

	h.drain()
	s1, err := h.tracker.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s1.Status)

	s2 := h.sync(false)
	assert.Equal(t, models.SessionCompleted, s2.Status)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Processed: 1}, s2.Search)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Processed: 1}, s2.Semantic)
}

func TestFollowUpOwnedByEndedSessionCountsAsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)

	first, err := h.starter.StartSupplierSync(ctx, "A113", false)
	require.NoError(t, err)
	h.drain(queue.SupplierSync, queue.ProductFamily, queue.ImageUpload)
	require.NoError(t, h.tracker.Fail(ctx, first.SessionID, fmt.Errorf("session timed out")))

	h.feed.put("/A113/p/f1.json", "h2", strings.Replace(mugFamily, `"Name":"Mug"`, `"Name":"Coffee Mug"`, 1))
	second, err := h.starter.StartSupplierSync(ctx, "A113", false)
	require.NoError(t, err)
	h.drain(queue.SupplierSync, queue.ProductFamily, queue.ImageUpload)

	s2, err := h.tracker.Get(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s2.Status, "search and semantic are owned by the live job of the first session")
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Skipped: 1}, s2.Search)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 1, Skipped: 1}, s2.Semantic)

	h.drain()
	doc, err := h.index.GetDocument(ctx, search.DocumentID("A113", "F1"))
	require.NoError(t, err)
	assert.Equal(t, "Coffee Mug", doc.Name["en"], "the surviving job indexes the latest family")
}

func TestCancelledImageSettlesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)

	st, err := h.starter.StartSupplierSync(ctx, "A113", false)
	require.NoError(t, err)
	h.drain(queue.SupplierSync, queue.ProductFamily)

	var waiting models.SyncJob
	require.NoError(t, h.db.Where("queue = ? AND state = ?", queue.ImageUpload, models.JobStateWaiting).
		Order("job_key").First(&waiting).Error)
	require.NoError(t, h.jobs.Cancel(ctx, queue.ImageUpload, waiting.ID))
	h.drain()

	s, err := h.tracker.Get(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, models.StageProgress{Status: models.StageCompleted, Total: 3, Processed: 2, Failed: 1}, s.Images)
	assert.Equal(t, 1, s.Search.Processed, "the family continues once the cancelled child resolved")
	assert.Equal(t, 1, s.ErrorCount)
	assert.Contains(t, s.LastError, "cancelled")

	v, err := h.tracker.Verify(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent, "%+v", v.Mismatches)
}

func TestFailedFamilyIsResyncedNextRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	h.sync(false)

	var job models.SyncJob
	require.NoError(t, h.db.Where("queue = ? AND job_key = ?", queue.ProductFamily, pipeline.FamilyKey("A113", "F1")).Take(&job).Error)
	NewProductFamily(h.deps).OnFailed(runtime.NewContext(ctx, &job, h.jobs, logger.Nop()), fmt.Errorf("image enqueue failed"))

	hashes, err := h.catalog.FamilyHashes(ctx, "A113")
	require.NoError(t, err)
	assert.Equal(t, "", hashes["F1"])
	sup, err := h.catalog.GetSupplier(ctx, "A113")
	require.NoError(t, err)
	assert.Empty(t, sup.LastSyncHash)

	fetched := h.feed.fetchCount()
	s := h.sync(false)
	assert.Greater(t, h.feed.fetchCount(), fetched)
	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.Equal(t, 1, s.Promidata.Processed, "family is treated as changed")
	assert.Equal(t, 3, s.Images.Processed)
	assert.Equal(t, 1, s.Search.Processed)
}

func TestUnchangedManifestStillResyncsInvalidatedFamily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed.put("/A113/p/f1.json", "h1", mugFamily)
	h.sync(false)

	sup, err := h.catalog.GetSupplier(ctx, "A113")
	require.NoError(t, err)
	digest := sup.LastSyncHash
	require.NoError(t, h.catalog.InvalidateFamily(ctx, "A113", "F1"))
	// the supplier sync of a concurrent run stored the digest again
	require.NoError(t, h.catalog.RecordSync(ctx, "A113", repository.SyncResult{Status: models.SupplierStatusOK, Hash: digest, FamilyCount: 1}))

	s := h.sync(false)
	assert.Equal(t, 1, s.Promidata.Processed)
	assert.Zero(t, s.Promidata.Skipped)
}
