package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"catalogsync/internal/config"
	"catalogsync/internal/database/dbtest"
	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	jobs    *queue.Service
	index   *search.MemoryIndex
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.Open(t)
	log := logger.Nop()

	policies := map[string]queue.Policy{}
	for _, name := range queue.Names {
		policies[name] = queue.Policy{Attempts: 1}
	}
	jobs := queue.NewService(db, log, policies)
	tracker := session.NewTracker(db, log)
	catalog := repository.NewCatalog(db)
	index := search.NewMemoryIndex()

	srv := New(&config.Config{Env: "test"}, log, Deps{
		Jobs:    jobs,
		Tracker: tracker,
		Catalog: catalog,
		Starter: pipeline.NewStarter(jobs, tracker, catalog, events.Nop{}, log),
		Index:   index,
	})
	return &testAPI{t: t, handler: srv.Handler(), jobs: jobs, index: index}
}

func (a *testAPI) do(method, path, body string) (int, map[string]interface{}) {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func data(body map[string]interface{}) map[string]interface{} {
	d, _ := body["data"].(map[string]interface{})
	return d
}

func TestSupplierLifecycle(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(http.MethodPost, "/api/v1/suppliers", `{"code":"A113","name":"Mugs Inc","auto_import":true}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, true, data(body)["active"])

	code, _ = a.do(http.MethodPost, "/api/v1/suppliers", `{"code":"A113"}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = a.do(http.MethodPost, "/api/v1/suppliers", `{"name":"no code"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(http.MethodPut, "/api/v1/suppliers/A113", `{"name":"Mugs & Cups"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Mugs & Cups", data(body)["name"])
	assert.Equal(t, true, data(body)["auto_import"])

	code, body = a.do(http.MethodGet, "/api/v1/suppliers?auto_import=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, _ = a.do(http.MethodDelete, "/api/v1/suppliers/A113", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = a.do(http.MethodGet, "/api/v1/suppliers/A113", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSyncAndSessionEndpoints(t *testing.T) {
	a := newTestAPI(t)
	code, _ := a.do(http.MethodPost, "/api/v1/suppliers", `{"code":"A113","name":"Mugs Inc"}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := a.do(http.MethodPost, "/api/v1/suppliers/A113/sync?force=true", "")
	require.Equal(t, http.StatusAccepted, code, body)
	sessionID, _ := data(body)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	code, body = a.do(http.MethodPost, "/api/v1/suppliers/A113/sync", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, sessionID, data(body)["session_id"])

	code, _ = a.do(http.MethodPost, "/api/v1/suppliers/NOPE/sync", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.do(http.MethodGet, "/api/v1/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.SessionPending), data(body)["status"])
	assert.Equal(t, true, data(body)["force"])

	code, body = a.do(http.MethodGet, "/api/v1/sessions?supplier=A113", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = a.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/verify", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, data(body)["consistent"])

	code, _ = a.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/stop", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = a.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/stop", "")
	assert.Equal(t, http.StatusConflict, code, "stopped session cannot be stopped again")
	code, _ = a.do(http.MethodGet, "/api/v1/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	_, _, err := a.jobs.Enqueue(ctx, queue.ImageUpload, map[string]string{"url": "https://x/a.jpg"}, queue.Options{JobKey: "img-1"})
	require.NoError(t, err)

	code, body := a.do(http.MethodGet, "/api/v1/queues", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], len(queue.Names))

	code, body = a.do(http.MethodGet, "/api/v1/queues/image-upload", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, data(body)["waiting"])

	code, _ = a.do(http.MethodGet, "/api/v1/queues/bogus", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.do(http.MethodGet, "/api/v1/queues/image-upload/jobs/img-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waiting", data(body)["state"])

	code, _ = a.do(http.MethodPost, "/api/v1/queues/image-upload/pause", "")
	assert.Equal(t, http.StatusOK, code)
	_, body = a.do(http.MethodGet, "/api/v1/queues/image-upload", "")
	assert.Equal(t, true, data(body)["paused"])
	code, _ = a.do(http.MethodPost, "/api/v1/queues/image-upload/resume", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(http.MethodDelete, "/api/v1/queues/image-upload/jobs/img-1", "")
	assert.Equal(t, http.StatusOK, code)
	_, body = a.do(http.MethodGet, "/api/v1/queues/image-upload/jobs/img-1", "")
	assert.Equal(t, "failed", data(body)["state"])

	code, body = a.do(http.MethodPost, "/api/v1/queues/image-upload/retry", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, data(body)["retried"])

	code, _ = a.do(http.MethodPost, "/api/v1/queues/image-upload/clean?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(http.MethodPost, "/api/v1/queues/image-upload/clean?state=active", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, body = a.do(http.MethodPost, "/api/v1/queues/image-upload/clean?state=failed&older_than=1h", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, data(body)["removed"])
}

func TestHealthAndSearch(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.index.Upsert(context.Background(), &search.Document{ID: "A113-F1", SupplierCode: "A113", Name: map[string]string{"en": "Coffee Mug"}}))

	code, body := a.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "ok", data(body)["status"])

	code, body = a.do(http.MethodGet, "/api/v1/search?q=mug&supplier=A113", "")
	require.Equal(t, http.StatusOK, code)
	hits, _ := data(body)["hits"].([]interface{})
	assert.Len(t, hits, 1)

	code, body = a.do(http.MethodGet, "/api/v1/families?supplier=A113", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["pagination"].(map[string]interface{})["total"])
	code, _ = a.do(http.MethodGet, "/api/v1/families/A113/F1", "")
	assert.Equal(t, http.StatusNotFound, code)
}
