package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-explain/internal/db"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

const e1 = `{
	"event_id": "E1",
	"timestamp": "2026-05-01T10:00:00Z",
	"intent": "low-latency",
	"chosen_option_id": "A",
	"options": [
		{"id": "A", "score": 0.8, "factors": {"latency": 0.9, "cost": 0.5}},
		{"id": "B", "score": 0.6, "factors": {"latency": 0.5, "cost": 0.7}}
	]
}`

type fixture struct {
	router *mux.Router
	engine *pipeline.Engine
	store  db.Store
}

func newFixture(t *testing.T, src resolver.FactorSource) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := pipeline.New(pipeline.Deps{
		Resolver: resolver.New(src, resolver.Options{FetchTimeout: time.Second}),
		Store:    store,
	})
	require.NoError(t, err)

	h := NewHandler(Deps{
		Explainer: engine,
		Events:    store,
		History:   store,
		Renderer:  render.New(render.Options{UseCaseContext: "Edge orchestration"}),
		Ready: func(ctx context.Context) map[string]error {
			return map[string]error{"database": store.Ping(ctx)}
		},
	})
	router := mux.NewRouter()
	RegisterRoutes(router, h)
	return &fixture{router: router, engine: engine, store: store}
}

func staticSource() resolver.FactorSource {
	return resolver.NewStaticSource(map[string]float64{"latency": 12, "cost": 3})
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateExplanationJSON(t *testing.T) {
	f := newFixture(t, staticSource())

	rec := f.do(http.MethodPost, "/api/v1/explanations", e1)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got types.ExplanationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "E1", got.EventID)
	assert.Equal(t, "B", got.RunnerUpID)
	assert.Equal(t, "Edge orchestration", got.UseCaseContext)
	assert.Contains(t, got.Narrative, "latency favored A")
	assert.Equal(t, `"`+got.Fingerprint+`"`, rec.Header().Get("ETag"))
}

func TestCreateExplanationWrappedWithFormat(t *testing.T) {
	f := newFixture(t, staticSource())

	rec := f.do(http.MethodPost, "/api/v1/explanations", `{"event": `+e1+`, "format": "markdown"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "# Explanation for `E1`")

	// the query parameter overrides the body
	rec = f.do(http.MethodPost, "/api/v1/explanations?format=text", `{"event": `+e1+`, "format": "markdown"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EXPLANATION E1")
}

func TestCreateExplanationErrors(t *testing.T) {
	f := newFixture(t, staticSource())

	t.Run("invalid json", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/explanations", `{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrCodeInvalidRequest, decodeError(t, rec).Code)
	})

	t.Run("malformed event", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/explanations", strings.Replace(e1, `"chosen_option_id": "A"`, `"chosen_option_id": "Z"`, 1))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "MalformedEventError", resp.Code)
		assert.Equal(t, "E1", resp.EventID)
	})

	t.Run("attribution error", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/explanations", strings.Replace(e1, `"chosen_option_id": "A"`, `"chosen_option_id": "B"`, 1))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "AttributionError", resp.Code)
		details := resp.Details.(map[string]interface{})
		assert.InDelta(t, -0.2, details["margin"].(float64), 1e-9)
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/explanations?format=pdf", e1)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateExplanationContextUnavailable(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/explanations", e1)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "ContextResolutionError", resp.Code)
	assert.True(t, resp.Retryable)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGetExplanationByEventID(t *testing.T) {
	f := newFixture(t, staticSource())

	rec := f.do(http.MethodGet, "/api/v1/explanations/E1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", decodeError(t, rec).Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/explanations", e1).Code)

	rec = f.do(http.MethodGet, "/api/v1/explanations/E1?format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "Context: Edge orchestration")

	rec = f.do(http.MethodGet, "/api/v1/events/E1/explanations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []types.ExplanationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "E1", history[0].EventID)
}

func TestEvictAndCacheStats(t *testing.T) {
	f := newFixture(t, staticSource())

	rec := f.do(http.MethodPost, "/api/v1/explanations", e1)
	require.Equal(t, http.StatusOK, rec.Code)
	var exp types.ExplanationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))

	rec = f.do(http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.CacheStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Misses)

	rec = f.do(http.MethodDelete, "/api/v1/explanations/"+exp.Fingerprint, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/api/v1/explanations/"+exp.Fingerprint, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, staticSource())
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/explanations", e1).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/explanations",
		strings.NewReplacer(`"E1"`, `"E2"`, `"low-latency"`, `"low-cost"`).Replace(e1)).Code)

	rec := f.do(http.MethodGet, "/api/v1/events?intent=low-cost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []types.EventSummary `json:"items"`
		Total int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "E2", list.Items[0].ID)
	assert.Equal(t, "rest", list.Items[0].Source)
	assert.Equal(t, 2, list.Items[0].Options)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/events?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/events?since=yesterday", "").Code)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, staticSource())

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)

	rec := f.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Components["database"])

	require.NoError(t, f.store.Close())
	rec = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stubRunner struct{ err error }

func (s stubRunner) SubmitAndWait(context.Context, pipeline.Job) (*models.Explanation, error) {
	return nil, s.err
}

func TestCreateExplanationThroughRunner(t *testing.T) {
	f := newFixture(t, staticSource())
	h := NewHandler(Deps{Explainer: f.engine, Runner: stubRunner{err: pipeline.ErrPoolFull}})
	router := mux.NewRouter()
	RegisterRoutes(router, h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/explanations", strings.NewReader(e1)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeOverloaded, decodeError(t, rec).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{pipeline.ErrPoolStopped, http.StatusServiceUnavailable},
		{models.ErrInFlight, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
