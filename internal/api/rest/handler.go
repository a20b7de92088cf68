package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/db"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/pkg/types"
)

// Package rest serves the explanation engine over HTTP.
//
// Explanations are requested by payload (POST) or by the id of an event the
// engine has already recorded (GET). Both accept ?format=json|text|markdown.
// Engine errors keep their kind in the response code:
//   - MalformedEventError      400
//   - ContextResolutionError   503, retryable
//   - AttributionError         422, with the observed margin
//   - NotFound                 404
//   - CacheContention          409 (eviction of an in-flight explanation)
//
// All handlers are stateless and safe for concurrent use.

// Runner runs explanation jobs on a bounded worker pool. *pipeline.Pool
// implements it.
type Runner interface {
	SubmitAndWait(ctx context.Context, job pipeline.Job) (*models.Explanation, error)
}

// Deps are the components a Handler serves. Explainer is required.
type Deps struct {
	Explainer pipeline.Explainer
	Runner    Runner
	Events    db.EventStore
	History   db.ExplanationStore
	Renderer  *render.Renderer
	Ready     func(ctx context.Context) map[string]error
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Handler handles the explanation API.
type Handler struct {
	explainer pipeline.Explainer
	runner    Runner
	events    db.EventStore
	history   db.ExplanationStore
	renderer  *render.Renderer
	ready     func(ctx context.Context) map[string]error
	timeout   time.Duration
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Renderer == nil {
		d.Renderer = render.New(render.Options{})
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		explainer: d.Explainer,
		runner:    d.Runner,
		events:    d.Events,
		history:   d.History,
		renderer:  d.Renderer,
		ready:     d.Ready,
		timeout:   d.Timeout,
		logger:    d.Logger,
	}
}

// CreateExplanation handles POST /api/v1/explanations.
//
// The body is either an ExplainRequest ({"event": {...}, "format": "..."})
// or a bare adaptation record.
func (h *Handler) CreateExplanation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large")
			return
		}
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "cannot read request body")
		return
	}

	raw, bodyFormat, err := decodeRequest(body)
	if err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	format, err := h.format(r, bodyFormat)
	if err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var exp *models.Explanation
	if h.runner != nil {
		exp, err = h.runner.SubmitAndWait(ctx, pipeline.Job{Raw: raw, Source: "rest"})
	} else {
		exp, err = h.explainer.Explain(ctx, raw, "rest")
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondExplanation(w, r, exp, format)
}

// GetExplanation handles GET /api/v1/explanations/{eventID}.
func (h *Handler) GetExplanation(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	format, err := h.format(r, "")
	if err != nil {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	exp, err := h.explainer.ExplainByID(ctx, eventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondExplanation(w, r, exp, format)
}

// EvictExplanation handles DELETE /api/v1/explanations/{fingerprint}.
func (h *Handler) EvictExplanation(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]
	if err := h.explainer.Evict(r.Context(), fp); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, types.EvictResponse{Fingerprint: fp, Evicted: true})
}

// GetCacheStats handles GET /api/v1/cache/stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	s := h.explainer.CacheStats()
	respondJSON(w, http.StatusOK, types.CacheStatsResponse{
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
		InFlight:  s.InFlight,
		Size:      s.Size,
		Capacity:  s.Capacity,
	})
}

// ListEvents handles GET /api/v1/events?intent=&limit=&offset=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.fail(w, r, fmt.Errorf("no event store configured: %w", models.ErrNotFound))
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil || limit <= 0 || limit > 500 {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be between 1 and 500")
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "offset must not be negative")
		return
	}

	filter := db.EventFilter{Intent: q.Get("intent"), Limit: limit, Offset: offset}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.events.CountEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	items := make([]interface{}, 0, len(events))
	for _, ev := range events {
		items = append(items, types.EventSummary{
			ID:             ev.ID,
			Intent:         ev.Intent,
			ChosenOptionID: ev.ChosenOptionID,
			Options:        len(ev.Options),
			Source:         ev.Source,
			Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, types.ListResponse{
		Items:      items,
		Total:      total,
		Page:       offset/limit + 1,
		PageSize:   limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

// ListEventExplanations handles GET /api/v1/events/{eventID}/explanations,
// the explanation history of one event.
func (h *Handler) ListEventExplanations(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.fail(w, r, fmt.Errorf("no explanation store configured: %w", models.ErrNotFound))
		return
	}
	exps, err := h.history.ListExplanationsForEvent(r.Context(), mux.Vars(r)["eventID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	records := make([]types.ExplanationRecord, 0, len(exps))
	for _, exp := range exps {
		records = append(records, h.renderer.Record(exp))
	}
	respondJSON(w, http.StatusOK, records)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
}

// Ready handles GET /ready. Any failing component makes the service not
// ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		respondJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := types.HealthResponse{Status: "ok", Components: map[string]string{}}
	status := http.StatusOK
	for name, err := range h.ready(ctx) {
		if err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	respondJSON(w, status, resp)
}

func (h *Handler) respondExplanation(w http.ResponseWriter, r *http.Request, exp *models.Explanation, format render.Format) {
	out, err := h.renderer.Render(exp, format)
	if err != nil {
		h.fail(w, r, fmt.Errorf("render %s: %w", format, err))
		return
	}
	w.Header().Set("Content-Type", render.ContentType(format))
	w.Header().Set("ETag", `"`+exp.Fingerprint+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	respondError(w, err)
}

// format picks the output format: the query parameter wins over the body.
func (h *Handler) format(r *http.Request, fromBody string) (render.Format, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		return render.ParseFormat(f)
	}
	return render.ParseFormat(fromBody)
}

// decodeRequest accepts an ExplainRequest or a bare adaptation record.
func decodeRequest(body []byte) (map[string]interface{}, string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, "", errors.New("request body is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, "", fmt.Errorf("invalid JSON body: %v", err)
	}
	if doc == nil {
		return nil, "", errors.New("request body must be a JSON object")
	}

	ev, wrapped := doc["event"]
	if !wrapped {
		return doc, "", nil
	}
	raw, ok := ev.(map[string]interface{})
	if !ok {
		return nil, "", errors.New(`"event" must be a JSON object`)
	}
	format, _ := doc["format"].(string)
	return raw, format, nil
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
