package rest

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes:
//
//   POST   /api/v1/explanations                       Explain an adaptation record
//   GET    /api/v1/explanations/{eventID}             Explain a recorded event
//   DELETE /api/v1/explanations/{fingerprint}         Evict a cached explanation
//   GET    /api/v1/cache/stats                        Cache counters
//   GET    /api/v1/events                             Recorded events (intent, since, limit, offset)
//   GET    /api/v1/events/{eventID}/explanations      Explanation history of an event
//   GET    /health                                    Liveness
//   GET    /ready                                     Readiness (store, context sources)

// RegisterRoutes registers the REST routes on router.
func RegisterRoutes(router *mux.Router, h *Handler) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/explanations", h.CreateExplanation).Methods(http.MethodPost)
	api.HandleFunc("/explanations/{eventID}", h.GetExplanation).Methods(http.MethodGet)
	api.HandleFunc("/explanations/{fingerprint}", h.EvictExplanation).Methods(http.MethodDelete)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventID}/explanations", h.ListEventExplanations).Methods(http.MethodGet)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
}
