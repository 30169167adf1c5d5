// Package server is the HTTP shell over the storage and query engines. It
// validates requests, resolves selectors, maps error kinds to status codes
// and streams accepted samples to websocket clients. The storage engine is
// injected and the query engine is built over it; the shell holds no storage
// state of its own.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/syamp/biscuit/pkg/httpx"
	"github.com/syamp/biscuit/pkg/query"
	"github.com/syamp/biscuit/pkg/tsdb"
)

// Server wires the storage engine and query engine to the HTTP surface.
type Server struct {
	store  *tsdb.Store
	engine *query.Engine
	hub    *Hub
	cache  *seriesCache
	log    *logrus.Entry
}

// New builds a server around store.
func New(store *tsdb.Store) *Server {
	return &Server{
		store:  store,
		engine: query.New(store),
		hub:    NewHub(),
		cache:  newSeriesCache(),
		log:    logrus.WithField("component", "server"),
	}
}

// Hub exposes the live-streaming hub so the entrypoint can run its loop.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ingest/gauge", s.handleIngestGauge).Methods(http.MethodPost)
	r.HandleFunc("/ingest/counter", s.handleIngestCounter).Methods(http.MethodPost)
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)

	r.HandleFunc("/metrics", s.handleListMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/names", s.handleNames).Methods(http.MethodGet)
	r.HandleFunc("/metrics/lookup", s.handleLookup).Methods(http.MethodPost)
	r.HandleFunc("/metrics/tag-values", s.handleTagValues).Methods(http.MethodPost)
	r.HandleFunc("/metrics/{id:[0-9]+}", s.handleDeleteMetric).Methods(http.MethodDelete)
	r.HandleFunc("/metrics/{id:[0-9]+}/retention", s.handleRetention).Methods(http.MethodPost)
	r.HandleFunc("/metrics/{id:[0-9]+}/series", s.handleSeries).Methods(http.MethodGet)

	r.HandleFunc("/dashboards", s.handleListDashboards).Methods(http.MethodGet)
	r.HandleFunc("/dashboards", s.handleSaveDashboard).Methods(http.MethodPost)
	r.HandleFunc("/dashboards/{slug}", s.handleGetDashboard).Methods(http.MethodGet)
	r.HandleFunc("/dashboards/{slug}", s.handleDeleteDashboard).Methods(http.MethodDelete)

	r.HandleFunc("/ws/live", s.handleLive)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/debug/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// respondStoreError maps an engine error to its HTTP status.
func respondStoreError(w http.ResponseWriter, err error) {
	httpx.RespondError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, tsdb.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, tsdb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tsdb.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// badRequestf builds a validation error so selector and alias failures share
// the storage engine's 400 mapping.
func badRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", tsdb.ErrValidation, fmt.Sprintf(format, args...))
}
