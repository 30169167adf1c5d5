package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/syamp/biscuit/pkg/httpx"
	"github.com/syamp/biscuit/pkg/tsdb"
)

// DashboardPayload is the request body for POST /dashboards. The definition
// is opaque to the server and stored as-is.
type DashboardPayload struct {
	Slug       string          `json:"slug"`
	Title      string          `json:"title"`
	Definition json.RawMessage `json:"definition"`
}

func (s *Server) handleSaveDashboard(w http.ResponseWriter, r *http.Request) {
	var p DashboardPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if err := s.store.SaveDashboard(p.Slug, p.Title, p.Definition); err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"slug":   p.Slug,
	})
}

func (s *Server) handleListDashboards(w http.ResponseWriter, r *http.Request) {
	dashboards, err := s.store.ListDashboards()
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if dashboards == nil {
		dashboards = []tsdb.DashboardSummary{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"dashboards": dashboards})
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	payload, found, err := s.store.GetDashboard(slug)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !found {
		httpx.RespondErrorString(w, http.StatusNotFound, "dashboard not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func (s *Server) handleDeleteDashboard(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	if err := s.store.DeleteDashboard(slug); err != nil {
		respondStoreError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"slug":   slug,
	})
}
