package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/research"
)

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var in research.CreateInput
	if !decode(w, r, &in) {
		return
	}
	b, err := s.deps.Research.CreateBatch(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Research.List(r.Context(), model.BatchStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Batch{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Research.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) batchItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Research.Items(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.BatchItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// startBatch snapshots the batch's leads. Processing happens on later ticks.
func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Research.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
