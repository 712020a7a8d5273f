package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/outreach-engine/internal/deal"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/store"
)

func (s *Server) createDeal(w http.ResponseWriter, r *http.Request) {
	var in deal.CreateInput
	if !decode(w, r, &in) {
		return
	}
	d, err := s.deps.Deals.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DealFilter{Stage: model.Stage(q.Get("stage"))}
	if v := q.Get("lead_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid lead_id"})
			return
		}
		filter.LeadID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		filter.Limit = n
	}
	out, err := s.deps.Deals.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Deal{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Deals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) moveDeal(w http.ResponseWriter, r *http.Request) {
	var in deal.MoveInput
	if !decode(w, r, &in) {
		return
	}
	d, err := s.deps.Deals.MoveStage(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) allowedStages(w http.ResponseWriter, r *http.Request) {
	stages, err := s.deps.Deals.AllowedStages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stages == nil {
		stages = []model.Stage{}
	}
	writeJSON(w, http.StatusOK, map[string][]model.Stage{"stages": stages})
}

func (s *Server) logActivity(w http.ResponseWriter, r *http.Request) {
	var in deal.ActivityInput
	if !decode(w, r, &in) {
		return
	}
	act, err := s.deps.Deals.LogActivity(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, act)
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	acts, err := s.deps.Deals.Activities(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if acts == nil {
		acts = []model.Activity{}
	}
	writeJSON(w, http.StatusOK, acts)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in deal.TaskInput
	if !decode(w, r, &in) {
		return
	}
	task, err := s.deps.Deals.CreateTask(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("include_completed"))
	tasks, err := s.deps.Deals.Tasks(r.Context(), chi.URLParam(r, "id"), all)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	task, err := s.deps.Deals.CompleteTask(r.Context(), chi.URLParam(r, "id"), body.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
