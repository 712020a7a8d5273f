package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/outreach"
)

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var c model.Campaign
	if !decode(w, r, &c) {
		return
	}
	if err := s.deps.Campaigns.Create(r.Context(), &c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Campaigns.List(r.Context(), model.CampaignStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Campaign{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) campaignMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Campaigns.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) campaignMetrics(w http.ResponseWriter, r *http.Request) {
	recompute, _ := strconv.ParseBool(r.URL.Query().Get("recompute"))
	m, err := s.deps.Campaigns.Metrics(r.Context(), chi.URLParam(r, "id"), recompute)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) campaignAction(w http.ResponseWriter, r *http.Request) {
	svc := s.deps.Campaigns
	ops := map[model.CampaignAction]func(context.Context, string) (*model.Campaign, error){
		model.ActionSchedule: svc.Schedule,
		model.ActionStart:    svc.Start,
		model.ActionPause:    svc.Pause,
		model.ActionCancel:   svc.Cancel,
	}
	op, ok := ops[model.CampaignAction(chi.URLParam(r, "action"))]
	if !ok {
		http.NotFound(w, r)
		return
	}
	c, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// transportEvent applies a provider delivery event. Events that arrive out of
// order are acknowledged but not applied.
func (s *Server) transportEvent(w http.ResponseWriter, r *http.Request) {
	var ev outreach.Event
	if !decode(w, r, &ev) {
		return
	}
	applied, err := s.deps.Campaigns.RecordEvent(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
