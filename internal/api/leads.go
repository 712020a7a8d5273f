package api

import (
	"net/http"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/validate"
)

type leadInput struct {
	FirstName   string `json:"first_name" validate:"required,max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	Email       string `json:"email" validate:"omitempty,email"`
	LinkedInURL string `json:"linkedin_url" validate:"omitempty,url"`
	Company     string `json:"company"`
	Title       string `json:"title"`
	Industry    string `json:"industry"`
	Website     string `json:"website" validate:"omitempty,url"`
	FirmSize    string `json:"firm_size"`
	Source      string `json:"source"`
}

func (s *Server) createLead(w http.ResponseWriter, r *http.Request) {
	var in leadInput
	if !decode(w, r, &in) {
		return
	}
	if err := validate.Struct("lead", in); err != nil {
		writeError(w, r, err)
		return
	}
	lead := &model.Lead{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		LinkedInURL: in.LinkedInURL,
		Company:     in.Company,
		Title:       in.Title,
		Industry:    in.Industry,
		Website:     in.Website,
		FirmSize:    in.FirmSize,
		Source:      in.Source,
	}
	if err := s.deps.Store.CreateLead(r.Context(), lead); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	lead, err := s.deps.Store.GetLead(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

type listInput struct {
	Name    string  `json:"name" validate:"required,max=200"`
	LeadIDs []int64 `json:"lead_ids"`
}

func (s *Server) createList(w http.ResponseWriter, r *http.Request) {
	var in listInput
	if !decode(w, r, &in) {
		return
	}
	if err := validate.Struct("list", in); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := s.deps.Store.CreateLeadList(r.Context(), in.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.AddLeadsToList(r.Context(), l.ID, in.LeadIDs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) addListLeads(w http.ResponseWriter, r *http.Request) {
	listID, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	var in struct {
		LeadIDs []int64 `json:"lead_ids" validate:"required,min=1"`
	}
	if !decode(w, r, &in) {
		return
	}
	if err := validate.Struct("list", in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Store.AddLeadsToList(r.Context(), listID, in.LeadIDs); err != nil {
		writeError(w, r, err)
		return
	}
	ids, err := s.deps.Store.ListLeadIDs(r.Context(), listID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"list_id": listID, "lead_ids": ids})
}
