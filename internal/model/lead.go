package model

import (
	"strings"
	"time"
)

// ResearchStatus tracks where a lead is in the research pipeline.
type ResearchStatus string

const (
	ResearchNone        ResearchStatus = "none"
	ResearchResearching ResearchStatus = "researching"
	ResearchComplete    ResearchStatus = "complete"
	ResearchError       ResearchStatus = "error"
)

// Lead is a CRM contact. Leads are never deleted by the engine.
type Lead struct {
	ID             int64          `json:"id"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Email          string         `json:"email,omitempty"`
	LinkedInURL    string         `json:"linkedin_url,omitempty"`
	Company        string         `json:"company,omitempty"`
	Title          string         `json:"title,omitempty"`
	Industry       string         `json:"industry,omitempty"`
	Website        string         `json:"website,omitempty"`
	FirmSize       string         `json:"firm_size,omitempty"`
	Source         string         `json:"source,omitempty"` // quiz, import, workshop
	ResearchStatus ResearchStatus `json:"research_status"`
	Research       *LeadResearch  `json:"research,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LeadResearch is the enrichment output stored on a lead.
type LeadResearch struct {
	Profile          string    `json:"profile"`
	PainGainAnalysis string    `json:"pain_gain_analysis"`
	DMSequence       []string  `json:"dm_sequence"`
	CostUSD          float64   `json:"cost_usd"`
	ResearchedAt     time.Time `json:"researched_at"`
}

// FullName joins first and last name.
func (l Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Contact is the addressing information handed to a transport.
type Contact struct {
	LeadID      int64  `json:"lead_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
}

// Contact returns the lead's addressing information.
func (l Lead) Contact() Contact {
	return Contact{
		LeadID:      l.ID,
		Name:        l.FullName(),
		Email:       l.Email,
		LinkedInURL: l.LinkedInURL,
	}
}

// LeadList is a named group of leads used for targeting and research batches.
type LeadList struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
