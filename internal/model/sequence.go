package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Channel identifies how a step reaches a lead.
type Channel string

const (
	ChannelLinkedInConnection Channel = "linkedin_connection"
	ChannelLinkedInDM         Channel = "linkedin_dm"
	ChannelEmail              Channel = "email"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelLinkedInConnection, ChannelLinkedInDM, ChannelEmail:
		return true
	}
	return false
}

// StepContent is the channel-specific payload of a sequence step. Each
// implementation carries exactly the fields its channel needs.
type StepContent interface {
	Channel() Channel
	// Template returns the subject (empty for non-email channels) and body templates.
	Template() (subject, body string)
	validate(v *ValidationError, prefix string)
}

// EmailStep sends an email.
type EmailStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (EmailStep) Channel() Channel             { return ChannelEmail }
func (s EmailStep) Template() (string, string) { return s.Subject, s.Body }
func (s EmailStep) validate(v *ValidationError, p string) {
	if strings.TrimSpace(s.Subject) == "" {
		v.Add(p+".subject", "required for email steps")
	}
	if strings.TrimSpace(s.Body) == "" {
		v.Add(p+".body", "must not be empty")
	}
}

// LinkedInConnectionStep sends a connection request with a note.
type LinkedInConnectionStep struct {
	Note string `json:"note"`
}

func (LinkedInConnectionStep) Channel() Channel             { return ChannelLinkedInConnection }
func (s LinkedInConnectionStep) Template() (string, string) { return "", s.Note }
func (s LinkedInConnectionStep) validate(v *ValidationError, p string) {
	if strings.TrimSpace(s.Note) == "" {
		v.Add(p+".note", "must not be empty")
	}
}

// LinkedInDMStep sends a direct message to a connection.
type LinkedInDMStep struct {
	Body string `json:"body"`
}

func (LinkedInDMStep) Channel() Channel             { return ChannelLinkedInDM }
func (s LinkedInDMStep) Template() (string, string) { return "", s.Body }
func (s LinkedInDMStep) validate(v *ValidationError, p string) {
	if strings.TrimSpace(s.Body) == "" {
		v.Add(p+".body", "must not be empty")
	}
}

// SequenceStep is one ordered element of a campaign sequence. DelayDays is
// relative to the previous step; due times are cumulative from enrollment.
type SequenceStep struct {
	StepNumber int
	DelayDays  int
	Content    StepContent
}

// Channel returns the step's channel, or "" when content is missing.
func (s SequenceStep) Channel() Channel {
	if s.Content == nil {
		return ""
	}
	return s.Content.Channel()
}

type stepJSON struct {
	StepNumber int     `json:"step_number"`
	DelayDays  int     `json:"delay_days"`
	Channel    Channel `json:"channel"`
	Subject    string  `json:"subject,omitempty"`
	Body       string  `json:"body,omitempty"`
	Note       string  `json:"note,omitempty"`
}

func (s SequenceStep) MarshalJSON() ([]byte, error) {
	w := stepJSON{StepNumber: s.StepNumber, DelayDays: s.DelayDays}
	switch c := s.Content.(type) {
	case EmailStep:
		w.Channel, w.Subject, w.Body = ChannelEmail, c.Subject, c.Body
	case LinkedInConnectionStep:
		w.Channel, w.Note = ChannelLinkedInConnection, c.Note
	case LinkedInDMStep:
		w.Channel, w.Body = ChannelLinkedInDM, c.Body
	default:
		return nil, eris.Errorf("model: step %d has no content", s.StepNumber)
	}
	return json.Marshal(w)
}

func (s *SequenceStep) UnmarshalJSON(data []byte) error {
	var w stepJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return eris.Wrap(err, "model: unmarshal step")
	}
	content, err := NewStepContent(w.Channel, w.Subject, w.Body, w.Note)
	if err != nil {
		return err
	}
	*s = SequenceStep{StepNumber: w.StepNumber, DelayDays: w.DelayDays, Content: content}
	return nil
}

// NewStepContent builds the content variant for channel. Fields that do not
// belong to the channel are ignored.
func NewStepContent(channel Channel, subject, body, note string) (StepContent, error) {
	switch channel {
	case ChannelEmail:
		return EmailStep{Subject: subject, Body: body}, nil
	case ChannelLinkedInConnection:
		if note == "" {
			note = body
		}
		return LinkedInConnectionStep{Note: note}, nil
	case ChannelLinkedInDM:
		return LinkedInDMStep{Body: body}, nil
	default:
		return nil, eris.Errorf("model: unknown channel %q", channel)
	}
}

// ValidateSequence checks a step list before a campaign is created.
func ValidateSequence(steps []SequenceStep) error {
	v := &ValidationError{Entity: "sequence"}
	if len(steps) == 0 {
		v.Add("steps", "at least one step is required")
		return v
	}
	for i, s := range steps {
		p := fmt.Sprintf("steps[%d]", i)
		if s.StepNumber != i+1 {
			v.Add(p+".step_number", "expected %d, got %d (step numbers must be contiguous from 1)", i+1, s.StepNumber)
		}
		if s.DelayDays < 0 {
			v.Add(p+".delay_days", "must be >= 0")
		}
		if s.Content == nil {
			v.Add(p+".channel", "content is required")
			continue
		}
		s.Content.validate(v, p)
	}
	return v.OrNil()
}

// CumulativeDelayDays returns the sum of delays for steps 1..stepNumber.
func CumulativeDelayDays(steps []SequenceStep, stepNumber int) int {
	total := 0
	for _, s := range steps {
		if s.StepNumber > stepNumber {
			break
		}
		total += s.DelayDays
	}
	return total
}
