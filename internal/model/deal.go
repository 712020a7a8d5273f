package model

import (
	"math"
	"time"
)

// Stage is a position in the sales pipeline.
type Stage string

const (
	StageLead           Stage = "lead"
	StageMQL            Stage = "mql"
	StageSQL            Stage = "sql"
	StageDiscovery      Stage = "discovery"
	StageAIBADiagnostic Stage = "aiba_diagnostic"
	StageProposalSent   Stage = "proposal_sent"
	StageNegotiation    Stage = "negotiation"
	StageClosedWon      Stage = "closed_won"
	StageClosedLost     Stage = "closed_lost"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageLead, StageMQL, StageSQL, StageDiscovery, StageAIBADiagnostic,
	StageProposalSent, StageNegotiation, StageClosedWon, StageClosedLost,
}

// stageGraph is the directed transition graph. It is consumed by both the
// mutation path and the allowed-stage listing offered to callers.
var stageGraph = map[Stage][]Stage{
	StageLead:           {StageMQL, StageSQL, StageClosedLost},
	StageMQL:            {StageSQL, StageClosedLost},
	StageSQL:            {StageDiscovery, StageClosedLost},
	StageDiscovery:      {StageAIBADiagnostic, StageProposalSent, StageClosedLost},
	StageAIBADiagnostic: {StageProposalSent, StageClosedLost},
	StageProposalSent:   {StageNegotiation, StageClosedWon, StageClosedLost},
	StageNegotiation:    {StageClosedWon, StageClosedLost},
	StageClosedWon:      {},
	StageClosedLost:     {StageLead},
}

var stageProbability = map[Stage]int{
	StageLead:           5,
	StageMQL:            10,
	StageSQL:            20,
	StageDiscovery:      30,
	StageAIBADiagnostic: 40,
	StageProposalSent:   60,
	StageNegotiation:    80,
	StageClosedWon:      100,
	StageClosedLost:     0,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageGraph[s]
	return ok
}

// AllowedStages returns the stages reachable from s in one move.
func (s Stage) AllowedStages() []Stage {
	next := stageGraph[s]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}

// CanMoveTo reports whether target is directly reachable from s.
func (s Stage) CanMoveTo(target Stage) bool {
	for _, n := range stageGraph[s] {
		if n == target {
			return true
		}
	}
	return false
}

// DefaultProbability is the win probability assumed at stage s.
func (s Stage) DefaultProbability() int {
	return stageProbability[s]
}

// Deal is a sales-pipeline record.
type Deal struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	LeadID        *int64    `json:"lead_id,omitempty"`
	Stage         Stage     `json:"stage"`
	Value         float64   `json:"value"`
	Probability   int       `json:"probability"`
	WeightedValue float64   `json:"weighted_value"`
	AssignedTo    string    `json:"assigned_to,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WeightedValue returns value scaled by probability, rounded to cents.
func WeightedValue(value float64, probability int) float64 {
	return math.Round(value*float64(probability)) / 100
}

// ActivityType classifies an activity log entry.
type ActivityType string

const (
	ActivityNote          ActivityType = "note"
	ActivityCall          ActivityType = "call"
	ActivityMeeting       ActivityType = "meeting"
	ActivityEmail         ActivityType = "email"
	ActivityStageChange   ActivityType = "stage_change"
	ActivityTaskCompleted ActivityType = "task_completed"
)

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityNote, ActivityCall, ActivityMeeting, ActivityEmail, ActivityStageChange, ActivityTaskCompleted:
		return true
	}
	return false
}

// Activity is a typed log entry on a deal.
type Activity struct {
	ID          string         `json:"id"`
	DealID      string         `json:"deal_id"`
	Type        ActivityType   `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Task is a follow-up item on a deal.
type Task struct {
	ID          string     `json:"id"`
	DealID      string     `json:"deal_id"`
	Title       string     `json:"title"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
