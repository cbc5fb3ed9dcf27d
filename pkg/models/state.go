package models

import "time"

// State is the mutable workflow state checkpointed between nodes.
// Everything in it must survive a JSON round trip; per-run wiring such as
// the emitter or review backend travels in the run config instead.
type State struct {
	Investigation *Investigation `json:"investigation"`

	CurrentPhase       Phase               `json:"current_phase"`
	SupervisorDecision *SupervisorDecision `json:"supervisor_decision,omitempty"`

	PendingObservables []Observable `json:"pending_observables,omitempty"`
	CurrentBatch       []Observable `json:"current_batch,omitempty"`

	Verdict               *Verdict `json:"verdict,omitempty"`
	VerdictRetryCount     int      `json:"verdict_retry_count"`
	InvestigationGuidance string   `json:"investigation_guidance,omitempty"`

	HumanDecision HumanDecision `json:"human_decision,omitempty"`
	HumanFeedback string        `json:"human_feedback,omitempty"`
	Reviewer      string        `json:"reviewer,omitempty"`

	// ReviewRequested guards against duplicate review-request emissions when
	// the workflow is resumed and the review node re-executes.
	ReviewRequested bool `json:"review_requested"`

	LastError      string `json:"last_error,omitempty"`
	ErrorCount     int    `json:"error_count"`
	IterationCount int    `json:"iteration_count"`

	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewState builds the initial workflow state for an investigation.
func NewState(inv *Investigation) *State {
	now := time.Now().UTC()
	return &State{
		Investigation:      inv,
		CurrentPhase:       PhaseTriage,
		PendingObservables: inv.Observables(),
		StartedAt:          now,
		LastUpdated:        now,
	}
}

// RecordError notes a node failure without aborting the workflow.
func (s *State) RecordError(err error) {
	if err == nil {
		return
	}
	s.LastError = err.Error()
	s.ErrorCount++
	s.LastUpdated = time.Now().UTC()
}

// ClearError resets the last-error marker after a successful step.
func (s *State) ClearError() {
	s.LastError = ""
}

// Touch bumps the last-updated timestamp.
func (s *State) Touch() {
	s.LastUpdated = time.Now().UTC()
}
