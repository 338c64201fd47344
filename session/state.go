// Package session owns the durable state of a workflow run: metadata,
// variables, token usage, pattern-specific resumable state, and the
// repositories that persist it with per-session exclusive locking.
package session

import (
	"time"

	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// legalTransitions is the closed set of allowed status transitions.
var legalTransitions = map[Status][]Status{
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning},
}

// CanTransition reports whether s -> to is a legal transition.
func (s Status) CanTransition(to Status) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata identifies a session and tracks its lifecycle.
type Metadata struct {
	// ID is generated once and immutable thereafter.
	ID        string    `json:"id"`
	Workflow  string    `json:"workflow"`
	SpecHash  string    `json:"spec_hash"`
	Pattern   string    `json:"pattern"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Usage aggregates cumulative token usage, broken out per agent.
// Counters only ever grow within a session.
type Usage struct {
	Total    types.TokenUsage            `json:"total"`
	PerAgent map[string]types.TokenUsage `json:"per_agent,omitempty"`
}

// Record accumulates usage for an agent.
func (u *Usage) Record(agentID string, delta types.TokenUsage) {
	u.Total.Add(delta)
	if u.PerAgent == nil {
		u.PerAgent = make(map[string]types.TokenUsage)
	}
	agg := u.PerAgent[agentID]
	agg.Add(delta)
	u.PerAgent[agentID] = agg
}

// State is the full persisted state of a session: one checkpoint equals
// one consistent State written to the repository.
type State struct {
	Metadata      Metadata          `json:"metadata"`
	Variables     map[string]string `json:"variables,omitempty"`
	Runtime       spec.Runtime      `json:"runtime"`
	Usage         Usage             `json:"usage"`
	Pattern       PatternState      `json:"-"`
	ArtifactPaths []string          `json:"artifact_paths,omitempty"`
}

// NewState creates a fresh running session state for a workflow.
func NewState(id string, wf *spec.Workflow, variables map[string]string) *State {
	now := time.Now().UTC()
	return &State{
		Metadata: Metadata{
			ID:        id,
			Workflow:  wf.Name,
			SpecHash:  wf.Hash(),
			Pattern:   string(wf.Pattern.Type),
			Status:    StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Variables: variables,
		Runtime:   wf.Runtime,
		Pattern:   NewPatternState(),
	}
}

// SetStatus transitions the session status, enforcing the legal set.
func (s *State) SetStatus(to Status) error {
	if s.Metadata.Status == to {
		s.Metadata.UpdatedAt = time.Now().UTC()
		return nil
	}
	if !s.Metadata.Status.CanTransition(to) {
		// Terminal states get precise codes: leaving them is an expected
		// caller mistake, not corruption.
		code := types.ErrSessionCorrupted
		switch s.Metadata.Status {
		case StatusCompleted:
			code = types.ErrSessionCompleted
		case StatusFailed:
			code = types.ErrSessionFailed
		}
		return types.NewErrorf(code,
			"illegal status transition %s -> %s", s.Metadata.Status, to)
	}
	s.Metadata.Status = to
	s.Metadata.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the session failed with the given error message.
func (s *State) Fail(msg string) error {
	if err := s.SetStatus(StatusFailed); err != nil {
		return err
	}
	s.Metadata.Error = msg
	return nil
}

// RecordUsage accumulates token usage for an agent.
func (s *State) RecordUsage(agentID string, delta types.TokenUsage) {
	s.Usage.Record(agentID, delta)
	s.Metadata.UpdatedAt = time.Now().UTC()
}
