package types

import "time"

// Result is the contract returned to the caller after a run or resume.
type Result struct {
	// Success reports whether the run reached a completed state.
	Success bool `json:"success"`
	// Paused reports whether the run stopped at a human-in-the-loop gate.
	Paused bool `json:"paused,omitempty"`
	// SessionID identifies the session the run operated on.
	SessionID string `json:"session_id"`
	// Response is the final response text, empty on failure or pause.
	Response string `json:"response,omitempty"`
	// Error carries a human-readable error string when Success is false.
	Error string `json:"error,omitempty"`
	// FinalAgent is the id of the agent that produced the final output.
	FinalAgent string `json:"final_agent,omitempty"`
	// Pattern is the pattern type that was executed.
	Pattern string `json:"pattern"`
	// StartedAt and FinishedAt bound this run (not the whole session).
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	// Usage is the cumulative token usage of the session.
	Usage TokenUsage `json:"usage"`
	// ArtifactPaths lists artifact files written by the artifact collaborator.
	ArtifactPaths []string `json:"artifact_paths,omitempty"`
	// Context is a structured execution-context map keyed by pattern:
	// step history, task results, branch results, or route + nested state.
	Context map[string]any `json:"context,omitempty"`
}
