package session

import (
	"time"
)

// PatternState is the pattern-specific resumable payload of a session.
//
// It is deliberately a loosely-typed, versioned record rather than a rigid
// struct: state written by older engine versions must load without failing,
// so every accessor defaults missing or oddly-shaped fields instead of
// erroring. JSON round-trips turn numbers into float64 and objects into
// map[string]any; the decode helpers below absorb that.
type PatternState map[string]any

// patternStateVersion is written into every fresh state.
const patternStateVersion = 1

// NewPatternState creates an empty versioned pattern state.
func NewPatternState() PatternState {
	return PatternState{"version": patternStateVersion}
}

// ---- decode helpers (tolerant of JSON round-trips and legacy shapes) ----

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case PatternState:
		return m
	}
	return nil
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (ps PatternState) stringMap(key string) map[string]string {
	out := make(map[string]string)
	for k, v := range asMap(ps[key]) {
		out[k] = asString(v)
	}
	return out
}

func (ps PatternState) setInStringMap(key, k, v string) {
	m := asMap(ps[key])
	if m == nil {
		m = make(map[string]any)
		ps[key] = m
	}
	m[k] = v
}

// Version returns the state format version (0 for legacy states that
// predate versioning).
func (ps PatternState) Version() int {
	return asInt(ps["version"])
}

// ---- chain ----

// StepRecord is one committed chain step. Records are append-only: a
// recorded step is never re-executed or removed.
type StepRecord struct {
	Index    int       `json:"index"`
	Agent    string    `json:"agent"`
	Response string    `json:"response"`
	Skipped  bool      `json:"skipped,omitempty"`
	At       time.Time `json:"at"`
}

// ChainSteps returns the ordered step history.
func (ps PatternState) ChainSteps() []StepRecord {
	raw := asSlice(ps["steps"])
	steps := make([]StepRecord, 0, len(raw))
	for _, entry := range raw {
		m := asMap(entry)
		if m == nil {
			continue
		}
		steps = append(steps, StepRecord{
			Index:    asInt(m["index"]),
			Agent:    asString(m["agent"]),
			Response: asString(m["response"]),
			Skipped:  asBool(m["skipped"]),
			At:       asTime(m["at"]),
		})
	}
	return steps
}

// AppendChainStep appends a committed step to the history.
func (ps PatternState) AppendChainStep(rec StepRecord) {
	entry := map[string]any{
		"index":    rec.Index,
		"agent":    rec.Agent,
		"response": rec.Response,
		"at":       rec.At.UTC().Format(time.RFC3339Nano),
	}
	if rec.Skipped {
		entry["skipped"] = true
	}
	ps["steps"] = append(asSlice(ps["steps"]), entry)
}

// ---- workflow (DAG) ----

// LayerIndex returns the index of the next layer to execute.
func (ps PatternState) LayerIndex() int {
	return asInt(ps["layer"])
}

// SetLayerIndex records that all layers below i are fully committed.
func (ps PatternState) SetLayerIndex(i int) {
	ps["layer"] = i
}

// TaskResults returns the committed per-task outputs keyed by task id.
func (ps PatternState) TaskResults() map[string]string {
	return ps.stringMap("task_results")
}

// TaskFailures returns per-task failure messages keyed by task id.
func (ps PatternState) TaskFailures() map[string]string {
	return ps.stringMap("task_failures")
}

// TaskCompleted reports whether a task already has a committed outcome.
func (ps PatternState) TaskCompleted(id string) bool {
	if _, ok := asMap(ps["task_results"])[id]; ok {
		return true
	}
	_, ok := asMap(ps["task_failures"])[id]
	return ok
}

// MarkTaskCompleted commits a task result.
func (ps PatternState) MarkTaskCompleted(id, result string) {
	ps.setInStringMap("task_results", id, result)
}

// MarkTaskFailed commits a task failure.
func (ps PatternState) MarkTaskFailed(id, message string) {
	ps.setInStringMap("task_failures", id, message)
}

// ---- parallel ----

// BranchRecord is the committed outcome of one parallel branch.
type BranchRecord struct {
	ID       string `json:"id"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BranchResults returns committed branch outcomes keyed by branch id.
func (ps PatternState) BranchResults() map[string]BranchRecord {
	out := make(map[string]BranchRecord)
	for id, v := range asMap(ps["branches"]) {
		m := asMap(v)
		if m == nil {
			continue
		}
		out[id] = BranchRecord{
			ID:       id,
			Response: asString(m["response"]),
			Error:    asString(m["error"]),
		}
	}
	return out
}

// SetBranchResult commits a branch outcome.
func (ps PatternState) SetBranchResult(rec BranchRecord) {
	m := asMap(ps["branches"])
	if m == nil {
		m = make(map[string]any)
		ps["branches"] = m
	}
	entry := map[string]any{}
	if rec.Response != "" {
		entry["response"] = rec.Response
	}
	if rec.Error != "" {
		entry["error"] = rec.Error
	}
	m[rec.ID] = entry
}

// ---- routing ----

// RouterDone reports whether the router decision is already committed.
func (ps PatternState) RouterDone() bool {
	return asBool(ps["router_done"])
}

// Route returns the committed route name.
func (ps PatternState) Route() string {
	return asString(ps["route"])
}

// SetRoute commits the router decision. Committing before the delegated
// chain starts is what guarantees the router runs at most once per session.
func (ps PatternState) SetRoute(route string) {
	ps["router_done"] = true
	ps["route"] = route
}

// Nested returns the nested pattern-state scope used by the delegated
// route chain, creating it on first use.
func (ps PatternState) Nested() PatternState {
	if m := asMap(ps["nested"]); m != nil {
		return PatternState(m)
	}
	nested := map[string]any{"version": patternStateVersion}
	ps["nested"] = nested
	return PatternState(nested)
}

// BranchScope returns the nested chain scope of one parallel branch,
// creating it on first use. Branch step history and pause markers live in
// the branch's own scope so branch-level resume composes with chain-level
// resume.
func (ps PatternState) BranchScope(id string) PatternState {
	m := asMap(ps["branch_chains"])
	if m == nil {
		m = make(map[string]any)
		ps["branch_chains"] = m
	}
	if scope := asMap(m[id]); scope != nil {
		return PatternState(scope)
	}
	scope := map[string]any{"version": patternStateVersion}
	m[id] = scope
	return PatternState(scope)
}

// ---- graph ----

// NodeResults returns committed per-node outputs keyed by node id.
func (ps PatternState) NodeResults() map[string]string {
	return ps.stringMap("node_results")
}

// SetNodeResult commits a node output.
func (ps PatternState) SetNodeResult(id, response string) {
	ps.setInStringMap("node_results", id, response)
}

// ---- human-in-the-loop pause marker ----

// HITLState marks the exact unit a session paused on.
type HITLState struct {
	// Unit is the unit kind: step, task, branch, or node.
	Unit string `json:"unit"`
	// UnitIndex is the positional index for indexed units (chain steps).
	UnitIndex int `json:"unit_index,omitempty"`
	// UnitID is the identifier for named units (graph nodes).
	UnitID string `json:"unit_id,omitempty"`
	// Prompt is the text shown to the human.
	Prompt string `json:"prompt,omitempty"`
	// Default is the response assumed when the fallback approves.
	Default string `json:"default,omitempty"`
	// TimeoutSeconds bounds the wait; zero means none.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// HITL returns the pause marker, if any.
func (ps PatternState) HITL() (HITLState, bool) {
	m := asMap(ps["hitl"])
	if m == nil {
		return HITLState{}, false
	}
	return HITLState{
		Unit:           asString(m["unit"]),
		UnitIndex:      asInt(m["unit_index"]),
		UnitID:         asString(m["unit_id"]),
		Prompt:         asString(m["prompt"]),
		Default:        asString(m["default"]),
		TimeoutSeconds: asInt(m["timeout_seconds"]),
	}, true
}

// SetHITL records a pause marker.
func (ps PatternState) SetHITL(h HITLState) {
	entry := map[string]any{
		"unit":       h.Unit,
		"unit_index": h.UnitIndex,
	}
	if h.UnitID != "" {
		entry["unit_id"] = h.UnitID
	}
	if h.Prompt != "" {
		entry["prompt"] = h.Prompt
	}
	if h.Default != "" {
		entry["default"] = h.Default
	}
	if h.TimeoutSeconds > 0 {
		entry["timeout_seconds"] = h.TimeoutSeconds
	}
	ps["hitl"] = entry
}

// ClearHITL removes the pause marker after a successful resume.
func (ps PatternState) ClearHITL() {
	delete(ps, "hitl")
}
