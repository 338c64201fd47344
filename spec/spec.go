// Package spec defines the typed workflow specification consumed by the
// engine: named agents, runtime configuration, and the selected composition
// pattern. Loading and validation happen here, before any execution starts;
// the engine only ever sees a validated *Workflow.
package spec

import (
	"time"
)

// PatternType discriminates the closed set of composition patterns.
type PatternType string

const (
	PatternChain    PatternType = "chain"
	PatternWorkflow PatternType = "workflow"
	PatternParallel PatternType = "parallel"
	PatternRouting  PatternType = "routing"
	PatternGraph    PatternType = "graph"
)

// Workflow is a parsed, validated workflow specification.
type Workflow struct {
	Name    string   `yaml:"name"`
	Agents  []Agent  `yaml:"agents"`
	Runtime Runtime  `yaml:"runtime"`
	Pattern Pattern  `yaml:"pattern"`
	Inputs  []string `yaml:"inputs,omitempty"`

	// hash is the content hash of the raw specification, for drift
	// detection on resume. Set by Parse, together with raw.
	hash string
	raw  []byte
}

// Hash returns the specification content hash (sha256 hex).
func (w *Workflow) Hash() string { return w.hash }

// Raw returns the raw specification bytes this workflow was parsed from.
// Persisted as the session's spec snapshot.
func (w *Workflow) Raw() []byte { return w.raw }

// AgentByID returns the agent with the given id.
func (w *Workflow) AgentByID(id string) (Agent, bool) {
	for _, a := range w.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Agent is an LLM-backed unit with a prompt template.
type Agent struct {
	ID     string            `yaml:"id"`
	Prompt string            `yaml:"prompt"`
	Model  string            `yaml:"model,omitempty"`
	Vars   map[string]string `yaml:"vars,omitempty"`
}

// OnErrorPolicy controls sibling behavior when a task or branch fails.
type OnErrorPolicy string

const (
	// OnErrorAbort cancels in-flight siblings and fails the run. Default.
	OnErrorAbort OnErrorPolicy = "abort"
	// OnErrorContinue records the failure and lets siblings finish.
	OnErrorContinue OnErrorPolicy = "continue"
)

// Runtime is the runtime configuration snapshot of a workflow. It is
// persisted verbatim into the session record, so it carries JSON tags too.
type Runtime struct {
	Provider       string        `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model          string        `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens      int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	WarnThreshold  float64       `yaml:"warn_threshold,omitempty" json:"warn_threshold,omitempty"`
	Retries        int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	WaitMin        Duration      `yaml:"wait_min,omitempty" json:"wait_min,omitempty"`
	WaitMax        Duration      `yaml:"wait_max,omitempty" json:"wait_max,omitempty"`
	MaxConcurrency int           `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	OnError        OnErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// DefaultRuntime returns the runtime defaults applied to unset fields.
func DefaultRuntime() Runtime {
	return Runtime{
		Retries:        2,
		WaitMin:        Duration(1 * time.Second),
		WaitMax:        Duration(60 * time.Second),
		MaxConcurrency: 4,
		WarnThreshold:  0.8,
		OnError:        OnErrorAbort,
	}
}

// Pattern holds the typed configuration of the selected pattern. Exactly
// one of the per-type fields is populated, matching Type.
type Pattern struct {
	Type     PatternType `yaml:"type"`
	Steps    []Step      `yaml:"steps,omitempty"`    // chain
	Tasks    []Task      `yaml:"tasks,omitempty"`    // workflow (DAG)
	Branches []Branch    `yaml:"branches,omitempty"` // parallel
	Routing  *Routing    `yaml:"routing,omitempty"`  // routing
	Graph    *Graph      `yaml:"graph,omitempty"`    // graph
}

// Step is one unit of a chain (or of a branch / route chain).
type Step struct {
	Agent           string            `yaml:"agent"`
	Vars            map[string]string `yaml:"vars,omitempty"`
	RequireApproval bool              `yaml:"require_approval,omitempty"`
	ApprovalPrompt  string            `yaml:"approval_prompt,omitempty"`
	// ApprovalDefault is the response text assumed when an approve
	// fallback fires without a human answer.
	ApprovalDefault string `yaml:"approval_default,omitempty"`
	// ApprovalTimeout bounds the interactive wait; zero means no timeout.
	ApprovalTimeout Duration `yaml:"approval_timeout,omitempty"`
	// OnTimeout is the fallback when no response arrives: deny, approve,
	// or abort. Empty means deny.
	OnTimeout string `yaml:"on_timeout,omitempty"`
}

// Task is one node of a dependency-DAG workflow.
type Task struct {
	ID        string            `yaml:"id"`
	Agent     string            `yaml:"agent"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Vars      map[string]string `yaml:"vars,omitempty"`
}

// Branch is one fan-out branch of a parallel pattern. A branch is itself a
// small chain of steps.
type Branch struct {
	ID    string `yaml:"id"`
	Steps []Step `yaml:"steps"`
}

// Routing configures the two-phase routing pattern: a router agent
// classifies input into a named route, then the bound chain runs.
type Routing struct {
	Router  string            `yaml:"router"`
	Routes  map[string][]Step `yaml:"routes"`
	Default string            `yaml:"default,omitempty"`
}

// Graph configures the conditional-graph pattern.
type Graph struct {
	Entry string      `yaml:"entry"`
	Nodes []GraphNode `yaml:"nodes"`
	Edges []GraphEdge `yaml:"edges,omitempty"`
}

// GraphNode is one agent-backed node of a conditional graph.
type GraphNode struct {
	ID              string            `yaml:"id"`
	Agent           string            `yaml:"agent"`
	Vars            map[string]string `yaml:"vars,omitempty"`
	RequireApproval bool              `yaml:"require_approval,omitempty"`
	ApprovalPrompt  string            `yaml:"approval_prompt,omitempty"`
}

// NodeByID returns the graph node with the given id.
func (g *Graph) NodeByID(id string) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// GraphEdge connects two graph nodes, optionally guarded by a condition on
// the source node's output. Supported conditions: "" (always),
// "contains:<substr>", "equals:<text>".
type GraphEdge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`
}
