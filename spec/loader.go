package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentloom/agentloom/types"
)

// Load reads and parses a workflow specification from a YAML file.
func Load(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrConfiguration,
			"reading specification %s", path).WithCause(err)
	}
	return Parse(raw)
}

// Parse parses and validates a raw YAML specification.
func Parse(raw []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, types.NewError(types.ErrConfiguration,
			"malformed specification").WithCause(err)
	}

	applyRuntimeDefaults(&wf.Runtime)
	if err := Validate(&wf); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	wf.hash = hex.EncodeToString(sum[:])
	wf.raw = append([]byte(nil), raw...)
	return &wf, nil
}

func applyRuntimeDefaults(rt *Runtime) {
	def := DefaultRuntime()
	if rt.Retries == 0 {
		rt.Retries = def.Retries
	}
	if rt.WaitMin == 0 {
		rt.WaitMin = def.WaitMin
	}
	if rt.WaitMax == 0 {
		rt.WaitMax = def.WaitMax
	}
	if rt.MaxConcurrency <= 0 {
		rt.MaxConcurrency = def.MaxConcurrency
	}
	if rt.WarnThreshold <= 0 {
		rt.WarnThreshold = def.WarnThreshold
	}
	if rt.OnError == "" {
		rt.OnError = def.OnError
	}
}

// Validate checks the structural integrity of a specification. All
// violations are configuration errors, surfaced before any execution.
func Validate(wf *Workflow) error {
	if wf.Name == "" {
		return types.NewError(types.ErrConfiguration, "workflow name is required")
	}
	if len(wf.Agents) == 0 {
		return types.NewError(types.ErrConfiguration, "at least one agent is required")
	}

	seen := make(map[string]bool, len(wf.Agents))
	for _, a := range wf.Agents {
		if a.ID == "" {
			return types.NewError(types.ErrConfiguration, "agent id is required")
		}
		if seen[a.ID] {
			return types.NewErrorf(types.ErrConfiguration, "duplicate agent id %q", a.ID)
		}
		if a.Prompt == "" {
			return types.NewErrorf(types.ErrConfiguration, "agent %q has no prompt", a.ID)
		}
		seen[a.ID] = true
	}

	if wf.Runtime.OnError != OnErrorAbort && wf.Runtime.OnError != OnErrorContinue {
		return types.NewErrorf(types.ErrConfiguration,
			"unknown on_error policy %q", wf.Runtime.OnError)
	}

	switch wf.Pattern.Type {
	case PatternChain:
		return validateChain(wf, wf.Pattern.Steps, "chain")
	case PatternWorkflow:
		return validateTasks(wf)
	case PatternParallel:
		return validateBranches(wf)
	case PatternRouting:
		return validateRouting(wf)
	case PatternGraph:
		return validateGraph(wf)
	case "":
		return types.NewError(types.ErrConfiguration, "pattern type is required")
	default:
		return types.NewErrorf(types.ErrConfiguration,
			"unknown pattern type %q", wf.Pattern.Type)
	}
}

func validateChain(wf *Workflow, steps []Step, where string) error {
	if len(steps) == 0 {
		return types.NewErrorf(types.ErrConfiguration, "%s has no steps", where)
	}
	for i, s := range steps {
		if _, ok := wf.AgentByID(s.Agent); !ok {
			return types.NewErrorf(types.ErrConfiguration,
				"%s step %d references unknown agent %q", where, i, s.Agent)
		}
		switch s.OnTimeout {
		case "", "deny", "approve", "abort":
		default:
			return types.NewErrorf(types.ErrConfiguration,
				"%s step %d has unknown on_timeout %q", where, i, s.OnTimeout)
		}
	}
	return nil
}

func validateTasks(wf *Workflow) error {
	tasks := wf.Pattern.Tasks
	if len(tasks) == 0 {
		return types.NewError(types.ErrConfiguration, "workflow pattern has no tasks")
	}

	ids := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return types.NewError(types.ErrConfiguration, "task id is required")
		}
		if ids[task.ID] {
			return types.NewErrorf(types.ErrConfiguration, "duplicate task id %q", task.ID)
		}
		ids[task.ID] = true
		if _, ok := wf.AgentByID(task.Agent); !ok {
			return types.NewErrorf(types.ErrConfiguration,
				"task %q references unknown agent %q", task.ID, task.Agent)
		}
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if !ids[dep] {
				return types.NewErrorf(types.ErrConfiguration,
					"task %q depends on unknown task %q", task.ID, dep)
			}
			if dep == task.ID {
				return types.NewErrorf(types.ErrConfiguration,
					"task %q depends on itself", task.ID)
			}
		}
	}
	// Cycle detection is part of layering; run it eagerly so a cyclic
	// graph fails at load time, not mid-run.
	if _, err := Layers(tasks); err != nil {
		return err
	}
	return nil
}

func validateBranches(wf *Workflow) error {
	branches := wf.Pattern.Branches
	if len(branches) == 0 {
		return types.NewError(types.ErrConfiguration, "parallel pattern has no branches")
	}
	ids := make(map[string]bool, len(branches))
	for _, b := range branches {
		if b.ID == "" {
			return types.NewError(types.ErrConfiguration, "branch id is required")
		}
		if ids[b.ID] {
			return types.NewErrorf(types.ErrConfiguration, "duplicate branch id %q", b.ID)
		}
		ids[b.ID] = true
		if err := validateChain(wf, b.Steps, fmt.Sprintf("branch %q", b.ID)); err != nil {
			return err
		}
	}
	return nil
}

func validateRouting(wf *Workflow) error {
	r := wf.Pattern.Routing
	if r == nil {
		return types.NewError(types.ErrConfiguration, "routing pattern has no routing config")
	}
	if _, ok := wf.AgentByID(r.Router); !ok {
		return types.NewErrorf(types.ErrConfiguration,
			"router references unknown agent %q", r.Router)
	}
	if len(r.Routes) == 0 {
		return types.NewError(types.ErrConfiguration, "routing pattern has no routes")
	}
	for name, steps := range r.Routes {
		if err := validateChain(wf, steps, fmt.Sprintf("route %q", name)); err != nil {
			return err
		}
	}
	if r.Default != "" {
		if _, ok := r.Routes[r.Default]; !ok {
			return types.NewErrorf(types.ErrConfiguration,
				"default route %q is not a declared route", r.Default)
		}
	}
	return nil
}

func validateGraph(wf *Workflow) error {
	g := wf.Pattern.Graph
	if g == nil {
		return types.NewError(types.ErrConfiguration, "graph pattern has no graph config")
	}
	if len(g.Nodes) == 0 {
		return types.NewError(types.ErrConfiguration, "graph has no nodes")
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return types.NewError(types.ErrConfiguration, "graph node id is required")
		}
		if ids[n.ID] {
			return types.NewErrorf(types.ErrConfiguration, "duplicate graph node id %q", n.ID)
		}
		ids[n.ID] = true
		if _, ok := wf.AgentByID(n.Agent); !ok {
			return types.NewErrorf(types.ErrConfiguration,
				"graph node %q references unknown agent %q", n.ID, n.Agent)
		}
	}
	if g.Entry == "" || !ids[g.Entry] {
		return types.NewErrorf(types.ErrConfiguration,
			"graph entry %q is not a declared node", g.Entry)
	}
	for _, e := range g.Edges {
		if !ids[e.From] || !ids[e.To] {
			return types.NewErrorf(types.ErrConfiguration,
				"graph edge %s->%s references unknown node", e.From, e.To)
		}
	}
	if err := graphAcyclic(g); err != nil {
		return err
	}
	return nil
}

// graphAcyclic rejects cyclic graph patterns with a depth-first walk.
func graphAcyclic(g *Graph) error {
	out := make(map[string][]string)
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range out[id] {
			switch color[next] {
			case gray:
				return types.NewErrorf(types.ErrConfiguration,
					"graph contains a cycle through %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
