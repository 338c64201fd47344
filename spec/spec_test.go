package spec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/types"
)

const chainYAML = `
name: summarize
agents:
  - id: writer
    prompt: "Write about {{.topic}}"
  - id: editor
    prompt: "Edit: {{index .steps 0}}"
runtime:
  max_tokens: 1000
  retries: 1
pattern:
  type: chain
  steps:
    - agent: writer
    - agent: editor
`

func TestParseChain(t *testing.T) {
	wf, err := Parse([]byte(chainYAML))
	require.NoError(t, err)

	assert.Equal(t, "summarize", wf.Name)
	assert.Equal(t, PatternChain, wf.Pattern.Type)
	assert.Len(t, wf.Pattern.Steps, 2)
	assert.NotEmpty(t, wf.Hash())

	// Unset runtime fields pick up defaults; set fields are kept.
	assert.Equal(t, 1, wf.Runtime.Retries)
	assert.Equal(t, 1000, wf.Runtime.MaxTokens)
	assert.Equal(t, time.Second, wf.Runtime.WaitMin.Std())
	assert.Equal(t, OnErrorAbort, wf.Runtime.OnError)
}

func TestParseHashIsStable(t *testing.T) {
	a, err := Parse([]byte(chainYAML))
	require.NoError(t, err)
	b, err := Parse([]byte(chainYAML))
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	c, err := Parse([]byte(chainYAML + "\n# trailing comment\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestValidateUnknownAgentReference(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
agents:
  - id: a
    prompt: p
pattern:
  type: chain
  steps:
    - agent: ghost
`))
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateDuplicateAgent(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
agents:
  - id: a
    prompt: p
  - id: a
    prompt: q
pattern:
  type: chain
  steps:
    - agent: a
`))
	assert.True(t, types.IsConfiguration(err))
}

func TestValidateMissingPatternType(t *testing.T) {
	_, err := Parse([]byte(`
name: bad
agents:
  - id: a
    prompt: p
pattern:
  steps:
    - agent: a
`))
	assert.True(t, types.IsConfiguration(err))
}

func TestValidateCyclicTasks(t *testing.T) {
	_, err := Parse([]byte(`
name: cyclic
agents:
  - id: a
    prompt: p
pattern:
  type: workflow
  tasks:
    - id: t1
      agent: a
      depends_on: [t2]
    - id: t2
      agent: a
      depends_on: [t1]
`))
	require.Error(t, err)
	assert.True(t, types.IsConfiguration(err))
}

func TestValidateRoutingDefaultMustExist(t *testing.T) {
	_, err := Parse([]byte(`
name: r
agents:
  - id: router
    prompt: classify
  - id: a
    prompt: p
pattern:
  type: routing
  routing:
    router: router
    default: nope
    routes:
      general:
        - agent: a
`))
	assert.True(t, types.IsConfiguration(err))
}

func TestValidateGraphCycle(t *testing.T) {
	_, err := Parse([]byte(`
name: g
agents:
  - id: a
    prompt: p
pattern:
  type: graph
  graph:
    entry: n1
    nodes:
      - id: n1
        agent: a
      - id: n2
        agent: a
    edges:
      - from: n1
        to: n2
      - from: n2
        to: n1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLayersPartition(t *testing.T) {
	// A (no deps), B dep[A], C dep[A], D dep[B,C] -> [[A],[B,C],[D]]
	tasks := []Task{
		{ID: "A", Agent: "x"},
		{ID: "B", Agent: "x", DependsOn: []string{"A"}},
		{ID: "C", Agent: "x", DependsOn: []string{"A"}},
		{ID: "D", Agent: "x", DependsOn: []string{"B", "C"}},
	}
	layers, err := Layers(tasks)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, layers)
}

func TestLayersPropertyDependenciesEarlier(t *testing.T) {
	tasks := []Task{
		{ID: "a", Agent: "x"},
		{ID: "b", Agent: "x"},
		{ID: "c", Agent: "x", DependsOn: []string{"a", "b"}},
		{ID: "d", Agent: "x", DependsOn: []string{"c"}},
		{ID: "e", Agent: "x", DependsOn: []string{"a"}},
		{ID: "f", Agent: "x", DependsOn: []string{"e", "d"}},
	}
	layers, err := Layers(tasks)
	require.NoError(t, err)

	layerOf := map[string]int{}
	for i, layer := range layers {
		for _, id := range layer {
			layerOf[id] = i
		}
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			assert.Less(t, layerOf[dep], layerOf[task.ID],
				"dependency %s of %s must be in an earlier layer", dep, task.ID)
		}
	}
}

func TestDurationUnmarshalForms(t *testing.T) {
	wf, err := Parse([]byte(`
name: d
agents:
  - id: a
    prompt: p
runtime:
  wait_min: 250ms
  wait_max: 30
pattern:
  type: chain
  steps:
    - agent: a
`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, wf.Runtime.WaitMin.Std())
	assert.Equal(t, 30*time.Second, wf.Runtime.WaitMax.Std())
}

func TestLayersCycle(t *testing.T) {
	_, err := Layers([]Task{
		{ID: "a", Agent: "x", DependsOn: []string{"b"}},
		{ID: "b", Agent: "x", DependsOn: []string{"a"}},
	})
	assert.True(t, types.IsConfiguration(err))
}
