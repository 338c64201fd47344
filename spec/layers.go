package spec

import (
	"sort"

	"github.com/agentloom/agentloom/types"
)

// Layers partitions DAG tasks by topological distance: layer 0 holds tasks
// with no dependencies, layer k holds tasks whose dependencies are fully
// contained in layers < k. Task order inside a layer is deterministic
// (sorted by id). A cycle or unresolvable dependency is a configuration
// error.
func Layers(tasks []Task) ([][]string, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, types.NewErrorf(types.ErrConfiguration,
					"task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	placed := make(map[string]int, len(tasks)) // task id -> layer index
	var layers [][]string

	remaining := len(tasks)
	for remaining > 0 {
		var layer []string
		for _, t := range tasks {
			if _, done := placed[t.ID]; done {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if _, done := placed[dep]; !done {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t.ID)
			}
		}
		if len(layer) == 0 {
			return nil, types.NewError(types.ErrConfiguration,
				"task graph contains a cycle")
		}
		sort.Strings(layer)
		for _, id := range layer {
			placed[id] = len(layers)
		}
		layers = append(layers, layer)
		remaining -= len(layer)
	}
	return layers, nil
}
