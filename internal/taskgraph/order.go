package taskgraph

import (
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/mitchellh/hashstructure/v2"
)

// Order runs an independent topological sort over the parent/child edges.
// Returns ordered task indices or an error if a cycle is detected.
//
// Insertion order is already topological; Order exists to cross-check a
// graph before it is persisted or displayed.
func (g *TaskGraph) Order() ([]TaskIndex, error) {
	var edges []toposort.Edge
	for i := range g.tasks {
		task := &g.tasks[i]
		if len(task.parents) == 0 {
			// Task with no parents - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, task.idx})
			continue
		}
		for _, parentIdx := range task.parents {
			edges = append(edges, toposort.Edge{parentIdx, task.idx})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]TaskIndex, 0, len(g.tasks))
	for _, idx := range sorted {
		if idx != nil {
			order = append(order, idx.(TaskIndex))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// Validate checks that every cross reference in the graph agrees with its
// counterpart and that parents always precede their children. A graph built
// only through InsertTask always validates; a failure indicates a bug.
func (g *TaskGraph) Validate() error {
	for i := range g.deps {
		dep := &g.deps[i]
		if dep.idx != i {
			return corruptedf("dependency %d records index %d", i, dep.idx)
		}
		if dep.hasSrc {
			out, ok := g.TaskOutput(dep.src)
			if !ok || out.idx != i {
				return corruptedf("dependency %d source %s does not point back to it", i, dep.src)
			}
		}
		for _, dst := range dep.dst {
			in, ok := g.TaskInput(dst)
			if !ok || in.idx != i {
				return corruptedf("dependency %d destination %s does not point back to it", i, dst)
			}
		}
	}

	for i := range g.tasks {
		task := &g.tasks[i]
		if task.idx != i {
			return corruptedf("task %d records index %d", i, task.idx)
		}
		for _, parentIdx := range task.parents {
			if parentIdx >= i {
				return corruptedf("task %d has parent %d that was not inserted before it", i, parentIdx)
			}
		}
		for _, childIdx := range task.children {
			child, ok := g.Task(childIdx)
			if !ok || childIdx <= i {
				return corruptedf("task %d has invalid child %d", i, childIdx)
			}
			found := false
			for _, p := range child.parents {
				found = found || p == i
			}
			if !found {
				return corruptedf("task %d lists child %d which does not list it as a parent", i, childIdx)
			}
		}
	}

	if _, err := g.Order(); err != nil {
		return corruptedf("%v", err)
	}
	return nil
}

type fingerprintTask struct {
	Package    string
	Function   string
	Inputs     []string
	Outputs    []string
	HasSources bool
	Sources    []TaskInputOutputIndex
}

// Fingerprint hashes the graph's descriptor list. Graphs that serialize
// identically have equal fingerprints.
func (g *TaskGraph) Fingerprint() (uint64, error) {
	descs := g.Descriptors()
	view := make([]fingerprintTask, 0, len(descs))
	for _, desc := range descs {
		ft := fingerprintTask{
			Package:    desc.TDLPackage,
			Function:   desc.TDLFunction,
			HasSources: desc.InputSources != nil,
			Sources:    desc.InputSources,
		}
		for _, in := range desc.Inputs {
			ft.Inputs = append(ft.Inputs, in.String())
		}
		for _, out := range desc.Outputs {
			ft.Outputs = append(ft.Outputs, out.String())
		}
		view = append(view, ft)
	}
	return hashstructure.Hash(view, hashstructure.FormatV2, nil)
}
