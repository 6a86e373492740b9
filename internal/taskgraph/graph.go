// Package taskgraph builds and stores the task DAG of a job.
//
// Tasks and data-flow dependencies live in two append-only arenas addressed
// by index. A task can only reference outputs of tasks inserted before it, so
// the graph is acyclic by construction and insertion order is a topological
// order. Cross references are plain indices, never pointers.
package taskgraph

import (
	"slices"

	"github.com/aristath/spider/internal/typedesc"
)

// TaskGraph is a write-once, append-only DAG of tasks. It is not safe for
// concurrent mutation; callers own it exclusively while building it.
type TaskGraph struct {
	deps  []DataflowDependency
	tasks []Task
}

// New creates an empty graph.
func New() *TaskGraph {
	return &TaskGraph{}
}

// NumTasks returns the number of inserted tasks.
func (g *TaskGraph) NumTasks() int { return len(g.tasks) }

// NumDependencies returns the number of data-flow dependencies.
func (g *TaskGraph) NumDependencies() int { return len(g.deps) }

// InsertTask validates desc against the tasks already in the graph and
// appends it. Every input and output type must be a well-formed descriptor. It returns the new task's index, which always equals the task
// count before the call.
//
// On error the graph is left exactly as it was.
func (g *TaskGraph) InsertTask(desc TaskDescriptor) (TaskIndex, error) {
	taskIdx := len(g.tasks)

	for position, typ := range desc.Inputs {
		if !typ.Valid() {
			return 0, invalidInputsf("invalid type for input at position %d", position)
		}
	}
	for position, typ := range desc.Outputs {
		if !typ.Valid() {
			return 0, invalidInputsf("invalid type for output at position %d", position)
		}
	}

	var resolved []DataflowDependencyIndex
	if desc.InputSources != nil {
		var err error
		resolved, err = g.resolveInputSources(desc.Inputs, desc.InputSources)
		if err != nil {
			return 0, err
		}
	}

	// Validation is complete; everything below mutates the graph.
	var inputDeps []DataflowDependencyIndex
	var parents []TaskIndex
	if desc.InputSources != nil {
		inputDeps = resolved
		for position, depIdx := range resolved {
			dep := &g.deps[depIdx]
			dep.dst = append(dep.dst, TaskInputOutputIndex{TaskIdx: taskIdx, Position: position})
			parents = append(parents, dep.src.TaskIdx)
		}
		slices.Sort(parents)
		parents = slices.Compact(parents)
		for _, parentIdx := range parents {
			g.tasks[parentIdx].children = append(g.tasks[parentIdx].children, taskIdx)
		}
	} else {
		for position, inputType := range desc.Inputs {
			depIdx := len(g.deps)
			g.deps = append(g.deps, DataflowDependency{
				idx: depIdx,
				typ: inputType,
				dst: []TaskInputOutputIndex{{TaskIdx: taskIdx, Position: position}},
			})
			inputDeps = append(inputDeps, depIdx)
		}
	}

	var outputDeps []DataflowDependencyIndex
	for position, outputType := range desc.Outputs {
		depIdx := len(g.deps)
		g.deps = append(g.deps, DataflowDependency{
			idx:    depIdx,
			typ:    outputType,
			src:    TaskInputOutputIndex{TaskIdx: taskIdx, Position: position},
			hasSrc: true,
		})
		outputDeps = append(outputDeps, depIdx)
	}

	g.tasks = append(g.tasks, Task{
		idx:         taskIdx,
		tdlPackage:  desc.TDLPackage,
		tdlFunction: desc.TDLFunction,
		parents:     parents,
		inputDeps:   inputDeps,
		outputDeps:  outputDeps,
	})
	return taskIdx, nil
}

// resolveInputSources maps each input source to the dependency it names,
// checking counts, locators and types. It only reads the graph.
func (g *TaskGraph) resolveInputSources(inputs []typedesc.DataType, sources []TaskInputOutputIndex) ([]DataflowDependencyIndex, error) {
	if len(inputs) == 0 {
		return nil, invalidInputsf("a task without inputs cannot have input sources specified; use nil input sources for input tasks")
	}
	if len(inputs) != len(sources) {
		return nil, invalidInputsf("mismatched number of positional inputs (%d) and input sources (%d)", len(inputs), len(sources))
	}

	resolved := make([]DataflowDependencyIndex, 0, len(sources))
	for position, src := range sources {
		dep, ok := g.TaskOutput(src)
		if !ok {
			return nil, invalidInputsf("invalid input source at position %d with task output index %s", position, src)
		}
		expected := inputs[position]
		if !expected.Equal(dep.typ) {
			return nil, invalidInputsf("mismatched input type for input at position %d: expected %s, found %s", position, expected, dep.typ)
		}
		resolved = append(resolved, dep.idx)
	}
	return resolved, nil
}

// Task returns the task at idx.
func (g *TaskGraph) Task(idx TaskIndex) (*Task, bool) {
	if idx < 0 || idx >= len(g.tasks) {
		return nil, false
	}
	return &g.tasks[idx], true
}

// Dependency returns the data-flow dependency at idx.
func (g *TaskGraph) Dependency(idx DataflowDependencyIndex) (*DataflowDependency, bool) {
	if idx < 0 || idx >= len(g.deps) {
		return nil, false
	}
	return &g.deps[idx], true
}

// TaskInput returns the dependency feeding the given task input.
func (g *TaskGraph) TaskInput(at TaskInputOutputIndex) (*DataflowDependency, bool) {
	task, ok := g.Task(at.TaskIdx)
	if !ok || at.Position < 0 || at.Position >= len(task.inputDeps) {
		return nil, false
	}
	return g.Dependency(task.inputDeps[at.Position])
}

// TaskOutput returns the dependency produced by the given task output.
func (g *TaskGraph) TaskOutput(at TaskInputOutputIndex) (*DataflowDependency, bool) {
	task, ok := g.Task(at.TaskIdx)
	if !ok || at.Position < 0 || at.Position >= len(task.outputDeps) {
		return nil, false
	}
	return g.Dependency(task.outputDeps[at.Position])
}

// GraphInputs returns the dependencies without a source task, in index
// order. These are the values a job submission must provide.
func (g *TaskGraph) GraphInputs() []DataflowDependencyIndex {
	var out []DataflowDependencyIndex
	for i := range g.deps {
		if !g.deps[i].hasSrc {
			out = append(out, g.deps[i].idx)
		}
	}
	return out
}

// GraphOutputs returns the dangling task outputs, in index order. These are
// the values a finished job reports as its result.
func (g *TaskGraph) GraphOutputs() []DataflowDependencyIndex {
	var out []DataflowDependencyIndex
	for i := range g.deps {
		if g.deps[i].hasSrc && len(g.deps[i].dst) == 0 {
			out = append(out, g.deps[i].idx)
		}
	}
	return out
}

// InputTasks returns the indices of tasks without parents.
func (g *TaskGraph) InputTasks() []TaskIndex {
	var out []TaskIndex
	for i := range g.tasks {
		if g.tasks[i].IsInputTask() {
			out = append(out, i)
		}
	}
	return out
}

// OutputTasks returns the indices of tasks without children.
func (g *TaskGraph) OutputTasks() []TaskIndex {
	var out []TaskIndex
	for i := range g.tasks {
		if g.tasks[i].IsOutputTask() {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy of the graph.
func (g *TaskGraph) Clone() *TaskGraph {
	cp := &TaskGraph{
		deps:  make([]DataflowDependency, len(g.deps)),
		tasks: make([]Task, len(g.tasks)),
	}
	for i, dep := range g.deps {
		dep.dst = slices.Clone(dep.dst)
		cp.deps[i] = dep
	}
	for i, task := range g.tasks {
		task.parents = slices.Clone(task.parents)
		task.children = slices.Clone(task.children)
		task.inputDeps = slices.Clone(task.inputDeps)
		task.outputDeps = slices.Clone(task.outputDeps)
		cp.tasks[i] = task
	}
	return cp
}
