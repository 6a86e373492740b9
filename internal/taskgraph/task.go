package taskgraph

import (
	"fmt"
	"slices"

	"github.com/aristath/spider/internal/typedesc"
)

// TaskIndex identifies a task within one graph. Indices are assigned in
// insertion order starting at zero, which is also a topological order.
type TaskIndex = int

// DataflowDependencyIndex identifies a data-flow dependency within one graph.
type DataflowDependencyIndex = int

// TaskInputOutputIndex addresses one positional input or output of a task.
type TaskInputOutputIndex struct {
	TaskIdx  TaskIndex `json:"task_idx"`
	Position int       `json:"position"`
}

func (i TaskInputOutputIndex) String() string {
	return fmt.Sprintf("(task_idx=%d, position=%d)", i.TaskIdx, i.Position)
}

// Task is a node of the graph: one invocation of a TDL function.
//
// Parents and children are derived from data-flow dependencies and model
// control flow only.
type Task struct {
	idx         TaskIndex
	tdlPackage  string
	tdlFunction string
	parents     []TaskIndex
	children    []TaskIndex
	inputDeps   []DataflowDependencyIndex
	outputDeps  []DataflowDependencyIndex
}

func (t *Task) Index() TaskIndex    { return t.idx }
func (t *Task) TDLPackage() string  { return t.tdlPackage }
func (t *Task) TDLFunction() string { return t.tdlFunction }
func (t *Task) NumParents() int     { return len(t.parents) }
func (t *Task) NumChildren() int    { return len(t.children) }

// IsInputTask reports whether the task has no parents.
func (t *Task) IsInputTask() bool { return len(t.parents) == 0 }

// IsOutputTask reports whether the task has no children.
func (t *Task) IsOutputTask() bool { return len(t.children) == 0 }

// Parents returns the deduplicated parent indices in ascending order.
func (t *Task) Parents() []TaskIndex { return slices.Clone(t.parents) }

// Children returns child indices in discovery order.
func (t *Task) Children() []TaskIndex { return slices.Clone(t.children) }

// InputDeps returns one dependency index per positional input.
func (t *Task) InputDeps() []DataflowDependencyIndex { return slices.Clone(t.inputDeps) }

// OutputDeps returns one dependency index per positional output.
func (t *Task) OutputDeps() []DataflowDependencyIndex { return slices.Clone(t.outputDeps) }

// DataflowDependency is a typed edge from an optional source (a task output,
// or nothing for a graph input) to zero or more task inputs.
type DataflowDependency struct {
	idx    DataflowDependencyIndex
	typ    typedesc.DataType
	src    TaskInputOutputIndex
	hasSrc bool
	dst    []TaskInputOutputIndex
}

func (d *DataflowDependency) Index() DataflowDependencyIndex { return d.idx }
func (d *DataflowDependency) Type() typedesc.DataType        { return d.typ }

// Src returns the producing task output; ok is false for graph inputs.
func (d *DataflowDependency) Src() (src TaskInputOutputIndex, ok bool) {
	return d.src, d.hasSrc
}

// Dst returns the consuming task inputs in registration order. The same task
// may appear at several positions.
func (d *DataflowDependency) Dst() []TaskInputOutputIndex { return slices.Clone(d.dst) }

// IsDangling reports whether nothing consumes the dependency.
func (d *DataflowDependency) IsDangling() bool { return len(d.dst) == 0 }

// TaskDescriptor holds everything InsertTask needs and is the unit of graph
// serialization.
//
// InputSources nil means every input is a fresh graph input (an input task).
// A non-nil slice, even an empty one, must hold exactly one source per input.
type TaskDescriptor struct {
	TDLPackage   string                 `json:"tdl_package"`
	TDLFunction  string                 `json:"tdl_function"`
	Inputs       []typedesc.DataType    `json:"inputs"`
	Outputs      []typedesc.DataType    `json:"outputs"`
	InputSources []TaskInputOutputIndex `json:"input_sources"`
}
