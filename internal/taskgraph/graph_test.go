package taskgraph

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/spider/internal/typedesc"
)

const testPackage = "test_pkg"

var (
	int32Type     = typedesc.Value(typedesc.Int32())
	int64Type     = typedesc.Value(typedesc.Int64())
	float32Type   = typedesc.Value(typedesc.Float32())
	float64Type   = typedesc.Value(typedesc.Float64())
	boolType      = typedesc.Value(typedesc.Bool())
	bytesType     = typedesc.Value(typedesc.Bytes())
	listInt32Type = typedesc.Value(typedesc.List(typedesc.Int32()))
	listBytesType = typedesc.Value(typedesc.List(typedesc.Bytes()))
	mapType       = typedesc.Value(typedesc.Map(typedesc.IntKey(typedesc.KindInt32), typedesc.Float64()))
)

func structType(t *testing.T, name string) typedesc.DataType {
	t.Helper()
	v, err := typedesc.Struct(name)
	if err != nil {
		t.Fatalf("Struct(%q) failed: %v", name, err)
	}
	return typedesc.Value(v)
}

func src(taskIdx, position int) TaskInputOutputIndex {
	return TaskInputOutputIndex{TaskIdx: taskIdx, Position: position}
}

func types(ds ...typedesc.DataType) []typedesc.DataType { return ds }

// buildComplexGraph inserts ten tasks covering fan-out, fan-in, reuse of one
// output at several positions of the same consumer, swapped input order and a
// task without inputs or outputs.
func buildComplexGraph(t *testing.T) *TaskGraph {
	t.Helper()
	resultType := structType(t, "Result")

	descs := []TaskDescriptor{
		{TDLFunction: "fn_1", Inputs: types(int32Type, float64Type), Outputs: types(int64Type, boolType)},
		{TDLFunction: "fn_2", Inputs: types(bytesType), Outputs: types(listInt32Type, bytesType)},
		{
			TDLFunction:  "fn_3",
			Inputs:       types(int64Type),
			Outputs:      types(mapType, resultType),
			InputSources: []TaskInputOutputIndex{src(0, 0)},
		},
		{
			TDLFunction:  "fn_4",
			Inputs:       types(mapType, boolType),
			Outputs:      types(int32Type),
			InputSources: []TaskInputOutputIndex{src(2, 0), src(0, 1)},
		},
		{
			TDLFunction:  "fn_5",
			Inputs:       types(mapType, listInt32Type),
			Outputs:      types(float32Type, bytesType),
			InputSources: []TaskInputOutputIndex{src(2, 0), src(1, 0)},
		},
		{
			TDLFunction:  "fn_6",
			Inputs:       types(int32Type),
			Outputs:      types(boolType, listBytesType),
			InputSources: []TaskInputOutputIndex{src(3, 0)},
		},
		{
			TDLFunction:  "fn_7",
			Inputs:       types(listBytesType, listBytesType, boolType, bytesType),
			Outputs:      types(int64Type),
			InputSources: []TaskInputOutputIndex{src(5, 1), src(5, 1), src(5, 0), src(4, 1)},
		},
		{
			TDLFunction:  "fn_8",
			Inputs:       types(listBytesType),
			Outputs:      types(float64Type),
			InputSources: []TaskInputOutputIndex{src(5, 1)},
		},
		{
			TDLFunction:  "fn_9",
			Inputs:       types(bytesType, listInt32Type),
			Outputs:      types(int32Type),
			InputSources: []TaskInputOutputIndex{src(1, 1), src(1, 0)},
		},
		{TDLFunction: "fn_10", Inputs: types(), Outputs: types()},
	}

	g := New()
	for want, desc := range descs {
		desc.TDLPackage = testPackage
		got, err := g.InsertTask(desc)
		if err != nil {
			t.Fatalf("InsertTask(task_%d) failed: %v", want, err)
		}
		if got != want {
			t.Fatalf("InsertTask(task_%d) returned index %d", want, got)
		}
	}
	return g
}

func mustTask(t *testing.T, g *TaskGraph, idx TaskIndex) *Task {
	t.Helper()
	task, ok := g.Task(idx)
	if !ok {
		t.Fatalf("task %d not found", idx)
	}
	return task
}

// TestInsertTaskComplexGraph checks every task and dependency of the
// ten-task graph.
func TestInsertTaskComplexGraph(t *testing.T) {
	g := buildComplexGraph(t)

	if g.NumTasks() != 10 {
		t.Errorf("NumTasks() = %d, want 10", g.NumTasks())
	}
	if g.NumDependencies() != 17 {
		t.Errorf("NumDependencies() = %d, want 17", g.NumDependencies())
	}

	tasks := []struct {
		fn         string
		parents    []TaskIndex
		children   []TaskIndex
		inputDeps  []DataflowDependencyIndex
		outputDeps []DataflowDependencyIndex
	}{
		{"fn_1", nil, []TaskIndex{2, 3}, []int{0, 1}, []int{2, 3}},
		{"fn_2", nil, []TaskIndex{4, 8}, []int{4}, []int{5, 6}},
		{"fn_3", []TaskIndex{0}, []TaskIndex{3, 4}, []int{2}, []int{7, 8}},
		{"fn_4", []TaskIndex{0, 2}, []TaskIndex{5}, []int{7, 3}, []int{9}},
		{"fn_5", []TaskIndex{1, 2}, []TaskIndex{6}, []int{7, 5}, []int{10, 11}},
		{"fn_6", []TaskIndex{3}, []TaskIndex{6, 7}, []int{9}, []int{12, 13}},
		{"fn_7", []TaskIndex{4, 5}, nil, []int{13, 13, 12, 11}, []int{14}},
		{"fn_8", []TaskIndex{5}, nil, []int{13}, []int{15}},
		{"fn_9", []TaskIndex{1}, nil, []int{6, 5}, []int{16}},
		{"fn_10", nil, nil, nil, nil},
	}

	for i, want := range tasks {
		task := mustTask(t, g, i)
		if task.Index() != i {
			t.Errorf("task_%d: Index() = %d", i, task.Index())
		}
		if task.TDLPackage() != testPackage || task.TDLFunction() != want.fn {
			t.Errorf("task_%d: function = %s::%s, want %s::%s", i, task.TDLPackage(), task.TDLFunction(), testPackage, want.fn)
		}
		if diff := cmp.Diff(want.parents, task.Parents()); diff != "" {
			t.Errorf("task_%d parents mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(want.children, task.Children()); diff != "" {
			t.Errorf("task_%d children mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(want.inputDeps, task.InputDeps()); diff != "" {
			t.Errorf("task_%d input deps mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(want.outputDeps, task.OutputDeps()); diff != "" {
			t.Errorf("task_%d output deps mismatch (-want +got):\n%s", i, diff)
		}
		if task.NumParents() != len(want.parents) || task.NumChildren() != len(want.children) {
			t.Errorf("task_%d: NumParents/NumChildren = %d/%d", i, task.NumParents(), task.NumChildren())
		}
		if task.IsInputTask() != (len(want.parents) == 0) {
			t.Errorf("task_%d: IsInputTask() = %v", i, task.IsInputTask())
		}
		if task.IsOutputTask() != (len(want.children) == 0) {
			t.Errorf("task_%d: IsOutputTask() = %v", i, task.IsOutputTask())
		}
	}

	// task_5.output_1 feeds task_6 twice and task_7 once.
	fanOut, ok := g.TaskOutput(src(5, 1))
	if !ok {
		t.Fatal("task_5.output_1 not found")
	}
	if fanOut.Index() != 13 {
		t.Errorf("task_5.output_1 index = %d, want 13", fanOut.Index())
	}
	if diff := cmp.Diff([]TaskInputOutputIndex{src(6, 0), src(6, 1), src(7, 0)}, fanOut.Dst()); diff != "" {
		t.Errorf("task_5.output_1 destinations mismatch (-want +got):\n%s", diff)
	}
	if !fanOut.Type().Equal(listBytesType) {
		t.Errorf("task_5.output_1 type = %s, want %s", fanOut.Type(), listBytesType)
	}

	// task_2.output_0 feeds task_3 and task_4.
	shared, ok := g.TaskOutput(src(2, 0))
	if !ok {
		t.Fatal("task_2.output_0 not found")
	}
	if diff := cmp.Diff([]TaskInputOutputIndex{src(3, 0), src(4, 0)}, shared.Dst()); diff != "" {
		t.Errorf("task_2.output_0 destinations mismatch (-want +got):\n%s", diff)
	}

	// Swapped inputs on task_8.
	in0, _ := g.TaskInput(src(8, 0))
	in1, _ := g.TaskInput(src(8, 1))
	if in0.Index() != 6 || in1.Index() != 5 {
		t.Errorf("task_8 inputs = %d, %d, want 6, 5", in0.Index(), in1.Index())
	}
	if !in1.Type().Equal(listInt32Type) {
		t.Errorf("task_8.input_1 type = %s, want %s", in1.Type(), listInt32Type)
	}

	for _, idx := range []DataflowDependencyIndex{0, 1, 4} {
		dep, _ := g.Dependency(idx)
		if _, ok := dep.Src(); ok {
			t.Errorf("dependency %d should be a graph input", idx)
		}
	}
	if diff := cmp.Diff([]DataflowDependencyIndex{0, 1, 4}, g.GraphInputs()); diff != "" {
		t.Errorf("GraphInputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]DataflowDependencyIndex{8, 10, 14, 15, 16}, g.GraphOutputs()); diff != "" {
		t.Errorf("GraphOutputs mismatch (-want +got):\n%s", diff)
	}
	for _, idx := range g.GraphOutputs() {
		dep, _ := g.Dependency(idx)
		if !dep.IsDangling() {
			t.Errorf("dependency %d should be dangling", idx)
		}
	}
	resultDep, _ := g.Dependency(8)
	if !resultDep.Type().Equal(structType(t, "Result")) {
		t.Errorf("dependency 8 type = %s, want Struct(Result)", resultDep.Type())
	}

	if diff := cmp.Diff([]TaskIndex{0, 1, 9}, g.InputTasks()); diff != "" {
		t.Errorf("InputTasks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]TaskIndex{6, 7, 8, 9}, g.OutputTasks()); diff != "" {
		t.Errorf("OutputTasks mismatch (-want +got):\n%s", diff)
	}

	if err := g.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestLookupOutOfRange(t *testing.T) {
	g := buildComplexGraph(t)

	if _, ok := g.Task(10); ok {
		t.Error("Task(10) should not exist")
	}
	if _, ok := g.Task(-1); ok {
		t.Error("Task(-1) should not exist")
	}
	if _, ok := g.Dependency(17); ok {
		t.Error("Dependency(17) should not exist")
	}
	if _, ok := g.TaskInput(src(0, 2)); ok {
		t.Error("task_0.input_2 should not exist")
	}
	if _, ok := g.TaskOutput(src(9, 0)); ok {
		t.Error("task_9.output_0 should not exist")
	}
	if _, ok := g.TaskOutput(src(0, -1)); ok {
		t.Error("task_0.output_-1 should not exist")
	}
}

func TestInsertTaskRejects(t *testing.T) {
	seed := func() *TaskGraph {
		g := New()
		if _, err := g.InsertTask(TaskDescriptor{
			TDLPackage:  testPackage,
			TDLFunction: "fn_1",
			Inputs:      types(int32Type),
			Outputs:     types(float64Type, boolType),
		}); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
		return g
	}

	tests := []struct {
		name        string
		desc        TaskDescriptor
		errContains string
	}{
		{
			name: "fewer sources than inputs",
			desc: TaskDescriptor{
				Inputs:       types(float64Type, boolType, int32Type),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 0), src(0, 1)},
			},
			errContains: "mismatched number of positional inputs (3) and input sources (2)",
		},
		{
			name: "empty sources for one input",
			desc: TaskDescriptor{
				Inputs:       types(float64Type),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{},
			},
			errContains: "mismatched number of positional inputs (1) and input sources (0)",
		},
		{
			name: "sources without inputs",
			desc: TaskDescriptor{
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 0)},
			},
			errContains: "without inputs",
		},
		{
			name: "empty sources without inputs",
			desc: TaskDescriptor{
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{},
			},
			errContains: "without inputs",
		},
		{
			name: "type mismatch",
			desc: TaskDescriptor{
				Inputs:       types(bytesType),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 0)},
			},
			errContains: "mismatched input type for input at position 0: expected Value(Bytes), found Value(Float64)",
		},
		{
			name: "unknown task",
			desc: TaskDescriptor{
				Inputs:       types(float64Type),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(5, 0)},
			},
			errContains: "invalid input source at position 0 with task output index (task_idx=5, position=0)",
		},
		{
			name: "unknown output position",
			desc: TaskDescriptor{
				Inputs:       types(float64Type),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 2)},
			},
			errContains: "(task_idx=0, position=2)",
		},
		{
			name: "self reference",
			desc: TaskDescriptor{
				Inputs:       types(float64Type),
				Outputs:      types(float64Type),
				InputSources: []TaskInputOutputIndex{src(1, 0)},
			},
			errContains: "(task_idx=1, position=0)",
		},
		{
			name: "zero input type",
			desc: TaskDescriptor{
				Inputs:  []typedesc.DataType{int32Type, {}},
				Outputs: types(int32Type),
			},
			errContains: "invalid type for input at position 1",
		},
		{
			name: "zero output type",
			desc: TaskDescriptor{
				Outputs: []typedesc.DataType{{}},
			},
			errContains: "invalid type for output at position 0",
		},
		{
			name: "list of zero value type",
			desc: TaskDescriptor{
				Inputs:       types(typedesc.Value(typedesc.List(typedesc.ValueType{}))),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 0)},
			},
			errContains: "invalid type for input at position 0",
		},
		{
			name: "second source invalid",
			desc: TaskDescriptor{
				Inputs:       types(float64Type, boolType),
				Outputs:      types(int32Type),
				InputSources: []TaskInputOutputIndex{src(0, 0), src(0, 0)},
			},
			errContains: "position 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := seed()
			before := g.Clone()

			tt.desc.TDLPackage = testPackage
			tt.desc.TDLFunction = "fn_2"
			_, err := g.InsertTask(tt.desc)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidTaskInputs) {
				t.Errorf("expected ErrInvalidTaskInputs, got %v", err)
			}
			var graphErr *GraphError
			if !errors.As(err, &graphErr) {
				t.Errorf("expected *GraphError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
			}

			if diff := cmp.Diff(before.Descriptors(), g.Descriptors(), cmp.AllowUnexported(typedesc.DataType{}, typedesc.ValueType{}, typedesc.PrimitiveType{}, typedesc.MapKeyType{})); diff != "" {
				t.Errorf("graph changed after failed insert (-before +after):\n%s", diff)
			}
			if g.NumDependencies() != before.NumDependencies() {
				t.Errorf("NumDependencies() = %d, want %d", g.NumDependencies(), before.NumDependencies())
			}
			seedTask := mustTask(t, g, 0)
			if seedTask.NumChildren() != 0 {
				t.Errorf("seed task gained children: %v", seedTask.Children())
			}
			for i := 0; i < g.NumDependencies(); i++ {
				dep, _ := g.Dependency(i)
				if len(dep.Dst()) != len(mustDep(t, before, i).Dst()) {
					t.Errorf("dependency %d destinations changed", i)
				}
			}
		})
	}
}

func mustDep(t *testing.T, g *TaskGraph, idx DataflowDependencyIndex) *DataflowDependency {
	t.Helper()
	dep, ok := g.Dependency(idx)
	if !ok {
		t.Fatalf("dependency %d not found", idx)
	}
	return dep
}

func TestInsertTaskAfterFailure(t *testing.T) {
	g := New()
	if _, err := g.InsertTask(TaskDescriptor{TDLFunction: "a", Outputs: types(int32Type)}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.InsertTask(TaskDescriptor{
		TDLFunction:  "bad",
		Inputs:       types(boolType),
		InputSources: []TaskInputOutputIndex{src(0, 0)},
	}); err == nil {
		t.Fatal("expected type mismatch")
	}

	idx, err := g.InsertTask(TaskDescriptor{
		TDLFunction:  "b",
		Inputs:       types(int32Type),
		InputSources: []TaskInputOutputIndex{src(0, 0)},
	})
	if err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("index after failed insert = %d, want 1", idx)
	}
	dep := mustDep(t, g, 0)
	if diff := cmp.Diff([]TaskInputOutputIndex{src(1, 0)}, dep.Dst()); diff != "" {
		t.Errorf("destinations mismatch (-want +got):\n%s", diff)
	}
}

func TestSharedValueTypesMustMatchExactly(t *testing.T) {
	g := New()
	if _, err := g.InsertTask(TaskDescriptor{
		TDLFunction: "producer",
		Outputs:     types(typedesc.SharedValue(typedesc.Int32())),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := g.InsertTask(TaskDescriptor{
		TDLFunction:  "consumer",
		Inputs:       types(int32Type),
		InputSources: []TaskInputOutputIndex{src(0, 0)},
	})
	if !errors.Is(err, ErrInvalidTaskInputs) {
		t.Fatalf("Value(Int32) input accepted a SharedValue(Int32) source: %v", err)
	}

	if _, err := g.InsertTask(TaskDescriptor{
		TDLFunction:  "consumer",
		Inputs:       types(typedesc.SharedValue(typedesc.Int32())),
		InputSources: []TaskInputOutputIndex{src(0, 0)},
	}); err != nil {
		t.Errorf("matching SharedValue input rejected: %v", err)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	g := buildComplexGraph(t)

	children := mustTask(t, g, 0).Children()
	children[0] = 99
	if got := mustTask(t, g, 0).Children(); got[0] != 2 {
		t.Errorf("Children() leaked internal slice: %v", got)
	}

	dst := mustDep(t, g, 13).Dst()
	dst[0] = src(42, 42)
	if got := mustDep(t, g, 13).Dst(); got[0] != src(6, 0) {
		t.Errorf("Dst() leaked internal slice: %v", got)
	}
}

func TestClone(t *testing.T) {
	g := buildComplexGraph(t)
	cp := g.Clone()

	if _, err := cp.InsertTask(TaskDescriptor{
		TDLFunction:  "extra",
		Inputs:       types(int64Type),
		InputSources: []TaskInputOutputIndex{src(6, 0)},
	}); err != nil {
		t.Fatalf("InsertTask on clone failed: %v", err)
	}

	if g.NumTasks() != 10 {
		t.Errorf("original NumTasks() = %d after clone insert", g.NumTasks())
	}
	if !mustDep(t, g, 14).IsDangling() {
		t.Error("original dependency 14 gained a destination")
	}
	if mustTask(t, g, 6).NumChildren() != 0 {
		t.Error("original task_6 gained a child")
	}
	if mustTask(t, cp, 6).NumChildren() != 1 {
		t.Error("clone task_6 should have one child")
	}
}

func TestOrder(t *testing.T) {
	g := buildComplexGraph(t)

	order, err := g.Order()
	if err != nil {
		t.Fatalf("Order() failed: %v", err)
	}
	if len(order) != g.NumTasks() {
		t.Fatalf("Order() returned %d tasks, want %d", len(order), g.NumTasks())
	}

	pos := make(map[TaskIndex]int, len(order))
	for i, idx := range order {
		pos[idx] = i
	}
	for i := 0; i < g.NumTasks(); i++ {
		for _, parent := range mustTask(t, g, i).Parents() {
			if pos[parent] >= pos[i] {
				t.Errorf("task %d ordered before its parent %d", i, parent)
			}
		}
	}
}

func TestOrderEmptyGraph(t *testing.T) {
	order, err := New().Order()
	if err != nil {
		t.Fatalf("Order() failed: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Order() = %v, want empty", order)
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(g *TaskGraph)
	}{
		{
			name:    "dangling child",
			corrupt: func(g *TaskGraph) { g.tasks[0].children = append(g.tasks[0].children, 7) },
		},
		{
			name:    "forward parent",
			corrupt: func(g *TaskGraph) { g.tasks[2].parents = append(g.tasks[2].parents, 5) },
		},
		{
			name:    "wrong destination",
			corrupt: func(g *TaskGraph) { g.deps[13].dst[0] = src(8, 0) },
		},
		{
			name:    "wrong source",
			corrupt: func(g *TaskGraph) { g.deps[2].src = src(1, 0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildComplexGraph(t)
			tt.corrupt(g)
			if err := g.Validate(); !errors.Is(err, ErrCorrupted) {
				t.Errorf("Validate() = %v, want ErrCorrupted", err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a, err := buildComplexGraph(t).Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	b, err := buildComplexGraph(t).Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if a != b {
		t.Errorf("identical graphs fingerprint differently: %d != %d", a, b)
	}

	g := buildComplexGraph(t)
	if _, err := g.InsertTask(TaskDescriptor{TDLFunction: "extra"}); err != nil {
		t.Fatal(err)
	}
	c, err := g.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if c == a {
		t.Error("adding a task did not change the fingerprint")
	}
}
