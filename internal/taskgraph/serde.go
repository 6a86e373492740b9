package taskgraph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Masterminds/semver/v3"

	"github.com/aristath/spider/internal/typedesc"
)

const (
	// SchemaVersion is written into every serialized graph.
	SchemaVersion = "0.1.0"

	// SchemaCompatibility is the range of schema versions this build decodes.
	SchemaCompatibility = ">=0.1.0, <0.2.0"
)

var schemaConstraint = mustConstraint(SchemaCompatibility)

func mustConstraint(raw string) *semver.Constraints {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		panic(fmt.Sprintf("invalid schema constraint %q: %v", raw, err))
	}
	return c
}

type serializedTaskGraph struct {
	SchemaVersion string           `json:"schema_version"`
	Tasks         []TaskDescriptor `json:"tasks"`
}

// Descriptors flattens the graph back into the list of descriptors that
// rebuilds it when replayed through InsertTask in order.
func (g *TaskGraph) Descriptors() []TaskDescriptor {
	out := make([]TaskDescriptor, 0, len(g.tasks))
	for i := range g.tasks {
		task := &g.tasks[i]
		desc := TaskDescriptor{
			TDLPackage:  task.tdlPackage,
			TDLFunction: task.tdlFunction,
			Inputs:      make([]typedesc.DataType, 0, len(task.inputDeps)),
			Outputs:     make([]typedesc.DataType, 0, len(task.outputDeps)),
		}
		for _, depIdx := range task.inputDeps {
			desc.Inputs = append(desc.Inputs, g.deps[depIdx].typ)
		}
		for _, depIdx := range task.outputDeps {
			desc.Outputs = append(desc.Outputs, g.deps[depIdx].typ)
		}
		if !task.IsInputTask() {
			desc.InputSources = make([]TaskInputOutputIndex, 0, len(task.inputDeps))
			for _, depIdx := range task.inputDeps {
				desc.InputSources = append(desc.InputSources, g.deps[depIdx].src)
			}
		}
		out = append(out, desc)
	}
	return out
}

// FromDescriptors builds a graph by inserting every descriptor in order.
func FromDescriptors(descs []TaskDescriptor) (*TaskGraph, error) {
	g := New()
	for idx, desc := range descs {
		inserted, err := g.InsertTask(desc)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to insert task (index=%d): %w", ErrDecode, idx, err)
		}
		if inserted != idx {
			return nil, decodef("task insertion order corrupted: expected index %d, got %d", idx, inserted)
		}
	}
	return g, nil
}

func checkSchemaVersion(raw string) error {
	version, err := semver.StrictNewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %w: invalid schema version string %q: %w", ErrDecode, ErrSchemaVersion, raw, err)
	}
	if !schemaConstraint.Check(version) {
		return fmt.Errorf("%w: %w: incompatible task graph schema version: found %s, compatible requirements: %s",
			ErrDecode, ErrSchemaVersion, raw, SchemaCompatibility)
	}
	return nil
}

func decodeDocument(doc serializedTaskGraph) (*TaskGraph, error) {
	if err := checkSchemaVersion(doc.SchemaVersion); err != nil {
		return nil, err
	}
	return FromDescriptors(doc.Tasks)
}

// MarshalJSON encodes the graph as a schema-versioned descriptor list.
func (g *TaskGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(serializedTaskGraph{
		SchemaVersion: SchemaVersion,
		Tasks:         g.Descriptors(),
	})
}

// UnmarshalJSON rebuilds the graph, re-validating every edge. Every field is
// required. On error g is left unchanged.
func (g *TaskGraph) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var t any
	if err := dec.Decode(&t); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	doc, err := parseDocumentTree(t, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	decoded, err := decodeDocument(doc)
	if err != nil {
		return err
	}
	*g = *decoded
	return nil
}

// ToJSON returns the JSON document for g as a string.
func (g *TaskGraph) ToJSON() (string, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromJSON rebuilds a graph from a document produced by ToJSON. Records must
// be named.
func FromJSON(s string) (*TaskGraph, error) {
	g := New()
	if err := json.Unmarshal([]byte(s), g); err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return nil, err
	}
	return g, nil
}

// ToMsgpack encodes the graph as msgpack. With namedFields, records are maps
// keyed by field name; otherwise positional arrays. Both decode identically.
func (g *TaskGraph) ToMsgpack(namedFields bool) ([]byte, error) {
	tasks := make([]any, 0, len(g.tasks))
	for i, desc := range g.Descriptors() {
		t, err := descriptorTree(desc, namedFields)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	var doc any
	if namedFields {
		doc = map[string]any{"schema_version": SchemaVersion, "tasks": tasks}
	} else {
		doc = []any{SchemaVersion, tasks}
	}
	return typedesc.EncodeMsgpackTree(doc)
}

// FromMsgpack decodes a graph written by ToMsgpack in either mode. JSON and
// msgpack share the same tree parser; only msgpack accepts positional records.
func FromMsgpack(b []byte) (*TaskGraph, error) {
	t, err := typedesc.DecodeMsgpackTree(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	doc, err := parseDocumentTree(t, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return decodeDocument(doc)
}

func descriptorTree(desc TaskDescriptor, named bool) (any, error) {
	inputs, err := dataTypeTrees(desc.Inputs, named)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	outputs, err := dataTypeTrees(desc.Outputs, named)
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	var sources any
	if desc.InputSources != nil {
		locs := make([]any, 0, len(desc.InputSources))
		for _, src := range desc.InputSources {
			if named {
				locs = append(locs, map[string]any{"task_idx": src.TaskIdx, "position": src.Position})
			} else {
				locs = append(locs, []any{src.TaskIdx, src.Position})
			}
		}
		sources = locs
	}
	if named {
		return map[string]any{
			"tdl_package":   desc.TDLPackage,
			"tdl_function":  desc.TDLFunction,
			"inputs":        inputs,
			"outputs":       outputs,
			"input_sources": sources,
		}, nil
	}
	return []any{desc.TDLPackage, desc.TDLFunction, inputs, outputs, sources}, nil
}

func dataTypeTrees(types []typedesc.DataType, named bool) ([]any, error) {
	out := make([]any, 0, len(types))
	for i, d := range types {
		t, err := d.Tree(named)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// record returns the fields of a map-encoded record in the order given by
// names. Arrays are accepted only when positional is set.
func record(t any, positional bool, names ...string) ([]any, error) {
	if m, ok := typedesc.AsMap(t); ok {
		fields := make([]any, len(names))
		for i, name := range names {
			v, ok := m[name]
			if !ok {
				return nil, fmt.Errorf("missing field %q", name)
			}
			fields[i] = v
		}
		if len(m) != len(names) {
			return nil, fmt.Errorf("expected %d fields, found %d", len(names), len(m))
		}
		return fields, nil
	}
	if a, ok := t.([]any); ok && positional {
		if len(a) != len(names) {
			return nil, fmt.Errorf("expected %d elements, found %d", len(names), len(a))
		}
		return a, nil
	}
	if !positional {
		return nil, fmt.Errorf("expected a map, found %T", t)
	}
	return nil, fmt.Errorf("expected a map or an array, found %T", t)
}

func parseDocumentTree(t any, positional bool) (serializedTaskGraph, error) {
	fields, err := record(t, positional, "schema_version", "tasks")
	if err != nil {
		return serializedTaskGraph{}, err
	}
	version, ok := fields[0].(string)
	if !ok {
		return serializedTaskGraph{}, fmt.Errorf("schema_version must be a string, found %T", fields[0])
	}
	tasks, ok := fields[1].([]any)
	if !ok {
		return serializedTaskGraph{}, fmt.Errorf("tasks must be an array, found %T", fields[1])
	}
	doc := serializedTaskGraph{SchemaVersion: version, Tasks: make([]TaskDescriptor, 0, len(tasks))}
	for i, taskTree := range tasks {
		desc, err := parseDescriptorTree(taskTree, positional)
		if err != nil {
			return serializedTaskGraph{}, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		doc.Tasks = append(doc.Tasks, desc)
	}
	return doc, nil
}

func parseDescriptorTree(t any, positional bool) (TaskDescriptor, error) {
	fields, err := record(t, positional, "tdl_package", "tdl_function", "inputs", "outputs", "input_sources")
	if err != nil {
		return TaskDescriptor{}, err
	}
	var desc TaskDescriptor
	if desc.TDLPackage, err = asString(fields[0], "tdl_package"); err != nil {
		return TaskDescriptor{}, err
	}
	if desc.TDLFunction, err = asString(fields[1], "tdl_function"); err != nil {
		return TaskDescriptor{}, err
	}
	if desc.Inputs, err = parseDataTypes(fields[2], "inputs", positional); err != nil {
		return TaskDescriptor{}, err
	}
	if desc.Outputs, err = parseDataTypes(fields[3], "outputs", positional); err != nil {
		return TaskDescriptor{}, err
	}
	if fields[4] == nil {
		return desc, nil
	}
	locs, ok := fields[4].([]any)
	if !ok {
		return TaskDescriptor{}, fmt.Errorf("input_sources must be null or an array, found %T", fields[4])
	}
	desc.InputSources = make([]TaskInputOutputIndex, 0, len(locs))
	for i, loc := range locs {
		parts, err := record(loc, positional, "task_idx", "position")
		if err != nil {
			return TaskDescriptor{}, fmt.Errorf("input_sources[%d]: %w", i, err)
		}
		taskIdx, err := asIndex(parts[0])
		if err != nil {
			return TaskDescriptor{}, fmt.Errorf("input_sources[%d].task_idx: %w", i, err)
		}
		position, err := asIndex(parts[1])
		if err != nil {
			return TaskDescriptor{}, fmt.Errorf("input_sources[%d].position: %w", i, err)
		}
		desc.InputSources = append(desc.InputSources, TaskInputOutputIndex{TaskIdx: taskIdx, Position: position})
	}
	return desc, nil
}

func parseDataTypes(t any, field string, positional bool) ([]typedesc.DataType, error) {
	items, ok := t.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array, found %T", field, t)
	}
	out := make([]typedesc.DataType, 0, len(items))
	for i, item := range items {
		d, err := typedesc.ParseDataTypeTree(item, positional)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func asString(t any, field string) (string, error) {
	s, ok := t.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, found %T", field, t)
	}
	return s, nil
}

// asIndex accepts every non-negative integer the msgpack decoder may produce,
// and json.Number.
func asIndex(t any) (int, error) {
	n, err := signedIndex(t)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("index %d is negative", n)
	}
	return n, nil
}

func signedIndex(t any) (int, error) {
	switch v := t.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("invalid index %q: %w", v.String(), err)
		}
		return int(n), nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return 0, fmt.Errorf("index %d out of range", v)
		}
		return int(v), nil
	case uint:
		if v > math.MaxInt {
			return 0, fmt.Errorf("index %d out of range", v)
		}
		return int(v), nil
	}
	return 0, fmt.Errorf("expected an integer, found %T", t)
}
