package typedesc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Descriptors are encoded through an intermediate tree of map[string]any,
// []any and string values. Enums use the externally tagged form
// {"Variant": payload}. Record-like payloads (the Map key/value pair and the
// empty Bytes record) are maps when named is true and arrays otherwise.

// Tree returns the codec-neutral representation of d.
func (d DataType) Tree(named bool) (any, error) {
	inner, err := d.value.tree(named)
	if err != nil {
		return nil, err
	}
	if d.shared {
		return map[string]any{"SharedValue": inner}, nil
	}
	return map[string]any{"Value": inner}, nil
}

func (v ValueType) tree(named bool) (any, error) {
	switch v.shape {
	case ShapePrimitive:
		p, err := v.prim.tree()
		if err != nil {
			return nil, err
		}
		return map[string]any{"Primitive": p}, nil
	case ShapeBytes:
		return map[string]any{"Bytes": bytesRecord(named)}, nil
	case ShapeStruct:
		return map[string]any{"Struct": v.name}, nil
	case ShapeList:
		elem, err := v.elem.tree(named)
		if err != nil {
			return nil, err
		}
		return map[string]any{"List": elem}, nil
	case ShapeMap:
		key, err := v.key.tree(named)
		if err != nil {
			return nil, err
		}
		value, err := v.elem.tree(named)
		if err != nil {
			return nil, err
		}
		if named {
			return map[string]any{"Map": map[string]any{"key": key, "value": value}}, nil
		}
		return map[string]any{"Map": []any{key, value}}, nil
	}
	return nil, fmt.Errorf("cannot encode invalid value type")
}

func (p PrimitiveType) tree() (any, error) {
	switch p.class {
	case classInt:
		if _, ok := intKindNames[p.intKind]; !ok {
			return nil, fmt.Errorf("cannot encode invalid int kind %d", p.intKind)
		}
		return map[string]any{"Int": p.intKind.String()}, nil
	case classFloat:
		if _, ok := floatKindNames[p.floatKind]; !ok {
			return nil, fmt.Errorf("cannot encode invalid float kind %d", p.floatKind)
		}
		return map[string]any{"Float": p.floatKind.String()}, nil
	case classBoolean:
		return "Boolean", nil
	}
	return nil, fmt.Errorf("cannot encode invalid primitive type")
}

func (k MapKeyType) tree(named bool) (any, error) {
	if k.bytes {
		return map[string]any{"Bytes": bytesRecord(named)}, nil
	}
	if _, ok := intKindNames[k.intKind]; !ok {
		return nil, fmt.Errorf("cannot encode invalid map key type")
	}
	return map[string]any{"Int": k.intKind.String()}, nil
}

func bytesRecord(named bool) any {
	if named {
		return map[string]any{}
	}
	return []any{}
}

// ParseDataTypeTree rebuilds a DataType from its tree form. Records must be
// maps unless positional is set, in which case arrays are accepted as well.
// JSON is always named; msgpack may be either.
func ParseDataTypeTree(t any, positional bool) (DataType, error) {
	name, payload, err := variant(t)
	if err != nil {
		return DataType{}, err
	}
	value, err := parseValueType(payload, positional)
	if err != nil {
		return DataType{}, fmt.Errorf("%s: %w", name, err)
	}
	switch name {
	case "Value":
		return Value(value), nil
	case "SharedValue":
		return SharedValue(value), nil
	}
	return DataType{}, fmt.Errorf("unknown data type variant %q", name)
}

func parseValueType(t any, positional bool) (ValueType, error) {
	name, payload, err := variant(t)
	if err != nil {
		return ValueType{}, err
	}
	switch name {
	case "Primitive":
		p, err := parsePrimitive(payload)
		if err != nil {
			return ValueType{}, err
		}
		return Primitive(p), nil
	case "Bytes":
		if err := checkBytesRecord(payload, positional); err != nil {
			return ValueType{}, err
		}
		return Bytes(), nil
	case "Struct":
		s, ok := payload.(string)
		if !ok {
			return ValueType{}, fmt.Errorf("struct name must be a string, found %T", payload)
		}
		return Struct(s)
	case "List":
		elem, err := parseValueType(payload, positional)
		if err != nil {
			return ValueType{}, fmt.Errorf("list element: %w", err)
		}
		return List(elem), nil
	case "Map":
		keyTree, valueTree, err := mapRecord(payload, positional)
		if err != nil {
			return ValueType{}, err
		}
		key, err := parseMapKey(keyTree, positional)
		if err != nil {
			return ValueType{}, fmt.Errorf("map key: %w", err)
		}
		value, err := parseValueType(valueTree, positional)
		if err != nil {
			return ValueType{}, fmt.Errorf("map value: %w", err)
		}
		return Map(key, value), nil
	}
	return ValueType{}, fmt.Errorf("unknown value type variant %q", name)
}

func parsePrimitive(t any) (PrimitiveType, error) {
	if s, ok := t.(string); ok {
		if s == "Boolean" {
			return BooleanPrimitive(), nil
		}
		return PrimitiveType{}, fmt.Errorf("unknown primitive type %q", s)
	}
	name, payload, err := variant(t)
	if err != nil {
		return PrimitiveType{}, err
	}
	switch name {
	case "Int":
		k, err := parseIntKind(payload)
		if err != nil {
			return PrimitiveType{}, err
		}
		return IntPrimitive(k), nil
	case "Float":
		s, _ := payload.(string)
		for k, n := range floatKindNames {
			if n == s {
				return FloatPrimitive(k), nil
			}
		}
		return PrimitiveType{}, fmt.Errorf("unknown float kind %v", payload)
	}
	return PrimitiveType{}, fmt.Errorf("unknown primitive variant %q", name)
}

func parseMapKey(t any, positional bool) (MapKeyType, error) {
	name, payload, err := variant(t)
	if err != nil {
		return MapKeyType{}, err
	}
	switch name {
	case "Int":
		k, err := parseIntKind(payload)
		if err != nil {
			return MapKeyType{}, err
		}
		return IntKey(k), nil
	case "Bytes":
		if err := checkBytesRecord(payload, positional); err != nil {
			return MapKeyType{}, err
		}
		return BytesKey(), nil
	}
	return MapKeyType{}, fmt.Errorf("unknown map key variant %q", name)
}

func parseIntKind(t any) (IntKind, error) {
	s, _ := t.(string)
	for k, n := range intKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown int kind %v", t)
}

func mapRecord(t any, positional bool) (any, any, error) {
	if m, ok := AsMap(t); ok {
		key, hasKey := m["key"]
		value, hasValue := m["value"]
		if !hasKey || !hasValue || len(m) != 2 {
			return nil, nil, fmt.Errorf("map record must have exactly the fields key and value")
		}
		return key, value, nil
	}
	if a, ok := t.([]any); ok && positional {
		if len(a) != 2 {
			return nil, nil, fmt.Errorf("map record must have 2 elements, found %d", len(a))
		}
		return a[0], a[1], nil
	}
	if !positional {
		return nil, nil, fmt.Errorf("map record must be a map, found %T", t)
	}
	return nil, nil, fmt.Errorf("map record must be a map or an array, found %T", t)
}

func checkBytesRecord(t any, positional bool) error {
	if m, ok := AsMap(t); ok && len(m) == 0 {
		return nil
	}
	if a, ok := t.([]any); ok && len(a) == 0 && positional {
		return nil
	}
	return fmt.Errorf("bytes record must be empty, found %v", t)
}

// variant unpacks an externally tagged enum {"Name": payload}.
func variant(t any) (string, any, error) {
	m, ok := AsMap(t)
	if !ok {
		return "", nil, fmt.Errorf("expected a single-entry map, found %T", t)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("expected a single-entry map, found %d entries", len(m))
	}
	for name, payload := range m {
		return name, payload, nil
	}
	return "", nil, nil
}

// AsMap normalizes the map types produced by the JSON and msgpack decoders.
func AsMap(t any) (map[string]any, bool) {
	switch m := t.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = v
		}
		return out, true
	}
	return nil, false
}

// MarshalJSON encodes d in the externally tagged JSON form.
func (d DataType) MarshalJSON() ([]byte, error) {
	t, err := d.Tree(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// UnmarshalJSON decodes d, wrapping any failure in ErrDecode.
func (d *DataType) UnmarshalJSON(data []byte) error {
	var t any
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	parsed, err := ParseDataTypeTree(t, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	*d = parsed
	return nil
}

// MarshalJSON encodes v in the externally tagged JSON form.
func (v ValueType) MarshalJSON() ([]byte, error) {
	t, err := v.tree(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// UnmarshalJSON decodes v, wrapping any failure in ErrDecode.
func (v *ValueType) UnmarshalJSON(data []byte) error {
	var t any
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	parsed, err := parseValueType(t, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	*v = parsed
	return nil
}

// ToJSON returns the JSON form of d as a string.
func (d DataType) ToJSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromJSON parses a descriptor produced by ToJSON. Records must be named.
func FromJSON(s string) (DataType, error) {
	var d DataType
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return DataType{}, err
	}
	return d, nil
}

// ToMsgpack encodes d as msgpack. With namedFields, records are encoded as
// maps keyed by field name; otherwise as positional arrays.
func (d DataType) ToMsgpack(namedFields bool) ([]byte, error) {
	t, err := d.Tree(namedFields)
	if err != nil {
		return nil, err
	}
	return EncodeMsgpackTree(t)
}

// FromMsgpack decodes a descriptor produced by ToMsgpack in either mode.
func FromMsgpack(b []byte) (DataType, error) {
	t, err := DecodeMsgpackTree(b)
	if err != nil {
		return DataType{}, err
	}
	d, err := ParseDataTypeTree(t, true)
	if err != nil {
		return DataType{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return d, nil
}

// EncodeMsgpackTree encodes a tree with sorted map keys so that equal trees
// produce equal bytes.
func EncodeMsgpackTree(t any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMsgpackTree decodes exactly one msgpack value into a tree, wrapping
// failures in ErrDecode. Bytes after the value are an error.
func DecodeMsgpackTree(b []byte) (any, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	var t any
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return t, nil
}
