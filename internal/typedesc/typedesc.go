// Package typedesc describes the shape of data flowing between tasks.
//
// The algebra is closed: primitives, bytes, named structs, lists, maps and a
// sharing qualifier. Descriptors are immutable values and Equal is the only
// compatibility check; there is no coercion, numeric promotion or struct
// field introspection.
package typedesc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStructName is returned by Struct when given an empty name.
	ErrInvalidStructName = errors.New("invalid struct name")

	// ErrDecode wraps every failure to decode a descriptor from JSON or msgpack.
	ErrDecode = errors.New("type descriptor decode error")
)

// IntKind enumerates the supported integer widths.
type IntKind uint8

const (
	KindInt8 IntKind = iota + 1
	KindInt16
	KindInt32
	KindInt64
)

var intKindNames = map[IntKind]string{
	KindInt8:  "Int8",
	KindInt16: "Int16",
	KindInt32: "Int32",
	KindInt64: "Int64",
}

func (k IntKind) String() string {
	if name, ok := intKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("IntKind(%d)", uint8(k))
}

// FloatKind enumerates the supported floating-point widths.
type FloatKind uint8

const (
	KindFloat32 FloatKind = iota + 1
	KindFloat64
)

var floatKindNames = map[FloatKind]string{
	KindFloat32: "Float32",
	KindFloat64: "Float64",
}

func (k FloatKind) String() string {
	if name, ok := floatKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FloatKind(%d)", uint8(k))
}

type primitiveClass uint8

const (
	classInt primitiveClass = iota + 1
	classFloat
	classBoolean
)

// PrimitiveType is Int(IntKind), Float(FloatKind) or Boolean.
type PrimitiveType struct {
	class     primitiveClass
	intKind   IntKind
	floatKind FloatKind
}

// IntPrimitive returns the integer primitive of width k.
func IntPrimitive(k IntKind) PrimitiveType { return PrimitiveType{class: classInt, intKind: k} }

// FloatPrimitive returns the floating-point primitive of width k.
func FloatPrimitive(k FloatKind) PrimitiveType { return PrimitiveType{class: classFloat, floatKind: k} }

// BooleanPrimitive returns the boolean primitive.
func BooleanPrimitive() PrimitiveType { return PrimitiveType{class: classBoolean} }

func (p PrimitiveType) Int() (IntKind, bool)     { return p.intKind, p.class == classInt }
func (p PrimitiveType) Float() (FloatKind, bool) { return p.floatKind, p.class == classFloat }
func (p PrimitiveType) IsBoolean() bool          { return p.class == classBoolean }

// Valid reports whether p is a primitive of a known width.
func (p PrimitiveType) Valid() bool {
	switch p.class {
	case classInt:
		_, ok := intKindNames[p.intKind]
		return ok
	case classFloat:
		_, ok := floatKindNames[p.floatKind]
		return ok
	case classBoolean:
		return true
	}
	return false
}

func (p PrimitiveType) String() string {
	switch p.class {
	case classInt:
		return p.intKind.String()
	case classFloat:
		return p.floatKind.String()
	case classBoolean:
		return "Boolean"
	}
	return "InvalidPrimitive"
}

// MapKeyType is the set of types usable as map keys: Int(IntKind) or Bytes.
type MapKeyType struct {
	bytes   bool
	intKind IntKind
}

// IntKey returns the integer map key of width k.
func IntKey(k IntKind) MapKeyType { return MapKeyType{intKind: k} }

// BytesKey returns the bytes map key.
func BytesKey() MapKeyType { return MapKeyType{bytes: true} }

func (k MapKeyType) Int() (IntKind, bool) { return k.intKind, !k.bytes && k.intKind != 0 }
func (k MapKeyType) IsBytes() bool        { return k.bytes }

// Valid reports whether k is the bytes key or an integer key of a known width.
func (k MapKeyType) Valid() bool {
	if k.bytes {
		return k.intKind == 0
	}
	_, ok := intKindNames[k.intKind]
	return ok
}

func (k MapKeyType) String() string {
	if k.bytes {
		return "Bytes"
	}
	return k.intKind.String()
}

// Shape identifies which variant a ValueType holds.
type Shape uint8

const (
	ShapeInvalid Shape = iota
	ShapePrimitive
	ShapeBytes
	ShapeStruct
	ShapeList
	ShapeMap
)

// ValueType describes a value. The zero ValueType is invalid and cannot be
// encoded; use the constructors.
type ValueType struct {
	shape Shape
	prim  PrimitiveType
	name  string
	key   MapKeyType
	elem  *ValueType // list element or map value
}

// Int8 returns the 8-bit integer value type.
func Int8() ValueType { return Primitive(IntPrimitive(KindInt8)) }

// Int16 returns the 16-bit integer value type.
func Int16() ValueType { return Primitive(IntPrimitive(KindInt16)) }

// Int32 returns the 32-bit integer value type.
func Int32() ValueType { return Primitive(IntPrimitive(KindInt32)) }

// Int64 returns the 64-bit integer value type.
func Int64() ValueType { return Primitive(IntPrimitive(KindInt64)) }

// Float32 returns the 32-bit floating-point value type.
func Float32() ValueType { return Primitive(FloatPrimitive(KindFloat32)) }

// Float64 returns the 64-bit floating-point value type.
func Float64() ValueType { return Primitive(FloatPrimitive(KindFloat64)) }

// Bool returns the boolean value type.
func Bool() ValueType { return Primitive(BooleanPrimitive()) }

// Bytes returns the opaque byte string value type.
func Bytes() ValueType { return ValueType{shape: ShapeBytes} }

// Primitive wraps a primitive type.
func Primitive(p PrimitiveType) ValueType {
	return ValueType{shape: ShapePrimitive, prim: p}
}

// Struct creates a struct descriptor. Only the name is recorded; it is the
// struct's whole identity.
func Struct(name string) (ValueType, error) {
	if name == "" {
		return ValueType{}, fmt.Errorf("%w: empty struct name is not allowed", ErrInvalidStructName)
	}
	return ValueType{shape: ShapeStruct, name: name}, nil
}

// List creates a list of elem.
func List(elem ValueType) ValueType {
	return ValueType{shape: ShapeList, elem: &elem}
}

// Map creates a map from key to value.
func Map(key MapKeyType, value ValueType) ValueType {
	return ValueType{shape: ShapeMap, key: key, elem: &value}
}

func (v ValueType) Shape() Shape { return v.shape }

func (v ValueType) Primitive() (PrimitiveType, bool) {
	return v.prim, v.shape == ShapePrimitive
}

func (v ValueType) StructName() (string, bool) {
	return v.name, v.shape == ShapeStruct
}

// Elem returns the element type of a list.
func (v ValueType) Elem() (ValueType, bool) {
	if v.shape != ShapeList {
		return ValueType{}, false
	}
	return *v.elem, true
}

// MapTypes returns the key and value types of a map.
func (v ValueType) MapTypes() (MapKeyType, ValueType, bool) {
	if v.shape != ShapeMap {
		return MapKeyType{}, ValueType{}, false
	}
	return v.key, *v.elem, true
}

// Valid reports whether v was built by the constructors: a known shape whose
// primitives, keys, struct name and nested types are all valid. The zero
// ValueType is not valid.
func (v ValueType) Valid() bool {
	switch v.shape {
	case ShapePrimitive:
		return v.prim.Valid()
	case ShapeBytes:
		return true
	case ShapeStruct:
		return v.name != ""
	case ShapeList:
		return v.elem != nil && v.elem.Valid()
	case ShapeMap:
		return v.key.Valid() && v.elem != nil && v.elem.Valid()
	}
	return false
}

// Equal reports whether v and o describe exactly the same shape.
func (v ValueType) Equal(o ValueType) bool {
	if v.shape != o.shape {
		return false
	}
	switch v.shape {
	case ShapePrimitive:
		return v.prim == o.prim
	case ShapeStruct:
		return v.name == o.name
	case ShapeList:
		return v.elem.Equal(*o.elem)
	case ShapeMap:
		return v.key == o.key && v.elem.Equal(*o.elem)
	}
	return true
}

func (v ValueType) String() string {
	switch v.shape {
	case ShapePrimitive:
		return v.prim.String()
	case ShapeBytes:
		return "Bytes"
	case ShapeStruct:
		return "Struct(" + v.name + ")"
	case ShapeList:
		return "List<" + v.elem.String() + ">"
	case ShapeMap:
		return "Map<" + v.key.String() + ", " + v.elem.String() + ">"
	}
	return "InvalidValueType"
}

// DataType qualifies a ValueType as either an independently owned Value or a
// SharedValue passed by shared reference.
type DataType struct {
	shared bool
	value  ValueType
}

// Value qualifies v as an independently owned value.
func Value(v ValueType) DataType { return DataType{value: v} }

// SharedValue qualifies v as a value passed by shared reference.
func SharedValue(v ValueType) DataType { return DataType{shared: true, value: v} }

func (d DataType) IsShared() bool       { return d.shared }
func (d DataType) ValueType() ValueType { return d.value }

// Valid reports whether the underlying value type is valid.
func (d DataType) Valid() bool { return d.value.Valid() }

// Equal reports whether both the qualifier and the value type match.
func (d DataType) Equal(o DataType) bool {
	return d.shared == o.shared && d.value.Equal(o.value)
}

func (d DataType) String() string {
	if d.shared {
		return "SharedValue(" + d.value.String() + ")"
	}
	return "Value(" + d.value.String() + ")"
}
