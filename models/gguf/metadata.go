package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ValueType represents the type tag of a GGUF metadata value in the binary format.
type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{
	TypeUint8:   "UINT8",
	TypeInt8:    "INT8",
	TypeUint16:  "UINT16",
	TypeInt16:   "INT16",
	TypeUint32:  "UINT32",
	TypeInt32:   "INT32",
	TypeFloat32: "FLOAT32",
	TypeBool:    "BOOL",
	TypeString:  "STRING",
	TypeArray:   "ARRAY",
	TypeUint64:  "UINT64",
	TypeInt64:   "INT64",
	TypeFloat64: "FLOAT64",
}

// String returns the upper case name of the type, e.g. "UINT32".
func (t ValueType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
	return valueTypeNames[t]
}

// Valid reports whether t is one of the 13 defined value types.
func (t ValueType) Valid() bool {
	return t <= TypeFloat64
}

// Size returns the encoded width of fixed size types, and 0 for strings and arrays.
func (t ValueType) Size() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

var valueTypeAliases = map[string]ValueType{
	"u8": TypeUint8, "i8": TypeInt8, "u16": TypeUint16, "i16": TypeInt16,
	"u32": TypeUint32, "i32": TypeInt32, "f32": TypeFloat32, "str": TypeString,
	"u64": TypeUint64, "i64": TypeInt64, "f64": TypeFloat64,
}

// ParseValueType converts a type name ("uint32", "UINT32" or "u32") to a ValueType.
func ParseValueType(name string) (ValueType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := valueTypeAliases[name]; ok {
		return t, nil
	}
	for t, n := range valueTypeNames {
		if strings.ToLower(n) == name {
			return ValueType(t), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownTypeTag, "value type name %q", name)
}

// Field is a metadata key-value pair from a GGUF file.
type Field struct {
	Key string
	Value
	// Size is the exact number of bytes the field occupies when serialized:
	// key length prefix, key, type tag and payload.
	Size uint64
}

// NewField creates a Field, computing its serialized size.
func NewField(key string, v Value) Field {
	return Field{Key: key, Value: v, Size: 8 + uint64(len(key)) + 4 + v.EncodedSize()}
}

// Scalar enumerates the Go types that map to GGUF scalar value types.
type Scalar interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64 | bool | string
}

// Value wraps a GGUF metadata value with typed accessors.
// Accessors return zero values when the underlying type doesn't match,
// rather than returning errors.
//
// Arrays of scalars hold a typed slice ([]uint32, []string, ...); arrays of
// arrays hold a []Value.
type Value struct {
	typ  ValueType
	elem ValueType
	data any
}

func scalarType[T Scalar]() ValueType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return TypeUint8
	case int8:
		return TypeInt8
	case uint16:
		return TypeUint16
	case int16:
		return TypeInt16
	case uint32:
		return TypeUint32
	case int32:
		return TypeInt32
	case uint64:
		return TypeUint64
	case int64:
		return TypeInt64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	case bool:
		return TypeBool
	default:
		return TypeString
	}
}

// ValueOf creates a scalar value. The GGUF type follows the Go type of v.
func ValueOf[T Scalar](v T) Value {
	return Value{typ: scalarType[T](), data: v}
}

// ArrayOf creates an array value whose element type follows the Go type of T.
func ArrayOf[T Scalar](values []T) Value {
	if values == nil {
		values = []T{}
	}
	return Value{typ: TypeArray, elem: scalarType[T](), data: values}
}

// ArrayOfArrays creates an array whose elements are themselves arrays.
func ArrayOfArrays(arrays ...Value) (Value, error) {
	for i, a := range arrays {
		if !a.IsArray() {
			return Value{}, errors.Errorf("gguf: element %d of nested array is %s, not an array", i, a.typ)
		}
	}
	if arrays == nil {
		arrays = []Value{}
	}
	return Value{typ: TypeArray, elem: TypeArray, data: arrays}, nil
}

// Type returns the GGUF type tag of the value.
func (v Value) Type() ValueType {
	return v.typ
}

// ElemType returns the declared element type of an array value.
func (v Value) ElemType() ValueType {
	return v.elem
}

// IsArray reports whether the value is an array.
func (v Value) IsArray() bool {
	return v.typ == TypeArray && v.data != nil
}

// IsValid reports whether the value holds data. The zero Value is not valid.
func (v Value) IsValid() bool {
	return v.data != nil
}

// Raw returns the underlying value without type conversion.
func (v Value) Raw() any {
	return v.data
}

// String returns the value as a string, or "" if it is not a string.
func (v Value) String() string {
	s, _ := v.data.(string)
	return s
}

// Strings returns the value as a string slice, or nil if it is not one.
func (v Value) Strings() []string {
	if s, ok := v.data.([]string); ok {
		return s
	}
	return nil
}

// Int returns the value as an int64. Works for any signed or unsigned integer type.
// Returns 0 if the value is not an integer.
func (v Value) Int() int64 {
	switch n := v.data.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// Uint returns the value as a uint64. Works for any unsigned or signed integer type.
// Returns 0 if the value is not an integer.
func (v Value) Uint() uint64 {
	return uint64(v.Int())
}

// Float returns the value as a float64. Works for float32 and float64.
// Returns 0 if the value is not a float.
func (v Value) Float() float64 {
	switch n := v.data.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// Bool returns the value as a bool, or false if it is not a bool.
func (v Value) Bool() bool {
	b, _ := v.data.(bool)
	return b
}

// Floats returns the value as a float64 slice, or nil if it is not one.
func (v Value) Floats() []float64 {
	switch s := v.data.(type) {
	case []float64:
		return s
	case []float32:
		return convertSlice[float32, float64](s)
	default:
		return nil
	}
}

// Ints returns the value as an int64 slice, or nil if it is not an integer array.
func (v Value) Ints() []int64 {
	switch s := v.data.(type) {
	case []int64:
		return s
	case []int32:
		return convertSlice[int32, int64](s)
	case []int16:
		return convertSlice[int16, int64](s)
	case []int8:
		return convertSlice[int8, int64](s)
	case []uint64:
		return convertSlice[uint64, int64](s)
	case []uint32:
		return convertSlice[uint32, int64](s)
	case []uint16:
		return convertSlice[uint16, int64](s)
	case []uint8:
		return convertSlice[uint8, int64](s)
	default:
		return nil
	}
}

// Uints returns the value as a uint64 slice, or nil if it is not an integer array.
func (v Value) Uints() []uint64 {
	if s, ok := v.data.([]uint64); ok {
		return s
	}
	ints := v.Ints()
	if ints == nil {
		return nil
	}
	return convertSlice[int64, uint64](ints)
}

type integerOrFloat interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func convertSlice[From, To integerOrFloat](s []From) []To {
	out := make([]To, len(s))
	for i, n := range s {
		out[i] = To(n)
	}
	return out
}

// Len returns the number of elements of an array value, or 0 for scalars.
func (v Value) Len() int {
	switch s := v.data.(type) {
	case []uint8:
		return len(s)
	case []int8:
		return len(s)
	case []uint16:
		return len(s)
	case []int16:
		return len(s)
	case []uint32:
		return len(s)
	case []int32:
		return len(s)
	case []uint64:
		return len(s)
	case []int64:
		return len(s)
	case []float32:
		return len(s)
	case []float64:
		return len(s)
	case []bool:
		return len(s)
	case []string:
		return len(s)
	case []Value:
		return len(s)
	default:
		return 0
	}
}

// Values returns the elements of an array value, each wrapped as a Value.
// It returns nil for scalars.
func (v Value) Values() []Value {
	if !v.IsArray() {
		return nil
	}
	if s, ok := v.data.([]Value); ok {
		return s
	}
	out := make([]Value, 0, v.Len())
	v.eachElement(func(x any) {
		out = append(out, Value{typ: v.elem, data: x})
	})
	return out
}

// eachElement calls fn with every element of a scalar array.
func (v Value) eachElement(fn func(x any)) {
	switch s := v.data.(type) {
	case []uint8:
		eachOf(s, fn)
	case []int8:
		eachOf(s, fn)
	case []uint16:
		eachOf(s, fn)
	case []int16:
		eachOf(s, fn)
	case []uint32:
		eachOf(s, fn)
	case []int32:
		eachOf(s, fn)
	case []uint64:
		eachOf(s, fn)
	case []int64:
		eachOf(s, fn)
	case []float32:
		eachOf(s, fn)
	case []float64:
		eachOf(s, fn)
	case []bool:
		eachOf(s, fn)
	case []string:
		eachOf(s, fn)
	case []Value:
		for _, e := range s {
			fn(e)
		}
	}
}

func eachOf[T Scalar](s []T, fn func(x any)) {
	for _, e := range s {
		fn(e)
	}
}

// Equal reports whether both values have the same type and the same encoding.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ || v.elem != other.elem {
		return false
	}
	return bytes.Equal(v.AppendEncoded(nil, binary.LittleEndian), other.AppendEncoded(nil, binary.LittleEndian))
}

// EncodedSize returns the number of bytes of the value payload (without its type tag).
func (v Value) EncodedSize() uint64 {
	if v.typ != TypeArray {
		if s, ok := v.data.(string); ok {
			return 8 + uint64(len(s))
		}
		return uint64(v.typ.Size())
	}
	size := uint64(4 + 8)
	switch s := v.data.(type) {
	case []string:
		for _, e := range s {
			size += 8 + uint64(len(e))
		}
	case []Value:
		for _, e := range s {
			size += e.EncodedSize()
		}
	default:
		size += uint64(v.Len()) * uint64(v.elem.Size())
	}
	return size
}

// AppendEncoded appends the value payload (without its type tag) to dst using
// the given byte order. Arrays are encoded as element type tag, count and elements.
func (v Value) AppendEncoded(dst []byte, order binary.AppendByteOrder) []byte {
	if v.typ != TypeArray {
		return appendScalar(dst, order, v.data)
	}
	dst = order.AppendUint32(dst, uint32(v.elem))
	dst = order.AppendUint64(dst, uint64(v.Len()))
	if s, ok := v.data.([]uint8); ok {
		return append(dst, s...)
	}
	v.eachElement(func(x any) {
		if e, ok := x.(Value); ok {
			dst = e.AppendEncoded(dst, order)
			return
		}
		dst = appendScalar(dst, order, x)
	})
	return dst
}

func appendScalar(dst []byte, order binary.AppendByteOrder, x any) []byte {
	switch n := x.(type) {
	case uint8:
		return append(dst, n)
	case int8:
		return append(dst, uint8(n))
	case uint16:
		return order.AppendUint16(dst, n)
	case int16:
		return order.AppendUint16(dst, uint16(n))
	case uint32:
		return order.AppendUint32(dst, n)
	case int32:
		return order.AppendUint32(dst, uint32(n))
	case uint64:
		return order.AppendUint64(dst, n)
	case int64:
		return order.AppendUint64(dst, uint64(n))
	case float32:
		return order.AppendUint32(dst, math.Float32bits(n))
	case float64:
		return order.AppendUint64(dst, math.Float64bits(n))
	case bool:
		if n {
			return append(dst, 1)
		}
		return append(dst, 0)
	case string:
		dst = order.AppendUint64(dst, uint64(len(n)))
		return append(dst, n...)
	default:
		return dst
	}
}

// Interface returns the value as plain Go data suitable for JSON encoding:
// scalars as themselves, arrays as []any, and non-finite floats as strings.
func (v Value) Interface() any {
	if v.IsArray() {
		out := make([]any, 0, v.Len())
		v.eachElement(func(x any) {
			if e, ok := x.(Value); ok {
				out = append(out, e.Interface())
				return
			}
			out = append(out, plainScalar(x))
		})
		return out
	}
	return plainScalar(v.data)
}

func plainScalar(x any) any {
	switch n := x.(type) {
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return fmt.Sprint(n)
		}
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Sprint(n)
		}
	}
	return x
}
