package editor

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrInvalidOperation is returned for malformed operations, e.g. an empty key or
// a value that cannot be converted to the requested type.
var ErrInvalidOperation = errors.New("editor: invalid operation")

// OpKind enumerates the metadata operations.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpRename
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Operation is one edit of the metadata fields of a file.
type Operation struct {
	Kind OpKind
	Key  string

	// NewKey is the destination of a rename.
	NewKey string

	// Value of a set.
	Value gguf.Value

	// Typed is false when Value was inferred from untyped input (JSON or a
	// command line string). Untyped integers and floats are converted to the
	// type of the existing field when the conversion is exact.
	Typed bool
}

// Set inserts or overwrites key with the given value. The value type is kept as given.
func Set(key string, value gguf.Value) Operation {
	return Operation{Kind: OpSet, Key: key, Value: value, Typed: true}
}

// SetUntyped is like Set, but allows value to be converted to the type of the existing field.
func SetUntyped(key string, value gguf.Value) Operation {
	return Operation{Kind: OpSet, Key: key, Value: value}
}

// Delete removes key, if present.
func Delete(key string) Operation {
	return Operation{Kind: OpDelete, Key: key}
}

// Rename moves the value of oldKey to newKey, if oldKey is present.
// An existing newKey is overwritten.
func Rename(oldKey, newKey string) Operation {
	return Operation{Kind: OpRename, Key: oldKey, NewKey: newKey}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpSet:
		return fmt.Sprintf("set %s=%s", op.Key, FormatValue(op.Value))
	case OpRename:
		return fmt.Sprintf("rename %s->%s", op.Key, op.NewKey)
	default:
		return fmt.Sprintf("%s %s", op.Kind, op.Key)
	}
}

// Validate checks the operation is well-formed. It doesn't look at any file.
func (op Operation) Validate() error {
	if op.Key == "" {
		return errors.Wrapf(ErrInvalidOperation, "%s with empty key", op.Kind)
	}
	switch op.Kind {
	case OpSet:
		if !op.Value.IsValid() {
			return errors.Wrapf(ErrInvalidOperation, "set %q without a value", op.Key)
		}
		if op.Key == gguf.KeyGeneralAlignment && op.Value.Type() == gguf.TypeUint32 && op.Value.Uint() == 0 {
			return errors.Wrapf(gguf.ErrInvalidAlignment, "set %s to 0", op.Key)
		}
	case OpDelete:
	case OpRename:
		if op.NewKey == "" {
			return errors.Wrapf(ErrInvalidOperation, "rename %q to an empty key", op.Key)
		}
	default:
		return errors.Wrapf(ErrInvalidOperation, "unknown operation kind %d", int(op.Kind))
	}
	return nil
}

// FormatValue formats a value for reports: strings quoted, arrays summarized.
func FormatValue(v gguf.Value) string {
	switch {
	case !v.IsValid():
		return "<nil>"
	case v.IsArray():
		return fmt.Sprintf("[%d x %s]", v.Len(), v.ElemType())
	case v.Type() == gguf.TypeString:
		return strconv.Quote(v.String())
	default:
		return fmt.Sprintf("%v (%s)", v.Interface(), v.Type())
	}
}

// ParseValue infers a value from a command line string: "true"/"false" are
// booleans, integers are INT32 (INT64 if they don't fit, UINT64 above that),
// numbers with a fraction or exponent are FLOAT64 and anything else a string.
func ParseValue(s string) gguf.Value {
	switch {
	case strings.EqualFold(s, "true"):
		return gguf.ValueOf(true)
	case strings.EqualFold(s, "false"):
		return gguf.ValueOf(false)
	}
	if v, ok := parseNumber(s); ok {
		return v
	}
	return gguf.ValueOf(s)
}

func parseNumber(s string) (gguf.Value, bool) {
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return gguf.Value{}, false
		}
		return gguf.ValueOf(f), true
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return gguf.ValueOf(int32(i)), true
		}
		return gguf.ValueOf(i), true
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return gguf.ValueOf(u), true
	}
	return gguf.Value{}, false
}

// ParseTypedValue parses s as a value of the named type (see gguf.ParseValueType).
// Array types are written "[]<elem>", and their elements are separated by commas:
//
//	ParseTypedValue("u32", "64")
//	ParseTypedValue("[]f32", "0.5,1,2")
func ParseTypedValue(typeName, s string) (gguf.Value, error) {
	if elemName, isArray := strings.CutPrefix(strings.TrimSpace(typeName), "[]"); isArray {
		elem, err := gguf.ParseValueType(elemName)
		if err != nil {
			return gguf.Value{}, err
		}
		var items []string
		if s != "" {
			items = strings.Split(s, ",")
			if elem != gguf.TypeString {
				for i := range items {
					items[i] = strings.TrimSpace(items[i])
				}
			}
		}
		return arrayFromStrings(elem, items)
	}
	vt, err := gguf.ParseValueType(typeName)
	if err != nil {
		return gguf.Value{}, err
	}
	return scalarFromString(vt, s)
}

// scalarFromString converts s to a scalar of type vt, failing if it doesn't fit.
func scalarFromString(vt gguf.ValueType, s string) (gguf.Value, error) {
	var (
		v   gguf.Value
		err error
	)
	switch vt {
	case gguf.TypeUint8:
		v, err = parseUint[uint8](s, 8)
	case gguf.TypeUint16:
		v, err = parseUint[uint16](s, 16)
	case gguf.TypeUint32:
		v, err = parseUint[uint32](s, 32)
	case gguf.TypeUint64:
		v, err = parseUint[uint64](s, 64)
	case gguf.TypeInt8:
		v, err = parseInt[int8](s, 8)
	case gguf.TypeInt16:
		v, err = parseInt[int16](s, 16)
	case gguf.TypeInt32:
		v, err = parseInt[int32](s, 32)
	case gguf.TypeInt64:
		v, err = parseInt[int64](s, 64)
	case gguf.TypeFloat32:
		var f float64
		f, err = strconv.ParseFloat(s, 32)
		v = gguf.ValueOf(float32(f))
	case gguf.TypeFloat64:
		var f float64
		f, err = strconv.ParseFloat(s, 64)
		v = gguf.ValueOf(f)
	case gguf.TypeBool:
		var b bool
		b, err = strconv.ParseBool(s)
		v = gguf.ValueOf(b)
	case gguf.TypeString:
		v = gguf.ValueOf(s)
	default:
		return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "%s is not a scalar type", vt)
	}
	if err != nil {
		return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "%q is not a valid %s: %v", s, vt, err)
	}
	return v, nil
}

func parseUint[T uint8 | uint16 | uint32 | uint64](s string, bits int) (gguf.Value, error) {
	u, err := strconv.ParseUint(s, 0, bits)
	return gguf.ValueOf(T(u)), err
}

func parseInt[T int8 | int16 | int32 | int64](s string, bits int) (gguf.Value, error) {
	i, err := strconv.ParseInt(s, 0, bits)
	return gguf.ValueOf(T(i)), err
}

// arrayFromStrings converts every item to elem and collects them in a typed array.
func arrayFromStrings(elem gguf.ValueType, items []string) (gguf.Value, error) {
	values := make([]gguf.Value, len(items))
	for i, item := range items {
		v, err := scalarFromString(elem, item)
		if err != nil {
			return gguf.Value{}, errors.WithMessagef(err, "array element %d", i)
		}
		values[i] = v
	}
	return arrayOfScalars(elem, values)
}

// arrayOfScalars packs scalar values, all of type elem, into an array value.
func arrayOfScalars(elem gguf.ValueType, values []gguf.Value) (gguf.Value, error) {
	switch elem {
	case gguf.TypeUint8:
		return collect[uint8](values), nil
	case gguf.TypeInt8:
		return collect[int8](values), nil
	case gguf.TypeUint16:
		return collect[uint16](values), nil
	case gguf.TypeInt16:
		return collect[int16](values), nil
	case gguf.TypeUint32:
		return collect[uint32](values), nil
	case gguf.TypeInt32:
		return collect[int32](values), nil
	case gguf.TypeUint64:
		return collect[uint64](values), nil
	case gguf.TypeInt64:
		return collect[int64](values), nil
	case gguf.TypeFloat32:
		return collect[float32](values), nil
	case gguf.TypeFloat64:
		return collect[float64](values), nil
	case gguf.TypeBool:
		return collect[bool](values), nil
	case gguf.TypeString:
		return collect[string](values), nil
	default:
		return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "unsupported array element type %s", elem)
	}
}

func collect[T gguf.Scalar](values []gguf.Value) gguf.Value {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = v.Raw().(T)
	}
	return gguf.ArrayOf(out)
}

// coerce converts an untyped numeric value to the scalar type vt, if the
// conversion is exact. It returns false if no conversion applies.
func coerce(v gguf.Value, vt gguf.ValueType) (gguf.Value, bool) {
	if v.Type() == vt || v.IsArray() || vt == gguf.TypeArray || vt == gguf.TypeString || vt == gguf.TypeBool {
		return v, false
	}
	var s string
	switch v.Type() {
	case gguf.TypeInt32, gguf.TypeInt64:
		s = strconv.FormatInt(v.Int(), 10)
	case gguf.TypeUint64:
		s = strconv.FormatUint(v.Uint(), 10)
	case gguf.TypeFloat64:
		if vt != gguf.TypeFloat32 {
			return v, false
		}
		s = strconv.FormatFloat(v.Float(), 'g', -1, 64)
	default:
		return v, false
	}
	converted, err := scalarFromString(vt, s)
	if err != nil {
		return v, false
	}
	return converted, true
}

// opsFile is the layout of an operations file:
//
//	{
//	  "set": {"general.name": "My Model", "general.alignment": {"type": "u32", "value": 64}},
//	  "delete": ["general.description"],
//	  "rename": {"general.url": "general.source.url"}
//	}
//
// Sets are applied first, then deletes, then renames, each in file order.
type opsFile struct {
	Set    *orderedmap.OrderedMap[string, json.RawMessage] `json:"set"`
	Delete []string                                        `json:"delete"`
	Rename *orderedmap.OrderedMap[string, string]          `json:"rename"`
}

// LoadOperations reads operations from a JSON file.
func LoadOperations(path string) ([]Operation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open operations file %q", path)
	}
	defer f.Close()
	ops, err := ReadOperations(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "operations file %q", path)
	}
	return ops, nil
}

// ReadOperations decodes operations in the JSON layout of LoadOperations.
func ReadOperations(r io.Reader) ([]Operation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read operations")
	}
	var file opsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(ErrInvalidOperation, "malformed operations JSON: %v", err)
	}

	var ops []Operation
	if file.Set != nil {
		for pair := file.Set.Oldest(); pair != nil; pair = pair.Next() {
			op, err := setFromJSON(pair.Key, pair.Value)
			if err != nil {
				return nil, errors.WithMessagef(err, "set %q", pair.Key)
			}
			ops = append(ops, op)
		}
	}
	for _, key := range file.Delete {
		ops = append(ops, Delete(key))
	}
	if file.Rename != nil {
		for pair := file.Rename.Oldest(); pair != nil; pair = pair.Next() {
			ops = append(ops, Rename(pair.Key, pair.Value))
		}
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return nil, errors.Wrapf(ErrInvalidOperation, "malformed value %s: %v", raw, err)
	}
	return x, nil
}

func setFromJSON(key string, raw json.RawMessage) (Operation, error) {
	x, err := decodeJSON(raw)
	if err != nil {
		return Operation{}, err
	}
	if obj, ok := x.(map[string]any); ok {
		typeName, _ := obj["type"].(string)
		value, hasValue := obj["value"]
		if typeName == "" || !hasValue || len(obj) != 2 {
			return Operation{}, errors.Wrapf(ErrInvalidOperation, `objects must have the form {"type": ..., "value": ...}`)
		}
		v, err := typedFromJSON(typeName, value)
		if err != nil {
			return Operation{}, err
		}
		return Set(key, v), nil
	}
	v, err := valueFromJSON(x)
	if err != nil {
		return Operation{}, err
	}
	return SetUntyped(key, v), nil
}

// typedFromJSON converts a decoded JSON value to the named type.
func typedFromJSON(typeName string, x any) (gguf.Value, error) {
	if elemName, isArray := strings.CutPrefix(typeName, "[]"); isArray {
		list, ok := x.([]any)
		if !ok {
			return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "type %s needs a JSON array", typeName)
		}
		elem, err := gguf.ParseValueType(elemName)
		if err != nil {
			return gguf.Value{}, err
		}
		items := make([]string, len(list))
		for i, item := range list {
			items[i] = fmt.Sprint(item)
		}
		return arrayFromStrings(elem, items)
	}
	vt, err := gguf.ParseValueType(typeName)
	if err != nil {
		return gguf.Value{}, err
	}
	switch x.(type) {
	case []any, map[string]any, nil:
		return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "type %s needs a JSON scalar", typeName)
	}
	return scalarFromString(vt, fmt.Sprint(x))
}

// valueFromJSON infers a value from decoded JSON. Arrays take their element
// type from their contents: strings, bools, integers (INT32, or INT64 if any
// doesn't fit), numbers (FLOAT64) or arrays (nested). Empty arrays are string arrays.
func valueFromJSON(x any) (gguf.Value, error) {
	switch t := x.(type) {
	case string:
		return gguf.ValueOf(t), nil
	case bool:
		return gguf.ValueOf(t), nil
	case json.Number:
		v, ok := parseNumber(t.String())
		if !ok {
			return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "invalid number %s", t)
		}
		return v, nil
	case []any:
		return arrayFromJSON(t)
	case nil:
		return gguf.Value{}, errors.Wrap(ErrInvalidOperation, "null values are not supported, use delete")
	default:
		return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "unsupported JSON value %v", x)
	}
}

func arrayFromJSON(list []any) (gguf.Value, error) {
	if len(list) == 0 {
		return gguf.ArrayOf([]string{}), nil
	}
	values := make([]gguf.Value, len(list))
	for i, item := range list {
		v, err := valueFromJSON(item)
		if err != nil {
			return gguf.Value{}, errors.WithMessagef(err, "array element %d", i)
		}
		values[i] = v
	}
	if values[0].IsArray() {
		return gguf.ArrayOfArrays(values...)
	}

	// Widen numbers to a common type.
	elem := values[0].Type()
	for _, v := range values {
		switch {
		case v.Type() == elem:
		case isNumber(v.Type()) && isNumber(elem):
			elem = widen(elem, v.Type())
		default:
			return gguf.Value{}, errors.Wrapf(ErrInvalidOperation, "mixed array of %s and %s", elem, v.Type())
		}
	}
	for i, v := range values {
		if v.Type() != elem {
			converted, err := scalarFromString(elem, numberString(v))
			if err != nil {
				return gguf.Value{}, err
			}
			values[i] = converted
		}
	}
	return arrayOfScalars(elem, values)
}

func isNumber(vt gguf.ValueType) bool {
	return vt == gguf.TypeInt32 || vt == gguf.TypeInt64 || vt == gguf.TypeUint64 || vt == gguf.TypeFloat64
}

func widen(a, b gguf.ValueType) gguf.ValueType {
	rank := func(vt gguf.ValueType) int {
		switch vt {
		case gguf.TypeInt32:
			return 0
		case gguf.TypeInt64:
			return 1
		case gguf.TypeUint64:
			return 2
		default:
			return 3
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func numberString(v gguf.Value) string {
	switch v.Type() {
	case gguf.TypeUint64:
		return strconv.FormatUint(v.Uint(), 10)
	case gguf.TypeFloat64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	default:
		return strconv.FormatInt(v.Int(), 10)
	}
}
