// Package postprocess flattens model outputs of unknown geometry into a
// single ordered []float32.
package postprocess

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// UnsupportedOutputError reports a value that is neither numeric nor a
// sequence of numeric values.
type UnsupportedOutputError struct {
	// Path locates the offending leaf, e.g. "[0][2]". Empty for the root.
	Path string
	Type string
}

func (e *UnsupportedOutputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unsupported output type %s", e.Type)
	}
	return fmt.Sprintf("unsupported output type %s at %s", e.Type, e.Path)
}

// Value is a model output: either a Scalar or a Sequence of Values.
// The set is closed; only this package implements it.
type Value interface {
	isValue()
}

// Scalar is a numeric leaf.
type Scalar float32

// Sequence is an ordered list of nested values.
type Sequence []Value

func (Scalar) isValue()   {}
func (Sequence) isValue() {}

// Number is the set of element types a tensor buffer may carry.
type Number interface {
	~float32 | ~float64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

// FromTensor builds the nested value of a row-major buffer with the given
// shape. A zero-rank shape yields a Scalar.
func FromTensor[T Number](shape []int64, data []T) (Value, error) {
	want := int64(1)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
		want *= d
	}
	if want != int64(len(data)) {
		return nil, fmt.Errorf("shape %v needs %d elements, buffer has %d", shape, want, len(data))
	}
	if len(shape) == 0 {
		return Scalar(data[0]), nil
	}
	v, _ := nest(shape, data)
	return v, nil
}

// nest consumes data for one dimension and returns what is left.
func nest[T Number](shape []int64, data []T) (Value, []T) {
	if len(shape) == 0 {
		return Scalar(data[0]), data[1:]
	}
	seq := make(Sequence, shape[0])
	for i := range seq {
		seq[i], data = nest(shape[1:], data)
	}
	return seq, data
}

// FromAny converts a dynamically typed nested value (Go slices and arrays
// of numbers, []any, decoded JSON) into a Value.
func FromAny(v any) (Value, error) {
	return fromAny(v, "")
}

func fromAny(v any, path string) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case float32:
		return Scalar(x), nil
	case float64:
		return Scalar(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, &UnsupportedOutputError{Path: path, Type: "json.Number(" + x.String() + ")"}
		}
		return Scalar(f), nil
	case []float32:
		seq := make(Sequence, len(x))
		for i, f := range x {
			seq[i] = Scalar(f)
		}
		return seq, nil
	case []any:
		seq := make(Sequence, len(x))
		for i, e := range x {
			item, err := fromAny(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			seq[i] = item
		}
		return seq, nil
	}

	if v == nil {
		return nil, &UnsupportedOutputError{Path: path, Type: "nil"}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Scalar(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Scalar(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Scalar(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		seq := make(Sequence, rv.Len())
		for i := range seq {
			item, err := fromAny(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			seq[i] = item
		}
		return seq, nil
	}
	return nil, &UnsupportedOutputError{Path: path, Type: fmt.Sprintf("%T", v)}
}

// Flatten walks v depth-first, left to right, and returns every leaf in
// visitation order.
func Flatten(v Value) ([]float32, error) {
	n, err := count(v, "")
	if err != nil {
		return nil, err
	}
	return appendLeaves(make([]float32, 0, n), v), nil
}

// FlattenAny converts v with FromAny and flattens the result.
func FlattenAny(v any) ([]float32, error) {
	value, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	return Flatten(value)
}

// count returns the number of leaves and rejects nil entries.
func count(v Value, path string) (int, error) {
	switch x := v.(type) {
	case Scalar:
		return 1, nil
	case Sequence:
		n := 0
		for i, item := range x {
			c, err := count(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return 0, err
			}
			n += c
		}
		return n, nil
	}
	return 0, &UnsupportedOutputError{Path: path, Type: "nil"}
}

func appendLeaves(out []float32, v Value) []float32 {
	switch x := v.(type) {
	case Scalar:
		return append(out, float32(x))
	case Sequence:
		for _, item := range x {
			out = appendLeaves(out, item)
		}
	}
	return out
}
