package postprocess

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenAny(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  []float32
	}{
		{"nested", [][]float64{{1.0, 2.0}, {3.0, 4.0}}, []float32{1, 2, 3, 4}},
		{"scalar", 5.0, []float32{5}},
		{"empty nested", [][]float32{{}, {}}, []float32{}},
		{"float32 slice", []float32{0.5, 0.25}, []float32{0.5, 0.25}},
		{"integers", []any{int64(1), uint8(2), 3}, []float32{1, 2, 3}},
		{"ragged", []any{1.0, []any{2.0, []any{3.0}}, 4.0}, []float32{1, 2, 3, 4}},
		{"array", [2][2]float32{{1, 2}, {3, 4}}, []float32{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlattenAny(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlattenAny_JSON(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`[[1, 2.5], [], [[3]]]`))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))

	got, err := FlattenAny(v)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, 3}, got)
}

func TestFlattenAny_Unsupported(t *testing.T) {
	tests := []struct {
		name  string
		input any
		path  string
	}{
		{"string leaf", []any{1.0, "two"}, "[1]"},
		{"bool leaf", [][]any{{1.0}, {true}}, "[1][0]"},
		{"null leaf", []any{nil}, "[0]"},
		{"top-level string", "output", ""},
		{"top-level nil", nil, ""},
		{"map", map[string]float32{"a": 1}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlattenAny(tt.input)
			assert.Nil(t, got)

			var unsupported *UnsupportedOutputError
			require.True(t, errors.As(err, &unsupported), "got %v", err)
			assert.Equal(t, tt.path, unsupported.Path)
		})
	}
}

func TestFlatten_Variants(t *testing.T) {
	v := Sequence{Scalar(1), Sequence{Scalar(2), Sequence{}}, Scalar(3)}

	got, err := Flatten(v)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)

	_, err = Flatten(Sequence{Scalar(1), nil})
	var unsupported *UnsupportedOutputError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "[1]", unsupported.Path)

	_, err = Flatten(nil)
	assert.ErrorAs(t, err, &unsupported)
}

func TestFromTensor(t *testing.T) {
	v, err := FromTensor([]int64{2, 3}, []int64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, Sequence{
		Sequence{Scalar(1), Scalar(2), Scalar(3)},
		Sequence{Scalar(4), Scalar(5), Scalar(6)},
	}, v)

	flat, err := Flatten(v)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
}

func TestFromTensor_Scalar(t *testing.T) {
	v, err := FromTensor(nil, []float64{7})
	require.NoError(t, err)
	assert.Equal(t, Scalar(7), v)
}

func TestFromTensor_ZeroDimension(t *testing.T) {
	v, err := FromTensor([]int64{2, 0}, []float32{})
	require.NoError(t, err)
	assert.Equal(t, Sequence{Sequence{}, Sequence{}}, v)
}

func TestFromTensor_ShapeMismatch(t *testing.T) {
	_, err := FromTensor([]int64{2, 2}, []float32{1, 2, 3})
	assert.Error(t, err)

	_, err = FromTensor([]int64{-1, 2}, []float32{1, 2})
	assert.Error(t, err)
}
