package judge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func TestDefaultRubricHasSevenDimensions(t *testing.T) {
	r := DefaultRubric()
	require.Len(t, r.Dimensions, 7)
	require.Equal(t, 1.0, r.Scale.Min)
	require.Equal(t, 10.0, r.Scale.Max)
	require.Equal(t, 1.0, r.AdoptionThreshold)
	require.Contains(t, r.Keys(), "currency")
	for _, d := range r.Dimensions {
		require.Equal(t, 1.0, d.Weight)
	}
}

func TestLoadRubricFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rubric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: custom\nscale: {min: 0, max: 4}\nadoption_threshold: 0.25\ndimensions:\n  - key: only\n"), 0o644))
	r, err := LoadRubric(path)
	require.NoError(t, err)
	require.Equal(t, "custom", r.Name)
	require.Equal(t, []string{"only"}, r.Keys())

	def, err := LoadRubric("")
	require.NoError(t, err)
	require.Equal(t, DefaultRubric().Name, def.Name)
}

func TestRubricValidation(t *testing.T) {
	bad := []string{
		"name: x\nscale: {min: 1, max: 10}\ndimensions: []\n",
		"name: x\nscale: {min: 5, max: 5}\ndimensions: [{key: a}]\n",
		"name: x\nscale: {min: 1, max: 10}\nadoption_threshold: -1\ndimensions: [{key: a}]\n",
		"name: x\nscale: {min: 1, max: 10}\ndimensions: [{key: a}, {key: a}]\n",
		"name: x\nscale: {min: 1, max: 10}\ndimensions: [{key: ''}]\n",
		"::: not yaml",
	}
	for _, doc := range bad {
		_, err := ParseRubric([]byte(doc))
		require.ErrorIs(t, err, research.ErrInvalidInput, doc)
	}
}
