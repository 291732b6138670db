// Package judge scores research reports against a configurable rubric
// and decides A/B adoption.
package judge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

//go:embed default_rubric.yaml
var defaultRubricYAML []byte

// Scale bounds every dimension score.
type Scale struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Dimension is one scored axis of report quality.
type Dimension struct {
	Key         string  `yaml:"key" json:"key"`
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Weight      float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Rubric is the fixed configuration the scorer applies.
type Rubric struct {
	Name              string      `yaml:"name" json:"name"`
	Scale             Scale       `yaml:"scale" json:"scale"`
	AdoptionThreshold float64     `yaml:"adoption_threshold" json:"adoption_threshold"`
	Dimensions        []Dimension `yaml:"dimensions" json:"dimensions"`
}

// DefaultRubric returns the embedded seven-dimension rubric.
func DefaultRubric() Rubric {
	r, err := ParseRubric(defaultRubricYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rubric: %v", err))
	}
	return r
}

// LoadRubric reads a YAML rubric from path; an empty path yields the default.
func LoadRubric(path string) (Rubric, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRubric(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("%w: read rubric: %v", research.ErrInvalidInput, err)
	}
	return ParseRubric(data)
}

// ParseRubric decodes and validates a YAML rubric. Missing weights default to 1.
func ParseRubric(data []byte) (Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rubric{}, fmt.Errorf("%w: decode rubric: %v", research.ErrInvalidInput, err)
	}
	for i := range r.Dimensions {
		if r.Dimensions[i].Weight == 0 {
			r.Dimensions[i].Weight = 1
		}
	}
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

// Validate checks the rubric is usable.
func (r Rubric) Validate() error {
	if len(r.Dimensions) == 0 {
		return fmt.Errorf("%w: rubric has no dimensions", research.ErrInvalidInput)
	}
	if r.Scale.Min >= r.Scale.Max {
		return fmt.Errorf("%w: rubric scale min %.2f must be below max %.2f", research.ErrInvalidInput, r.Scale.Min, r.Scale.Max)
	}
	if r.AdoptionThreshold < 0 {
		return fmt.Errorf("%w: adoption threshold cannot be negative", research.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(r.Dimensions))
	for _, d := range r.Dimensions {
		key := strings.TrimSpace(d.Key)
		if key == "" {
			return fmt.Errorf("%w: rubric dimension without key", research.ErrInvalidInput)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate rubric dimension %q", research.ErrInvalidInput, key)
		}
		if d.Weight < 0 {
			return fmt.Errorf("%w: dimension %q has negative weight", research.ErrInvalidInput, key)
		}
		seen[key] = true
	}
	return nil
}

// Keys returns the dimension keys in rubric order.
func (r Rubric) Keys() []string {
	keys := make([]string, len(r.Dimensions))
	for i, d := range r.Dimensions {
		keys[i] = d.Key
	}
	return keys
}
