// Package prompt chooses the instruction text for each session, either a
// single fixed prompt or a weighted random pick from a pool.
package prompt

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultText is used when the operator configures nothing.
const DefaultText = "Do something interesting in this codebase"

// Weighted is one entry of a prompt pool.
type Weighted struct {
	Text        string  `json:"text" yaml:"text"`
	Probability float64 `json:"probability" yaml:"probability"`
}

// Selector picks a prompt per session. With an empty pool it always returns
// Default.
type Selector struct {
	Default string
	Pool    []Weighted

	// Rand returns a value in [0, 1). Overridable in tests.
	Rand func() float64
}

// NewSelector builds a Selector, validating the pool's weights.
func NewSelector(defaultText string, pool []Weighted) (*Selector, error) {
	if defaultText == "" {
		defaultText = DefaultText
	}
	if err := validatePool(pool); err != nil {
		return nil, err
	}
	return &Selector{
		Default: defaultText,
		Pool:    pool,
		Rand:    rand.Float64,
	}, nil
}

func validatePool(pool []Weighted) error {
	if len(pool) == 0 {
		return nil
	}
	var sum float64
	for i, w := range pool {
		if w.Text == "" {
			return fmt.Errorf("prompt %d has empty text", i)
		}
		if w.Probability < 0 {
			return fmt.Errorf("prompt %d has negative probability %g", i, w.Probability)
		}
		sum += w.Probability
	}
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("prompt probabilities sum to %g, want 1.0", sum)
	}
	return nil
}

// Choose returns the prompt for the next session. Pool entries are selected
// by walking cumulative probability; if rounding leaves the draw past the
// last boundary, the first entry wins.
func (s *Selector) Choose() string {
	if len(s.Pool) == 0 {
		return s.Default
	}
	draw := s.Rand()
	var cumulative float64
	for _, w := range s.Pool {
		cumulative += w.Probability
		if draw < cumulative {
			return w.Text
		}
	}
	return s.Pool[0].Text
}

// ParseJSON decodes a prompt pool from its JSON form, e.g.
// [{"text": "...", "probability": 0.7}, ...].
func ParseJSON(raw string) ([]Weighted, error) {
	var pool []Weighted
	if err := json.Unmarshal([]byte(raw), &pool); err != nil {
		return nil, fmt.Errorf("parse prompt pool: %w", err)
	}
	return pool, nil
}

type promptsFile struct {
	Prompts []Weighted `yaml:"prompts"`
}

// LoadFile reads a prompt pool from a YAML file with a top-level
// "prompts" list.
func LoadFile(path string) ([]Weighted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file promptsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Prompts, nil
}
