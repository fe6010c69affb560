package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSelector_Validation(t *testing.T) {
	tests := []struct {
		name    string
		pool    []Weighted
		wantErr bool
	}{
		{"empty pool", nil, false},
		{"sums to one", []Weighted{{"a", 0.5}, {"b", 0.5}}, false},
		{"within tolerance low", []Weighted{{"a", 0.495}, {"b", 0.495}}, false},
		{"within tolerance high", []Weighted{{"a", 0.505}, {"b", 0.505}}, false},
		{"sums too low", []Weighted{{"a", 0.4}, {"b", 0.4}}, true},
		{"sums too high", []Weighted{{"a", 0.8}, {"b", 0.8}}, true},
		{"empty text", []Weighted{{"", 1.0}}, true},
		{"negative probability", []Weighted{{"a", -0.5}, {"b", 1.5}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSelector("", tt.pool)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChoose_EmptyPoolReturnsDefault(t *testing.T) {
	s, err := NewSelector("keep it simple", nil)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	if got := s.Choose(); got != "keep it simple" {
		t.Errorf("Choose() = %q", got)
	}
}

func TestChoose_DefaultText(t *testing.T) {
	s, err := NewSelector("", nil)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	if got := s.Choose(); got != DefaultText {
		t.Errorf("Choose() = %q", got)
	}
}

func TestChoose_CumulativeSelection(t *testing.T) {
	pool := []Weighted{
		{"refactor", 0.5},
		{"add tests", 0.3},
		{"update docs", 0.2},
	}
	s, err := NewSelector("", pool)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}

	tests := []struct {
		draw float64
		want string
	}{
		{0.0, "refactor"},
		{0.49, "refactor"},
		{0.5, "add tests"},
		{0.79, "add tests"},
		{0.8, "update docs"},
		{0.99, "update docs"},
	}
	for _, tt := range tests {
		s.Rand = func() float64 { return tt.draw }
		if got := s.Choose(); got != tt.want {
			t.Errorf("Choose() with draw %g = %q, want %q", tt.draw, got, tt.want)
		}
	}
}

func TestChoose_RoundingFallsBackToFirst(t *testing.T) {
	pool := []Weighted{
		{"refactor", 0.495},
		{"add tests", 0.495},
	}
	s, err := NewSelector("", pool)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	s.Rand = func() float64 { return 0.999 }
	if got := s.Choose(); got != "refactor" {
		t.Errorf("Choose() past last boundary = %q, want first entry", got)
	}
}

func TestParseJSON(t *testing.T) {
	pool, err := ParseJSON(`[{"text": "a", "probability": 0.6}, {"text": "b", "probability": 0.4}]`)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(pool) != 2 || pool[0].Text != "a" || pool[1].Probability != 0.4 {
		t.Errorf("pool = %+v", pool)
	}

	if _, err := ParseJSON(`{"text": "a"}`); err == nil {
		t.Error("expected error for non-array input")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := `prompts:
  - text: clean up lint warnings
    probability: 0.7
  - text: improve error messages
    probability: 0.3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	pool, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("len(pool) = %d", len(pool))
	}
	if pool[0].Text != "clean up lint warnings" || pool[0].Probability != 0.7 {
		t.Errorf("pool[0] = %+v", pool[0])
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
