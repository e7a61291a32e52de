package predict

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

var names = []string{"bias", "science", "standard", "arc", "flat"}

func TestFromProbs(t *testing.T) {
	p, err := FromProbs([]float32{0.1, 0.05, 0.6, 0.2, 0.05}, names)
	if err != nil {
		t.Fatalf("FromProbs: %v", err)
	}
	if p.Index != 2 || p.Class != "standard" {
		t.Fatalf("got %d/%s, want 2/standard", p.Index, p.Class)
	}
	if p.Confidence != 0.6 {
		t.Fatalf("confidence = %f", p.Confidence)
	}
	if len(p.Probabilities) != len(names) {
		t.Fatalf("expected %d probabilities, got %d", len(names), len(p.Probabilities))
	}
}

func TestFromProbsAllZero(t *testing.T) {
	p, err := FromProbs([]float32{0, 0, 0, 0, 0}, names)
	if err != nil {
		t.Fatalf("FromProbs: %v", err)
	}
	if p.Class != "bias" || p.Confidence != 0 {
		t.Fatalf("got %s/%f, want bias/0", p.Class, p.Confidence)
	}
	if _, err := json.Marshal(p); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}

func TestFromLogProbs(t *testing.T) {
	logs := []float32{
		float32(math.Log(0.7)), float32(math.Log(0.1)), float32(math.Log(0.1)),
		float32(math.Log(0.05)), float32(math.Log(0.05)),
	}
	p, err := FromLogProbs(logs, names)
	if err != nil {
		t.Fatalf("FromLogProbs: %v", err)
	}
	if p.Class != "bias" {
		t.Fatalf("class = %s", p.Class)
	}
	if math.Abs(float64(p.Confidence)-0.7) > 1e-5 {
		t.Fatalf("confidence = %f, want 0.7", p.Confidence)
	}
}

func TestFromProbsRejectsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	tests := map[string][]float32{
		"all nan": {nan, nan, nan, nan, nan},
		"one nan": {0.1, nan, 0.2, 0.3, 0.4},
		"pos inf": {float32(math.Inf(1)), 0, 0, 0, 0},
		"neg inf": {0, 0, float32(math.Inf(-1)), 0, 0},
	}
	for name, probs := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := FromProbs(probs, names); !errors.Is(err, ErrNonFinite) {
				t.Fatalf("expected ErrNonFinite, got %v", err)
			}
		})
	}
	if _, err := FromLogProbs([]float32{nan, 0, 0, 0, 0}, names); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite from log probs, got %v", err)
	}
}

func TestFromProbsIgnoresExtraScores(t *testing.T) {
	p, err := FromProbs([]float32{0.1, 0.2, float32(math.NaN())}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("FromProbs: %v", err)
	}
	if p.Class != "b" {
		t.Fatalf("class = %s, want b", p.Class)
	}
}

func TestCheckRows(t *testing.T) {
	if err := CheckRows([][]float32{make([]float32, 4)}, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckRows(nil, 4); !errors.Is(err, ErrInputSize) {
		t.Fatalf("expected ErrInputSize, got %v", err)
	}
	if err := CheckRows([][]float32{make([]float32, 4), make([]float32, 3)}, 4); !errors.Is(err, ErrInputSize) {
		t.Fatalf("expected ErrInputSize, got %v", err)
	}
}
