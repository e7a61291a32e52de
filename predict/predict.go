// Package predict holds the backend-neutral prediction types shared by
// the libtorch classifier, the ONNX runtime backend and the servers.
package predict

import (
	"errors"
	"fmt"
	"math"

	"spit/preprocess"
)

var (
	ErrInputSize = errors.New("input has wrong size")
	ErrNonFinite = errors.New("model produced a non-finite score")
)

type Prediction struct {
	Index         int                `json:"index"`
	Class         string             `json:"class"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"predictions"`
}

// Predictor classifies flattened images, one per row.
type Predictor interface {
	Predict(rows [][]float32) ([]Prediction, error)
	Labels() []string
	Preproc() preprocess.Dict
}

// CheckRows verifies every row holds exactly size values.
func CheckRows(rows [][]float32, size int) error {
	if len(rows) == 0 {
		return fmt.Errorf("%w: no rows", ErrInputSize)
	}
	for i, row := range rows {
		if len(row) != size {
			return fmt.Errorf("%w: row %d expected %d values, got %d", ErrInputSize, i, size, len(row))
		}
	}
	return nil
}

// FromLogProbs builds a prediction from log-softmax output.
func FromLogProbs(logProbs []float32, names []string) (Prediction, error) {
	probs := make([]float32, len(logProbs))
	for i, v := range logProbs {
		probs[i] = float32(math.Exp(float64(v)))
	}
	return FromProbs(probs, names)
}

// FromProbs picks the argmax class. Scores beyond len(names) are ignored;
// a NaN or infinite score among the rest is an error.
func FromProbs(probs []float32, names []string) (Prediction, error) {
	p := Prediction{Probabilities: make(map[string]float32, len(names))}
	for i, v := range probs {
		if i >= len(names) {
			break
		}
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Prediction{}, fmt.Errorf("%w: %s=%v", ErrNonFinite, names[i], v)
		}
		p.Probabilities[names[i]] = v
		if i == 0 || v > p.Confidence {
			p.Confidence = v
			p.Index = i
		}
	}
	if len(p.Probabilities) > 0 {
		p.Class = names[p.Index]
	}
	return p, nil
}
