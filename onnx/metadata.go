package onnx

import (
	"encoding/json"
	"fmt"
	"os"

	"spit/predict"
	"spit/preprocess"
)

// Metadata describes an exported model. InputShape is [1, C, H, W] and
// OutputShape is [1, len(Classes)].
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	// LogSoftmax is set when the model emits log-probabilities.
	LogSoftmax bool `json:"log_softmax"`
}

func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	return m, m.Validate()
}

func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape must be [1, C, H, W], got %v", m.InputShape)
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != 1 {
		return fmt.Errorf("output_shape must be [1, N], got %v", m.OutputShape)
	}
	if int(m.OutputShape[1]) != len(m.Classes) {
		return fmt.Errorf("output_shape has %d classes, metadata lists %d", m.OutputShape[1], len(m.Classes))
	}
	return m.Preproc().Validate()
}

func (m Metadata) Preproc() preprocess.Dict {
	if len(m.InputShape) != 4 {
		return preprocess.Dict{}
	}
	return preprocess.Dict{
		NumChannels: int(m.InputShape[1]),
		ImageHeight: int(m.InputShape[2]),
		ImageWidth:  int(m.InputShape[3]),
	}
}

func (m Metadata) prediction(scores []float32) (predict.Prediction, error) {
	if m.LogSoftmax {
		return predict.FromLogProbs(scores, m.Classes)
	}
	return predict.FromProbs(scores, m.Classes)
}
