package labels

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty      = errors.New("label dict is empty")
	ErrBadIndices = errors.New("label indices must be exactly 0..n-1")
)

// KastLabelDict returns the frame types used for the Kast spectrograph.
func KastLabelDict() map[string]int {
	return map[string]int{
		"bias":     0,
		"science":  1,
		"standard": 2,
		"arc":      3,
		"flat":     4,
	}
}

// Copy returns a new map holding the same entries as dict.
func Copy(dict map[string]int) map[string]int {
	out := make(map[string]int, len(dict))
	for k, v := range dict {
		out[k] = v
	}
	return out
}

func Validate(dict map[string]int) error {
	_, err := Names(dict)
	return err
}

// Names returns the class names ordered by their index.
func Names(dict map[string]int) ([]string, error) {
	if len(dict) == 0 {
		return nil, ErrEmpty
	}
	names := make([]string, len(dict))
	for name, idx := range dict {
		if idx < 0 || idx >= len(dict) {
			return nil, fmt.Errorf("%w: %q has index %d", ErrBadIndices, name, idx)
		}
		if names[idx] != "" {
			return nil, fmt.Errorf("%w: %q and %q share index %d", ErrBadIndices, names[idx], name, idx)
		}
		names[idx] = name
	}
	return names, nil
}
