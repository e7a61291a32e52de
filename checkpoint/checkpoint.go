// Package checkpoint locates classifier checkpoints on disk.
//
// A checkpoint root is a path prefix such as ".../final/best_validation";
// the files the framework writes all start with it.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DataEnv names the root directory holding trained checkpoints.
	DataEnv = "SPIT_DATA"

	// Kast selects the checkpoint packaged with the resources.
	Kast = "Kast"

	BestValidation = "best_validation"
	Ext            = ".gob"
)

var (
	ErrBadCheckpointRoot  = errors.New("bad checkpoint root")
	ErrMissingResourceDir = errors.New("packaged checkpoint directory does not exist")
	ErrDataEnvUnset       = errors.New(DataEnv + " is not set")
)

// KastArchPath returns $SPIT_DATA/Kast/checkpoints/final/, with the
// trailing separator kept so that roots can be built by concatenation.
func KastArchPath() (string, error) {
	return KastArchPathIn(os.Getenv(DataEnv))
}

// KastArchPathIn is KastArchPath for an explicit data root.
func KastArchPathIn(dataDir string) (string, error) {
	if dataDir == "" {
		return "", ErrDataEnvUnset
	}
	return filepath.Join(dataDir, "Kast", "checkpoints", "final") + string(filepath.Separator), nil
}

// Resolve validates croot and returns the root to restore from.
// An empty croot means no restore and resolves to "".
func Resolve(croot, resourceDir string) (string, error) {
	switch croot {
	case "":
		return "", nil
	case Kast:
		dir := filepath.Join(resourceDir, "checkpoints", "kast_original")
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrMissingResourceDir, dir)
		}
		return filepath.Join(dir, BestValidation), nil
	}

	files, err := filepath.Glob(croot + "*")
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", croot, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: %s", ErrBadCheckpointRoot, croot)
	}
	return croot, nil
}

// Path is the state-dict file written for root.
func Path(root string) string {
	return root + Ext
}

// Create opens the state-dict file for root, creating parent directories.
func Create(root string) (*os.File, error) {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint %s: %w", path, err)
	}
	return f, nil
}

func Open(root string) (*os.File, error) {
	f, err := os.Open(Path(root))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", Path(root), err)
	}
	return f, nil
}
