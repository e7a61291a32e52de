package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPlotEpochWritesLine(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	closer, err := InitPlotLogger("test")
	if err != nil {
		t.Fatalf("InitPlotLogger: %v", err)
	}
	PlotEpoch(3, 0.25, 0.9, 100)
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "plot_logs_test.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "plot_logs_test: 3 0.250000 0.900000 100.00") {
		t.Fatalf("unexpected plot log %q", data)
	}
}
