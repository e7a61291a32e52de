package util

import (
	"fmt"
	"io"
	"log"
	"os"
)

// PlotLogger receives one line per training epoch in a form that is easy
// to plot: "epoch loss accuracy throughput".
var PlotLogger *log.Logger = log.New(io.Discard, "", 0)

func InitPlotLogger(tag string) (io.Closer, error) {
	fname := fmt.Sprintf("plot_logs_%s.txt", tag)
	file, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("create plot log: %w", err)
	}
	prefix := fmt.Sprintf("plot_logs_%s: ", tag)
	PlotLogger = log.New(file, prefix, 0)
	return file, nil
}

func PlotEpoch(epoch int, loss, accuracy float32, throughput float64) {
	PlotLogger.Printf("%d %.6f %.6f %.2f", epoch, loss, accuracy, throughput)
}
