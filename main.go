package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"spit/checkpoint"
	"spit/config"
	"spit/ml"
	"spit/network"
	"spit/onnx"
	"spit/predict"
	"spit/preprocess"
	"spit/serve"
	"spit/store"
	"spit/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <train|classify|serve|remote|history> [flags]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]
	util.InitLogger(cmd)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	switch cmd {
	case "train":
		err = runTrain(cfg, args)
	case "classify":
		err = runClassify(cfg, args)
	case "serve":
		err = runServe(cfg, args)
	case "remote":
		err = runRemote(cfg, args)
	case "history":
		err = runHistory(cfg, args)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func classifierOptions(cfg config.Config) []ml.Option {
	return []ml.Option{
		ml.WithDevice(cfg.Device),
		ml.WithLearningRate(cfg.LearningRate),
		ml.WithSeed(cfg.Seed),
		ml.WithBatchSize(cfg.BatchSize),
		ml.WithResourceDir(cfg.ResourceDir),
	}
}

// loadClassifier restores from cfg.Checkpoint, or from the Kast
// checkpoint under the data dir when none is configured. The configured
// labels and preproc shape are used either way.
func loadClassifier(cfg config.Config, opts ...ml.Option) (*ml.Classifier, error) {
	opts = append(classifierOptions(cfg), opts...)
	croot, err := cfg.CheckpointRoot()
	if err != nil {
		return nil, err
	}
	return ml.New(cfg.Labels, cfg.Preproc, croot, opts...)
}

func openStore(cfg config.Config) (*store.Store, error) {
	if cfg.DBPath == "" {
		return nil, nil
	}
	return store.Open(cfg.DBPath)
}

func runTrain(cfg config.Config, args []string) error {
	trainCmd := flag.NewFlagSet("train", flag.ExitOnError)
	trainTar := trainCmd.String("data", "./data/kast/training.tar.gz", "training image tarball")
	testTar := trainCmd.String("test", "./data/kast/validation.tar.gz", "validation image tarball")
	save := trainCmd.String("save", "./checkpoints/final", "directory for best_validation")
	resume := trainCmd.String("resume", "", "checkpoint root to continue from")
	epochs := trainCmd.Int("epochs", cfg.Epochs, "number of epochs")
	runID := trainCmd.String("run", time.Now().UTC().Format("20060102T150405"), "run id for the history store")
	trainCmd.Parse(args)

	util.LogHost()
	plotLog, err := util.InitPlotLogger(*runID)
	if err != nil {
		return err
	}
	defer plotLog.Close()

	opts := classifierOptions(cfg)
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		opts = append(opts, ml.WithRecorder(*runID, db))
	}

	c, err := ml.New(cfg.Labels, cfg.Preproc, *resume, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	results, err := c.Train(*trainTar, *testTar, *epochs, *save)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Saved {
			util.Logger.Printf("best validation accuracy %.2f%% at epoch %d, saved to %s",
				100*r.Accuracy, r.Epoch, checkpoint.Path(filepath.Join(*save, checkpoint.BestValidation)))
		}
	}
	return nil
}

func runClassify(cfg config.Config, args []string) error {
	classifyCmd := flag.NewFlagSet("classify", flag.ExitOnError)
	croot := classifyCmd.String("checkpoint", cfg.Checkpoint, "checkpoint root, or Kast")
	classifyCmd.Parse(args)
	if classifyCmd.NArg() == 0 {
		return fmt.Errorf("no input images; pass file globs separated by spaces or colons")
	}
	cfg.Checkpoint = *croot

	c, err := loadClassifier(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	preds, err := c.PredictFiles(classifyCmd.Args())
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	for _, p := range preds {
		fmt.Printf("%s\t%s\t%.4f\n", p.Path, p.Class, p.Confidence)
		if db != nil {
			if err := db.RecordPrediction(p.Path, p.Class, p.Confidence); err != nil {
				util.Logger.Printf("record prediction: %v", err)
			}
		}
	}
	return nil
}

func runServe(cfg config.Config, args []string) error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	httpAddr := serveCmd.String("http", cfg.HTTPAddr, "HTTP listen address")
	tcpAddr := serveCmd.String("tcp", cfg.TCPAddr, "gob/TCP listen address, empty to disable")
	useONNX := serveCmd.Bool("onnx", cfg.ONNXModel != "", "serve the exported ONNX model instead of the checkpoint")
	serveCmd.Parse(args)

	util.LogHost()

	var predictor predict.Predictor
	if *useONNX {
		s, err := onnx.NewServer(cfg.ONNXModel, cfg.ONNXMetadata)
		if err != nil {
			return err
		}
		defer s.Close()
		util.Logger.Printf("Model loaded: %s", cfg.ONNXModel)
		predictor = s
	} else {
		c, err := loadClassifier(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		predictor = c
	}
	util.Logger.Printf("Classes: %v", predictor.Labels())

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	var recorder serve.Recorder
	if db != nil {
		defer db.Close()
		recorder = db
	}

	if *tcpAddr != "" {
		tcp := network.NewServer(predictor)
		if err := tcp.ListenOnPort(*tcpAddr); err != nil {
			return err
		}
		defer tcp.Close()
		util.Logger.Printf("gob/TCP listening on %s", tcp.Addr())
	}

	srv := &http.Server{Addr: *httpAddr, Handler: serve.NewHandler(predictor, recorder).Routes()}
	errc := make(chan error, 1)
	go func() {
		util.Logger.Printf("HTTP listening on %s", *httpAddr)
		util.Logger.Println("  GET  /health")
		util.Logger.Println("  POST /predict        - flattened pixel array")
		util.Logger.Println("  POST /predict/image  - multipart image upload")
		errc <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runRemote classifies local images against a running gob/TCP server.
func runRemote(cfg config.Config, args []string) error {
	remoteCmd := flag.NewFlagSet("remote", flag.ExitOnError)
	addr := remoteCmd.String("addr", cfg.TCPAddr, "server address")
	timeout := remoteCmd.Duration("timeout", 30*time.Second, "overall timeout")
	remoteCmd.Parse(args)
	if *addr == "" {
		return fmt.Errorf("no server address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := network.NewClient(*addr)

	for _, in := range remoteCmd.Args() {
		for _, pa := range strings.Split(in, ":") {
			fns, err := filepath.Glob(pa)
			if err != nil {
				return err
			}
			for _, fn := range fns {
				row, err := loadRow(fn, cfg.Preproc)
				if err != nil {
					return err
				}
				preds, err := client.Classify(ctx, fn, [][]float32{row})
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%.4f\n", fn, preds[0].Class, preds[0].Confidence)
			}
		}
	}
	return nil
}

func loadRow(fn string, d preprocess.Dict) ([]float32, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := preprocess.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return preprocess.FromImage(img, d)
}

func runHistory(cfg config.Config, args []string) error {
	historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
	runID := historyCmd.String("run", "", "training run id; empty lists recent predictions")
	limit := historyCmd.Int("limit", 20, "number of predictions to show")
	historyCmd.Parse(args)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("db_path is not configured")
	}
	defer db.Close()

	if *runID != "" {
		epochs, err := db.Epochs(*runID)
		if err != nil {
			return err
		}
		for _, e := range epochs {
			fmt.Printf("%d\tloss=%.4f\taccuracy=%.2f%%\t%.1f samples/sec\n", e.Epoch, e.Loss, 100*e.Accuracy, e.Throughput)
		}
		return nil
	}

	preds, err := db.RecentPredictions(*limit)
	if err != nil {
		return err
	}
	for _, p := range preds {
		fmt.Printf("%s\t%s\t%s\t%.4f\n", p.CreatedAt.Format(time.RFC3339), p.Source, p.Class, p.Confidence)
	}
	return nil
}
