package ml

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"spit/checkpoint"
	"spit/labels"
)

// frame draws a w x h grayscale image; brighter frames stand in for flats.
func frame(w, h int, level uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level + uint8(i%5)
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeTgz writes a tarball with n frames per label. The frames are
// larger than the network input so the loader has to resize them.
func writeTgz(t *testing.T, levels map[string]uint8, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frames.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for label, level := range levels {
		for i := 0; i < n; i++ {
			data := encodePNG(t, frame(26, 18, level))
			hdr := &tar.Header{
				Name: fmt.Sprintf("%s/%03d.png", label, i),
				Mode: 0o644,
				Size: int64(len(data)),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				t.Fatal(err)
			}
			if _, err := tw.Write(data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

type epochRecord struct {
	runID    string
	epoch    int
	accuracy float32
}

type fakeRecorder struct{ epochs []epochRecord }

func (f *fakeRecorder) RecordEpoch(runID string, epoch int, loss, accuracy float32, throughput float64) error {
	f.epochs = append(f.epochs, epochRecord{runID, epoch, accuracy})
	return nil
}

func TestLoaderRejectsUnknownLabel(t *testing.T) {
	c, err := New(labels.KastLabelDict(), tiny, "", WithDevice("cpu"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	tgz := writeTgz(t, map[string]uint8{"bias": 10, "dark": 200}, 1)
	if _, err := c.Loader(tgz); err == nil {
		t.Fatal("expected error for label missing from the label dict")
	}
}

func TestTrainSavesBestValidation(t *testing.T) {
	rec := &fakeRecorder{}
	c, err := New(labels.KastLabelDict(), tiny, "",
		WithDevice("cpu"), WithBatchSize(2), WithLearningRate(1e-3), WithRecorder("run-1", rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	levels := map[string]uint8{"bias": 5, "flat": 220}
	trainTgz := writeTgz(t, levels, 4)
	testTgz := writeTgz(t, levels, 2)
	saveDir := filepath.Join(t.TempDir(), "final")

	results, err := c.Train(trainTgz, testTgz, 2, saveDir)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 epoch results, got %d", len(results))
	}
	if !results[0].Saved {
		t.Fatal("first epoch must save best_validation")
	}
	if want := results[1].Accuracy > results[0].Accuracy; results[1].Saved != want {
		t.Fatalf("epoch 1 saved=%v with accuracy %f after %f", results[1].Saved, results[1].Accuracy, results[0].Accuracy)
	}

	root := filepath.Join(saveDir, checkpoint.BestValidation)
	if _, err := os.Stat(checkpoint.Path(root)); err != nil {
		t.Fatalf("best_validation not written: %v", err)
	}
	restored, err := New(labels.KastLabelDict(), tiny, root, WithDevice("cpu"))
	if err != nil {
		t.Fatalf("restore trained checkpoint: %v", err)
	}
	restored.Close()

	if len(rec.epochs) != 2 {
		t.Fatalf("recorder saw %d epochs, want 2", len(rec.epochs))
	}
	for i, e := range rec.epochs {
		if e.runID != "run-1" || e.epoch != i || e.accuracy != results[i].Accuracy {
			t.Fatalf("recorded epoch %d = %+v, result %+v", i, e, results[i])
		}
	}

	loader, err := c.Loader(testTgz)
	if err != nil {
		t.Fatal(err)
	}
	_, acc, err := c.Evaluate(loader)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Fatalf("accuracy %f out of range", acc)
	}
}

func TestPredictFiles(t *testing.T) {
	c, err := New(labels.KastLabelDict(), tiny, "", WithDevice("cpu"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), encodePNG(t, frame(40, 30, 100)), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	preds, err := c.PredictFiles([]string{filepath.Join(dir, "a.png") + ":" + filepath.Join(dir, "b*.png")})
	if err != nil {
		t.Fatalf("PredictFiles: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(preds))
	}
	if preds[0].Path != filepath.Join(dir, "a.png") {
		t.Fatalf("unexpected path %q", preds[0].Path)
	}
	if _, ok := c.LabelDict[preds[0].Class]; !ok {
		t.Fatalf("unknown class %q", preds[0].Class)
	}

	none, err := c.PredictFiles([]string{filepath.Join(dir, "missing*.png")})
	if err != nil || len(none) != 0 {
		t.Fatalf("no matches should give no predictions, got %v, %v", none, err)
	}
}

func TestPredictFilesUnreadable(t *testing.T) {
	c, err := New(labels.KastLabelDict(), tiny, "", WithDevice("cpu"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	bad := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(bad, []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PredictFiles([]string{bad}); err == nil {
		t.Fatal("expected error for unreadable image")
	}
}

func TestClosedClassifier(t *testing.T) {
	c, err := New(labels.KastLabelDict(), tiny, "", WithDevice("cpu"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Close()
	c.Close()

	row := make([]float32, tiny.ImgSizeFlat())
	if _, err := c.Predict([][]float32{row}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Predict after Close: %v", err)
	}
	if err := c.Save(filepath.Join(t.TempDir(), checkpoint.BestValidation)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Save after Close: %v", err)
	}
	levels := map[string]uint8{"bias": 5}
	if _, err := c.Train(writeTgz(t, levels, 1), writeTgz(t, levels, 1), 1, t.TempDir()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Train after Close: %v", err)
	}
}

func TestReadFrameColourIsRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	fn := filepath.Join(t.TempDir(), "red.png")
	if err := os.WriteFile(fn, encodePNG(t, img), 0o644); err != nil {
		t.Fatal(err)
	}

	shape := tiny
	shape.NumChannels = 3
	frame, err := readFrame(fn, shape)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	defer frame.Close()

	if frame.Rows() != shape.ImageHeight || frame.Cols() != shape.ImageWidth || frame.Channels() != 3 {
		t.Fatalf("frame is %dx%dx%d", frame.Rows(), frame.Cols(), frame.Channels())
	}
	px := frame.GetVecbAt(0, 0)
	if px[0] != 255 || px[2] != 0 {
		t.Fatalf("pixel = %v, want red in channel 0", px)
	}
}

func TestReadFrameMissingFile(t *testing.T) {
	if _, err := readFrame(filepath.Join(t.TempDir(), "none.png"), tiny); err == nil {
		t.Fatal("expected error for missing file")
	}
}
