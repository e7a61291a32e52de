package ml

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"

	"spit/predict"
	"spit/preprocess"
)

// FilePrediction pairs a prediction with the image it came from.
type FilePrediction struct {
	Path string
	predict.Prediction
}

// PredictFiles classifies every file matched by the colon-separated glob
// lists in inputs.
func (c *Classifier) PredictFiles(inputs []string) ([]FilePrediction, error) {
	var out []FilePrediction
	for _, in := range inputs {
		for _, pa := range strings.Split(in, ":") {
			fns, err := filepath.Glob(pa)
			if err != nil {
				return out, fmt.Errorf("bad pattern %q: %w", pa, err)
			}
			for _, fn := range fns {
				p, err := c.predictFile(fn)
				if err != nil {
					return out, err
				}
				out = append(out, FilePrediction{Path: fn, Prediction: p})
			}
		}
	}
	return out, nil
}

func (c *Classifier) predictFile(fn string) (predict.Prediction, error) {
	frame, err := readFrame(fn, c.PreprocDict)
	if err != nil {
		return predict.Prediction{}, err
	}
	defer frame.Close()

	t := transforms.ToTensor().Run(frame)
	preds, err := c.forward(t)
	if err != nil {
		return predict.Prediction{}, fmt.Errorf("%s: %w", fn, err)
	}
	return preds[0], nil
}

// readFrame loads fn at the preprocessing shape. Colour frames come back
// in RGB order to match the training loader. The caller closes the Mat.
func readFrame(fn string, d preprocess.Dict) (gocv.Mat, error) {
	flags := gocv.IMReadGrayScale
	if d.NumChannels == 3 {
		flags = gocv.IMReadColor
	}
	img := gocv.IMRead(fn, flags)
	defer img.Close()
	if img.Empty() {
		return gocv.Mat{}, fmt.Errorf("cannot read image %s", fn)
	}
	// OpenCV reads BGR.
	if d.NumChannels == 3 {
		gocv.CvtColor(img, &img, gocv.ColorBGRToRGB)
	}

	resized := gocv.NewMat()
	size := image.Pt(d.ImageWidth, d.ImageHeight)
	gocv.Resize(img, &resized, size, 0, 0, gocv.InterpolationArea)
	return resized, nil
}
