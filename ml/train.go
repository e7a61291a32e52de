package ml

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"github.com/wangkuiyi/gotorch/vision/imageloader"
	"github.com/wangkuiyi/gotorch/vision/transforms"

	"spit/checkpoint"
	"spit/util"
)

// EpochResult summarises one pass over the training set.
type EpochResult struct {
	Epoch      int
	Loss       float32
	Accuracy   float32
	Throughput float64
	Saved      bool
}

// Loader reads minibatches from a tarball whose entries are
// "<label>/<name>.png". Images are resized to the preprocessing shape.
func (c *Classifier) Loader(tgz string) (*imageloader.ImageLoader, error) {
	vocab, err := imageloader.BuildLabelVocabularyFromTgz(tgz)
	if err != nil {
		return nil, fmt.Errorf("read labels from %s: %w", tgz, err)
	}
	for label := range vocab {
		if _, ok := c.LabelDict[label]; !ok {
			return nil, fmt.Errorf("%s: label %q is not one of %v", tgz, label, c.names)
		}
	}

	colorSpace := "gray"
	if c.PreprocDict.NumChannels == 3 {
		colorSpace = "rgb"
	}
	trans := transforms.Compose(
		transforms.Resize(c.PreprocDict.ImageHeight, c.PreprocDict.ImageWidth),
		transforms.ToTensor())
	loader, err := imageloader.New(tgz, c.LabelDict, trans, c.opts.batchSize, c.opts.batchSize,
		time.Now().UnixNano(), torch.IsCUDAAvailable(), colorSpace)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tgz, err)
	}
	return loader, nil
}

// Train runs epochs over trainTgz with Adam, evaluating on testTgz after
// each one. Whenever test accuracy improves the weights are written to
// saveDir/best_validation.
func (c *Classifier) Train(trainTgz, testTgz string, epochs int, saveDir string) ([]EpochResult, error) {
	best := float32(math.Inf(-1))
	saveRoot := filepath.Join(saveDir, checkpoint.BestValidation)
	results := make([]EpochResult, 0, epochs)

	for epoch := 0; epoch < epochs; epoch++ {
		trainLoader, err := c.Loader(trainTgz)
		if err != nil {
			return results, err
		}
		testLoader, err := c.Loader(testTgz)
		if err != nil {
			return results, err
		}

		startTime := time.Now()
		trainLoss, totalSamples, err := c.trainEpoch(trainLoader)
		if err != nil {
			return results, err
		}
		throughput := float64(totalSamples) / time.Since(startTime).Seconds()
		util.Logger.Printf("Train Epoch: %d, Loss: %.4f, throughput: %f samples/sec", epoch, trainLoss, throughput)

		_, accuracy, err := c.Evaluate(testLoader)
		if err != nil {
			return results, err
		}
		res := EpochResult{Epoch: epoch, Loss: trainLoss, Accuracy: accuracy, Throughput: throughput}
		if accuracy > best {
			best = accuracy
			if err := c.Save(saveRoot); err != nil {
				return results, err
			}
			res.Saved = true
		}
		results = append(results, res)

		util.PlotEpoch(epoch, trainLoss, accuracy, throughput)
		if c.opts.recorder != nil {
			if err := c.opts.recorder.RecordEpoch(c.opts.runID, epoch, trainLoss, accuracy, throughput); err != nil {
				util.Logger.Printf("record epoch %d: %v", epoch, err)
			}
		}
	}
	return results, nil
}

func (c *Classifier) trainEpoch(loader *imageloader.ImageLoader) (float32, int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return 0, 0, ErrClosed
	}
	c.gcRunning = true

	var trainLoss float32
	totalSamples := 0
	for loader.Scan() {
		torch.GC()
		data, label := loader.Minibatch()
		totalSamples += int(data.Shape()[0])
		c.opt.ZeroGrad()
		pred := c.net.Forward(data.To(c.device, data.Dtype()))
		loss := F.NllLoss(pred, label.To(c.device, label.Dtype()), torch.Tensor{}, -100, "mean")
		loss.Backward()
		c.opt.Step()
		trainLoss = loss.Item().(float32)
	}
	return trainLoss, totalSamples, nil
}

// Evaluate returns the mean loss and the fraction of correct predictions.
func (c *Classifier) Evaluate(loader *imageloader.ImageLoader) (float32, float32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return 0, 0, ErrClosed
	}
	c.gcRunning = true

	testLoss := float32(0)
	correct := int64(0)
	samples := 0
	for loader.Scan() {
		torch.GC()
		data, label := loader.Minibatch()
		data = data.To(c.device, data.Dtype())
		label = label.To(c.device, label.Dtype())
		output := c.net.Forward(data)
		loss := F.NllLoss(output, label, torch.Tensor{}, -100, "mean")
		pred := output.Argmax(1)
		testLoss += loss.Item().(float32)
		correct += pred.Eq(label.View(pred.Shape()...)).Sum(map[string]interface{}{"dim": 0, "keepDim": false}).Item().(int64)
		samples += int(label.Shape()[0])
	}
	if samples == 0 {
		return 0, 0, nil
	}
	accuracy := float32(correct) / float32(samples)
	util.Logger.Printf("Test average loss: %.4f, Accuracy: %.2f%%", testLoss/float32(samples), 100.0*accuracy)
	return testLoss / float32(samples), accuracy, nil
}
