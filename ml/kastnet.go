package ml

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"spit/preprocess"
)

const (
	kernelSize = 5
	conv1Depth = 36
	conv2Depth = 64
	fc1Size    = 128
)

// KastNet is two conv+pool blocks, one dense layer and a softmax
// classifier. Convolutions keep the spatial size; each pool halves it,
// rounding up.
type KastNet struct {
	nn.Module
	Conv1 *nn.Conv2dModule
	Conv2 *nn.Conv2dModule
	FC1   *nn.LinearModule
	FC2   *nn.LinearModule

	shape   preprocess.Dict
	flatDim int64
}

func NewKastNet(shape preprocess.Dict, numClasses int) *KastNet {
	pad := int64(kernelSize / 2)
	flatDim := int64(conv2Depth * pooled(pooled(shape.ImageHeight)) * pooled(pooled(shape.ImageWidth)))
	r := &KastNet{
		Conv1:   nn.Conv2d(int64(shape.NumChannels), conv1Depth, kernelSize, 1, pad, 1, 1, true, "zeros"),
		Conv2:   nn.Conv2d(conv1Depth, conv2Depth, kernelSize, 1, pad, 1, 1, true, "zeros"),
		FC1:     nn.Linear(flatDim, fc1Size, true),
		FC2:     nn.Linear(fc1Size, int64(numClasses), true),
		shape:   shape,
		flatDim: flatDim,
	}
	r.Init(r)
	return r
}

// pooled is the output size of a 2x2, stride 2 pool with ceil mode.
func pooled(n int) int {
	return (n + 1) / 2
}

// Forward takes a batch shaped [N, C, H, W] and returns log-probabilities.
func (n *KastNet) Forward(x torch.Tensor) torch.Tensor {
	x = x.View(-1, int64(n.shape.NumChannels), int64(n.shape.ImageHeight), int64(n.shape.ImageWidth))
	x = torch.Relu(n.Conv1.Forward(x))
	x = F.MaxPool2d(x, []int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, true)
	x = torch.Relu(n.Conv2.Forward(x))
	x = F.MaxPool2d(x, []int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, true)
	x = x.View(-1, n.flatDim)
	x = torch.Relu(n.FC1.Forward(x))
	x = n.FC2.Forward(x)
	return x.LogSoftmax(1)
}
