package ml

import (
	"errors"
	"fmt"
	"log"
	"sync"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"spit/checkpoint"
	"spit/labels"
	"spit/predict"
	"spit/preprocess"
	"spit/util"
)

// ErrClosed is returned by every operation on a closed Classifier.
var ErrClosed = errors.New("classifier is closed")

// EpochRecorder persists per-epoch training metrics.
type EpochRecorder interface {
	RecordEpoch(runID string, epoch int, loss, accuracy float32, throughput float64) error
}

type options struct {
	device      string
	lr          float64
	seed        int64
	batchSize   int
	resourceDir string
	recorder    EpochRecorder
	runID       string
}

type Option func(*options)

// WithDevice selects "cpu", "cuda" or "auto".
func WithDevice(name string) Option { return func(o *options) { o.device = name } }

func WithLearningRate(lr float64) Option { return func(o *options) { o.lr = lr } }

func WithSeed(seed int64) Option { return func(o *options) { o.seed = seed } }

func WithBatchSize(n int) Option { return func(o *options) { o.batchSize = n } }

// WithResourceDir sets where the packaged "Kast" checkpoint lives.
func WithResourceDir(dir string) Option { return func(o *options) { o.resourceDir = dir } }

func WithRecorder(runID string, r EpochRecorder) Option {
	return func(o *options) {
		o.runID = runID
		o.recorder = r
	}
}

// Classifier holds the Kast network, its optimizer and the label and
// preprocessing dicts it was built for. It is safe for concurrent use.
type Classifier struct {
	LabelDict   map[string]int
	PreprocDict preprocess.Dict

	names  []string
	opts   options
	device torch.Device
	net    *KastNet
	opt    torch.Optimizer
	lock   sync.Mutex
	// gcRunning is set once a training or evaluation loop has called
	// torch.GC, which must be paired with torch.FinishGC.
	gcRunning bool
}

// LoadKast restores the best-validation Kast checkpoint under archPath,
// which defaults to $SPIT_DATA/Kast/checkpoints/final/.
func LoadKast(archPath string, opts ...Option) (*Classifier, error) {
	if archPath == "" {
		p, err := checkpoint.KastArchPath()
		if err != nil {
			return nil, err
		}
		archPath = p
	}
	croot := archPath + checkpoint.BestValidation
	return New(labels.KastLabelDict(), preprocess.OriginalDict(), croot, opts...)
}

// New builds a classifier and, unless croot is empty, restores it from
// the checkpoint root. A root that matches no files fails before the
// network is built.
func New(labelDict map[string]int, preprocDict preprocess.Dict, croot string, opts ...Option) (*Classifier, error) {
	o := options{device: "auto", lr: 1e-4, seed: 1, batchSize: 64}
	for _, fn := range opts {
		fn(&o)
	}

	names, err := labels.Names(labelDict)
	if err != nil {
		return nil, err
	}
	if err := preprocDict.Validate(); err != nil {
		return nil, err
	}
	root, err := checkpoint.Resolve(croot, o.resourceDir)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		LabelDict:   labels.Copy(labelDict),
		PreprocDict: preprocDict.Copy(),
		names:       names,
		opts:        o,
	}
	c.initSession()
	c.initVariables()
	c.initOptimizer()

	if root != "" {
		util.Logger.Printf("Loading the Classifier: %s", root)
		if err := c.Restore(root); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Classifier) initSession() {
	switch {
	case c.opts.device == "cuda", c.opts.device == "auto" && torch.IsCUDAAvailable():
		log.Println("CUDA is valid")
		c.device = torch.NewDevice("cuda")
	default:
		log.Println("No CUDA found; CPU only")
		c.device = torch.NewDevice("cpu")
	}
}

func (c *Classifier) initVariables() {
	initializer.ManualSeed(c.opts.seed)
	c.net = NewKastNet(c.PreprocDict, len(c.names))
	c.net.To(c.device)
}

func (c *Classifier) initOptimizer() {
	c.opt = torch.Adam(c.opts.lr, 0.9, 0.999, 0)
	c.opt.AddParameters(c.net.Parameters())
}

func (c *Classifier) Labels() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Classifier) Preproc() preprocess.Dict {
	return c.PreprocDict
}

// Predict classifies rows of ImgSizeFlat pixels each.
func (c *Classifier) Predict(rows [][]float32) ([]predict.Prediction, error) {
	size := c.PreprocDict.ImgSizeFlat()
	if err := predict.CheckRows(rows, size); err != nil {
		return nil, err
	}
	flat := make([]float32, 0, len(rows)*size)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	x := torch.NewTensor(flat).View(int64(len(rows)), int64(size))
	return c.forward(x)
}

func (c *Classifier) forward(x torch.Tensor) ([]predict.Prediction, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return nil, ErrClosed
	}

	out := c.net.Forward(x.To(c.device, x.Dtype())).To(torch.NewDevice("cpu"), torch.Float)
	logProbs, ok := out.ToSlice().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", out.ToSlice())
	}
	n := len(c.names)
	if len(logProbs)%n != 0 {
		return nil, fmt.Errorf("output has %d values, not a multiple of %d classes", len(logProbs), n)
	}
	preds := make([]predict.Prediction, 0, len(logProbs)/n)
	for i := 0; i < len(logProbs); i += n {
		p, err := predict.FromLogProbs(logProbs[i:i+n], c.names)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// Close releases the network and optimizer and stops the torch GC
// goroutine if training started it. Later calls return ErrClosed.
func (c *Classifier) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.net == nil {
		return
	}
	c.net = nil
	c.opt = nil
	if c.gcRunning {
		torch.FinishGC()
		c.gcRunning = false
	}
}
