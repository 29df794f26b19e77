package predict

import (
	"context"
	"os"
	"sync"

	"github.com/nvr-ai/go-detdata/collate"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/postprocess"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// DetectionWidth is the number of values per detection row: x1, y1, x2, y2, score, class.
const DetectionWidth = 6

// ErrOutputShape is returned when the model output is not [N, K, 6].
var ErrOutputShape = errors.New("unexpected model output shape")

// Runner executes a single-input, single-output model.
type Runner interface {
	// Run feeds input with the given shape and returns the output data and shape.
	Run(input []float32, shape []int64) ([]float32, []int64, error)
	Close() error
}

// ONNXConfig configures an onnxruntime session.
type ONNXConfig struct {
	ModelPath string `mapstructure:"path" yaml:"path"`
	// SharedLibraryPath points at libonnxruntime; empty uses the loader's search path.
	SharedLibraryPath string         `mapstructure:"shared_library" yaml:"shared_library"`
	InputName         string         `mapstructure:"input_name" yaml:"input_name"`
	OutputName        string         `mapstructure:"output_name" yaml:"output_name"`
	IntraOpThreads    int            `mapstructure:"intra_op_threads" yaml:"intra_op_threads"`
	Provider          ProviderConfig `mapstructure:"provider" yaml:"provider"`
}

var envMu sync.Mutex

// ortRunner wraps a dynamic onnxruntime session so batches of any size can be run.
type ortRunner struct {
	session *ort.DynamicAdvancedSession
}

// NewONNXRunner initializes the onnxruntime environment once per process and loads
// the model.
func NewONNXRunner(cfg ONNXConfig) (Runner, error) {
	if err := cfg.Provider.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrap(err, "model file")
	}

	envMu.Lock()
	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envMu.Unlock()
			return nil, errors.Wrap(err, "error initializing ORT environment")
		}
	}
	envMu.Unlock()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}
	if err := cfg.Provider.append(options); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating ORT session for %s", cfg.ModelPath)
	}
	log.Info().Str("model", cfg.ModelPath).Str("provider", string(cfg.Provider.Backend)).Str("input", cfg.InputName).Str("output", cfg.OutputName).Msg("onnx model loaded")
	return &ortRunner{session: session}, nil
}

func (r *ortRunner) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating input tensor")
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, nil, errors.Wrap(err, "error running ORT session")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, nil, errors.Wrapf(ErrOutputShape, "output is %T, expected float32 tensor", outputs[0])
	}
	data := append([]float32(nil), out.GetData()...)
	return data, []int64(out.GetShape()), nil
}

func (r *ortRunner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	if err != nil {
		return errors.Wrap(err, "error destroying ORT session")
	}
	return nil
}

// ONNXPredictor runs an exported EfficientDet-style model whose output holds
// [N, K, 6] detection rows in the input image's pixel space.
type ONNXPredictor struct {
	Runner Runner
	// DetectionThreshold drops detections scoring below it.
	DetectionThreshold float32
	// NMS is applied per image; nil disables suppression.
	NMS *postprocess.NMSConfig
}

// Predict runs the model on the stacked images of batch.
func (p *ONNXPredictor) Predict(ctx context.Context, batch collate.EfficientDetBatch, recs []*records.Record) ([]records.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, ok := batch.Images.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("batch images are %T, expected []float32", batch.Images.Data())
	}
	shape := make([]int64, 0, len(batch.Images.Shape()))
	for _, d := range batch.Images.Shape() {
		shape = append(shape, int64(d))
	}

	data, outShape, err := p.Runner.Run(pixels, shape)
	if err != nil {
		return nil, err
	}
	return p.decode(data, outShape, recs)
}

// decode splits [N, K, 6] rows into per-record predictions.
func (p *ONNXPredictor) decode(data []float32, shape []int64, recs []*records.Record) ([]records.Prediction, error) {
	if len(shape) != 3 || shape[2] != DetectionWidth || int(shape[0]) != len(recs) ||
		int64(len(data)) != shape[0]*shape[1]*shape[2] {
		return nil, errors.Wrapf(ErrOutputShape, "got %v for %d images", shape, len(recs))
	}

	k := int(shape[1])
	preds := make([]records.Prediction, len(recs))
	for i, rec := range recs {
		results := make([]postprocess.Result, 0, k)
		for j := 0; j < k; j++ {
			row := data[(i*k+j)*DetectionWidth : (i*k+j+1)*DetectionWidth]
			box := common.FromXYXY(row[0], row[1], row[2], row[3])
			det, err := common.NewDetectedBBox(box, row[4], int(row[5]))
			if err != nil {
				log.Warn().Err(err).Str("image", rec.ImageID).Msg("detection score out of range")
			}
			results = append(results, postprocess.Result{Box: det.BBox, Score: det.Score, Class: det.Label})
		}

		results = postprocess.FilterByScore(results, p.DetectionThreshold)
		postprocess.SortByScore(results)
		if p.NMS != nil {
			results = postprocess.Apply(results, p.NMS)
		}

		boxes, labels, scores := postprocess.Split(results)
		pred, err := records.NewPrediction(rec, boxes, labels, scores)
		if err != nil {
			return nil, err
		}
		preds[i] = pred
	}
	return preds, nil
}
