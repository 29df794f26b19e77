// Package config provides configuration for the detdata tools.
//
// Configuration is loaded with the following precedence:
//  1. Environment variables (DETDATA_* prefix, "." replaced by "_")
//  2. Configuration file (YAML)
//  3. Default values
//
// Example usage:
//
//	cfg, err := config.Load("detdata.yaml")
//	if err != nil {
//	    log.Fatal().Err(err).Msg("config")
//	}
package config

import (
	"math"
	"strings"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/loader"
	"github.com/nvr-ai/go-detdata/logging"
	"github.com/nvr-ai/go-detdata/metrics/confusion"
	"github.com/nvr-ai/go-detdata/parsers"
	"github.com/nvr-ai/go-detdata/postprocess"
	"github.com/nvr-ai/go-detdata/predict"
	"github.com/nvr-ai/go-detdata/transforms"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Annotation formats.
const (
	FormatVIA  = "via"
	FormatCOCO = "coco"
	FormatVOC  = "voc"
)

// Collation backends.
const (
	BackendEfficientDet = "efficientdet"
	BackendFasterRCNN   = "fasterrcnn"
	BackendMMDet        = "mmdet"
)

// Config holds all configuration.
type Config struct {
	Parser     ParserConfig     `mapstructure:"parser" yaml:"parser"`
	Split      SplitConfig      `mapstructure:"split" yaml:"split"`
	Loader     loader.Options   `mapstructure:"loader" yaml:"loader"`
	Transforms TransformConfig  `mapstructure:"transforms" yaml:"transforms"`
	Backend    string           `mapstructure:"backend" yaml:"backend"`
	Match      confusion.Config `mapstructure:"match" yaml:"match"`
	Model      ModelConfig      `mapstructure:"model" yaml:"model"`
	Log        logging.Config   `mapstructure:"log" yaml:"log"`
}

// ParserConfig selects the annotation source.
type ParserConfig struct {
	Format      string `mapstructure:"format" yaml:"format"`
	Annotations string `mapstructure:"annotations" yaml:"annotations"`
	ImageDir    string `mapstructure:"image_dir" yaml:"image_dir"`
	// LabelField is the VIA region attribute holding the class name.
	LabelField string `mapstructure:"label_field" yaml:"label_field"`
	// Preset seeds the class map with the "coco" or "voc" names before Classes.
	Preset  string   `mapstructure:"preset" yaml:"preset"`
	Classes []string `mapstructure:"classes" yaml:"classes"`
	Masks   bool     `mapstructure:"masks" yaml:"masks"`
}

// SplitConfig configures the dataset split. No probabilities means a single split.
type SplitConfig struct {
	Probabilities []float64 `mapstructure:"probabilities" yaml:"probabilities"`
	Seed          uint64    `mapstructure:"seed" yaml:"seed"`
}

// TransformConfig configures the per-record transform pipeline.
type TransformConfig struct {
	// ImageSize resizes the longest side and pads to a square; 0 disables it.
	ImageSize       int     `mapstructure:"image_size" yaml:"image_size"`
	HorizontalFlip  bool    `mapstructure:"horizontal_flip" yaml:"horizontal_flip"`
	FlipProbability float64 `mapstructure:"flip_probability" yaml:"flip_probability"`
	Seed            uint64  `mapstructure:"seed" yaml:"seed"`
}

// ModelConfig selects where predictions come from: a JSON file or an ONNX model.
type ModelConfig struct {
	predict.ONNXConfig `mapstructure:",squash" yaml:",inline"`
	// Predictions is a JSON file of precomputed predictions; it takes precedence over Path.
	Predictions        string                `mapstructure:"predictions" yaml:"predictions"`
	DetectionThreshold float32               `mapstructure:"detection_threshold" yaml:"detection_threshold"`
	NMS                postprocess.NMSConfig `mapstructure:"nms" yaml:"nms"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	nms := postprocess.DefaultNMSConfig()
	return Config{
		Parser:     ParserConfig{Format: FormatVIA, LabelField: "label"},
		Loader:     loader.DefaultOptions(),
		Transforms: TransformConfig{FlipProbability: 0.5},
		Backend:    BackendEfficientDet,
		Match:      confusion.DefaultConfig(),
		Model: ModelConfig{
			ONNXConfig: predict.ONNXConfig{
				InputName:      "images",
				OutputName:     "detections",
				IntraOpThreads: 1,
				Provider:       predict.ProviderConfig{Backend: predict.CPUProviderBackend},
			},
			DetectionThreshold: 0.3,
			NMS:                *nms,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads configPath (optional), applies DETDATA_* overrides and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	v.SetEnvPrefix("DETDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides reach it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("parser.format", d.Parser.Format)
	v.SetDefault("parser.annotations", d.Parser.Annotations)
	v.SetDefault("parser.image_dir", d.Parser.ImageDir)
	v.SetDefault("parser.label_field", d.Parser.LabelField)
	v.SetDefault("parser.preset", d.Parser.Preset)
	v.SetDefault("parser.classes", d.Parser.Classes)
	v.SetDefault("parser.masks", d.Parser.Masks)

	v.SetDefault("split.probabilities", d.Split.Probabilities)
	v.SetDefault("split.seed", d.Split.Seed)

	v.SetDefault("loader.batch_size", d.Loader.BatchSize)
	v.SetDefault("loader.workers", d.Loader.Workers)
	v.SetDefault("loader.shuffle", d.Loader.Shuffle)
	v.SetDefault("loader.seed", d.Loader.Seed)
	v.SetDefault("loader.drop_last", d.Loader.DropLast)

	v.SetDefault("transforms.image_size", d.Transforms.ImageSize)
	v.SetDefault("transforms.horizontal_flip", d.Transforms.HorizontalFlip)
	v.SetDefault("transforms.flip_probability", d.Transforms.FlipProbability)
	v.SetDefault("transforms.seed", d.Transforms.Seed)

	v.SetDefault("backend", d.Backend)

	v.SetDefault("match.iou_threshold", d.Match.IoUThreshold)
	v.SetDefault("match.confidence_threshold", d.Match.ConfidenceThreshold)
	v.SetDefault("match.background_id", d.Match.BackgroundID)

	v.SetDefault("model.path", d.Model.ModelPath)
	v.SetDefault("model.shared_library", d.Model.SharedLibraryPath)
	v.SetDefault("model.input_name", d.Model.InputName)
	v.SetDefault("model.output_name", d.Model.OutputName)
	v.SetDefault("model.intra_op_threads", d.Model.IntraOpThreads)
	v.SetDefault("model.provider.backend", d.Model.Provider.Backend)
	v.SetDefault("model.provider.device_id", d.Model.Provider.DeviceID)
	v.SetDefault("model.provider.coreml_flags", d.Model.Provider.CoreMLFlags)
	v.SetDefault("model.predictions", d.Model.Predictions)
	v.SetDefault("model.detection_threshold", d.Model.DetectionThreshold)
	v.SetDefault("model.nms.greedy", d.Model.NMS.Greedy)
	v.SetDefault("model.nms.iou_threshold", d.Model.NMS.IoUThreshold)
	v.SetDefault("model.nms.class_aware", d.Model.NMS.ClassAware)
	v.SetDefault("model.nms.num_workers", d.Model.NMS.NumWorkers)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Validate checks every section and returns the first problem wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch c.Parser.Format {
	case FormatVIA, FormatCOCO, FormatVOC:
	default:
		return errors.Wrapf(ErrInvalidConfig, "parser.format %q", c.Parser.Format)
	}
	switch c.Parser.Preset {
	case "", FormatCOCO, FormatVOC:
	default:
		return errors.Wrapf(ErrInvalidConfig, "parser.preset %q", c.Parser.Preset)
	}
	if c.Parser.Masks && c.Parser.Format == FormatVOC {
		return errors.Wrap(ErrInvalidConfig, "parser.masks is not available for voc")
	}

	if len(c.Split.Probabilities) > 0 {
		if _, err := c.Split.Splitter(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "split: %v", err)
		}
	}

	if c.Loader.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "loader.batch_size %d", c.Loader.BatchSize)
	}
	if c.Loader.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "loader.workers %d", c.Loader.Workers)
	}

	if c.Transforms.ImageSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "transforms.image_size %d", c.Transforms.ImageSize)
	}
	if p := c.Transforms.FlipProbability; p < 0 || p > 1 {
		return errors.Wrapf(ErrInvalidConfig, "transforms.flip_probability %v", p)
	}

	switch c.Backend {
	case BackendEfficientDet, BackendFasterRCNN, BackendMMDet:
	default:
		return errors.Wrapf(ErrInvalidConfig, "backend %q", c.Backend)
	}

	for name, v := range map[string]float32{
		"match.iou_threshold":        c.Match.IoUThreshold,
		"match.confidence_threshold": c.Match.ConfidenceThreshold,
		"model.detection_threshold":  c.Model.DetectionThreshold,
		"model.nms.iou_threshold":    c.Model.NMS.IoUThreshold,
	} {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			return errors.Wrapf(ErrInvalidConfig, "%s %v not in [0, 1]", name, v)
		}
	}
	if err := c.Model.Provider.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.Match.BackgroundID < 0 {
		return errors.Wrapf(ErrInvalidConfig, "match.background_id %d", c.Match.BackgroundID)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// ClassMap builds the class map from the preset and the listed names.
func (p ParserConfig) ClassMap() *classes.ClassMap {
	var cm *classes.ClassMap
	switch p.Preset {
	case FormatCOCO:
		cm = classes.COCO()
	case FormatVOC:
		cm = classes.VOC()
	default:
		cm = classes.New(nil)
	}
	for _, name := range p.Classes {
		cm.AddName(name)
	}
	return cm
}

// Splitter returns a RandomSplitter over Probabilities, or a single split.
func (s SplitConfig) Splitter() (parsers.Splitter, error) {
	if len(s.Probabilities) == 0 {
		return parsers.SingleSplitSplitter{}, nil
	}
	return parsers.NewRandomSplitter(s.Probabilities, s.Seed)
}

// Transform returns the configured pipeline, or nil when nothing is enabled.
func (t TransformConfig) Transform() transforms.Transform {
	var pipeline transforms.Compose
	if t.ImageSize > 0 {
		pipeline = append(pipeline, transforms.ResizeAndPad(t.ImageSize))
	}
	if t.HorizontalFlip {
		pipeline = append(pipeline, transforms.NewHorizontalFlip(t.FlipProbability, t.Seed))
	}
	if len(pipeline) == 0 {
		return nil
	}
	return pipeline
}
