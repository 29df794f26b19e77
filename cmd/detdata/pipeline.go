package main

import (
	"context"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/collate"
	"github.com/nvr-ai/go-detdata/config"
	"github.com/nvr-ai/go-detdata/dataset"
	"github.com/nvr-ai/go-detdata/loader"
	"github.com/nvr-ai/go-detdata/metrics/confusion"
	"github.com/nvr-ai/go-detdata/parsers"
	"github.com/nvr-ai/go-detdata/predict"
	"github.com/nvr-ai/go-detdata/records"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// parseDataset runs the configured parser and splitter.
func parseDataset(cfg *config.Config) ([][]*records.Record, *classes.ClassMap, error) {
	cm := cfg.Parser.ClassMap()
	splitter, err := cfg.Split.Splitter()
	if err != nil {
		return nil, nil, err
	}

	var splits [][]*records.Record
	switch cfg.Parser.Format {
	case config.FormatVIA:
		p, err := parsers.NewVIA(cfg.Parser.Annotations, cfg.Parser.ImageDir, cm, cfg.Parser.LabelField, cfg.Parser.Masks)
		if err != nil {
			return nil, nil, err
		}
		splits, err = parsers.Parse(p, splitter)
		if err != nil {
			return nil, nil, err
		}
	case config.FormatCOCO:
		p, err := parsers.NewCOCO(cfg.Parser.Annotations, cfg.Parser.ImageDir, cm)
		if err != nil {
			return nil, nil, err
		}
		var src parsers.Parser[parsers.COCOImage] = p
		if !cfg.Parser.Masks {
			src = parsers.WithoutMasks(src)
		}
		splits, err = parsers.Parse(src, splitter)
		if err != nil {
			return nil, nil, err
		}
	case config.FormatVOC:
		p, err := parsers.NewVOC(cfg.Parser.Annotations, cfg.Parser.ImageDir, cm)
		if err != nil {
			return nil, nil, err
		}
		splits, err = parsers.Parse[parsers.VOCImage](p, splitter)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.Wrapf(config.ErrInvalidConfig, "parser.format %q", cfg.Parser.Format)
	}

	log.Info().Str("format", cfg.Parser.Format).Int("splits", len(splits)).Int("classes", cm.Len()).Msg("dataset parsed")
	return splits, cm, nil
}

// selectSplit returns split index i, or every record when i is negative.
func selectSplit(splits [][]*records.Record, i int) ([]*records.Record, error) {
	if i < 0 {
		var all []*records.Record
		for _, s := range splits {
			all = append(all, s...)
		}
		return all, nil
	}
	if i >= len(splits) {
		return nil, errors.Errorf("split %d out of range, have %d", i, len(splits))
	}
	return splits[i], nil
}

// SplitSummary describes one split of a parsed dataset.
type SplitSummary struct {
	Index     int            `yaml:"index"`
	Images    int            `yaml:"images"`
	Instances map[string]int `yaml:"instances"`
}

// DatasetSummary is written by the parse command.
type DatasetSummary struct {
	Format  string         `yaml:"format"`
	Classes []string       `yaml:"classes"`
	Splits  []SplitSummary `yaml:"splits"`
}

func summarize(format string, splits [][]*records.Record, cm *classes.ClassMap) DatasetSummary {
	names := cm.Names()
	out := DatasetSummary{Format: format, Classes: names}
	for i, split := range splits {
		s := SplitSummary{Index: i, Images: len(split), Instances: map[string]int{}}
		for _, r := range split {
			for _, l := range r.Detection.Labels {
				name := confusion.UnknownName(l)
				if l >= 0 && l < len(names) {
					name = names[l]
				}
				s.Instances[name]++
			}
		}
		out.Splits = append(out.Splits, s)
	}
	return out
}

// BatchSummary describes one collated batch.
type BatchSummary struct {
	Index  int            `yaml:"index"`
	Images []string       `yaml:"images"`
	Shapes map[string]any `yaml:"shapes"`
}

// collateSplit iterates one epoch of recs with the configured backend.
func collateSplit(ctx context.Context, cfg *config.Config, recs []*records.Record, opts dataset.Options) ([]BatchSummary, error) {
	ds := dataset.New(recs, cfg.Transforms.Transform(), opts)

	switch cfg.Backend {
	case config.BackendEfficientDet:
		return summarizeBatches(ctx, ds, collate.Builder[collate.EfficientDetBatch](collate.NewEfficientDet()), cfg.Loader,
			func(b collate.EfficientDetBatch) map[string]any {
				return map[string]any{
					"images": []int(b.Images.Shape()), "bboxes": []int(b.BBoxes.Shape()),
					"labels": []int(b.Labels.Shape()), "img_size": []int(b.ImgSize.Shape()),
				}
			})
	case config.BackendFasterRCNN:
		return summarizeBatches(ctx, ds, collate.Builder[collate.FasterRCNNBatch](collate.NewFasterRCNN()), cfg.Loader,
			func(b collate.FasterRCNNBatch) map[string]any {
				shapes := make([][]int, len(b.Images))
				boxes := make([]int, len(b.Targets))
				for i, img := range b.Images {
					shapes[i] = img.Shape()
					boxes[i] = len(b.Targets[i].Labels)
				}
				return map[string]any{"images": shapes, "boxes": boxes}
			})
	case config.BackendMMDet:
		return summarizeBatches(ctx, ds, collate.Builder[collate.MMDetBatch](collate.NewMMDet()), cfg.Loader,
			func(b collate.MMDetBatch) map[string]any {
				boxes := make([]int, len(b.GtLabels))
				for i, l := range b.GtLabels {
					boxes[i] = len(l)
				}
				return map[string]any{"img": []int(b.Img.Shape()), "gt_boxes": boxes}
			})
	}
	return nil, errors.Wrapf(config.ErrInvalidConfig, "backend %q", cfg.Backend)
}

func summarizeBatches[B any](ctx context.Context, ds *dataset.Dataset, builder collate.Builder[B], opts loader.Options,
	shapes func(B) map[string]any,
) ([]BatchSummary, error) {
	l, err := loader.New(ds, builder, opts)
	if err != nil {
		return nil, err
	}
	var out []BatchSummary
	err = l.Iterate(ctx, func(b loader.Batch[B]) error {
		s := BatchSummary{Index: b.Index, Shapes: shapes(b.Data)}
		for _, r := range b.Records {
			s.Images = append(s.Images, r.ImageID)
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// predictions reads precomputed predictions, or runs the ONNX model over recs.
func predictions(ctx context.Context, cfg *config.Config, recs []*records.Record, opts dataset.Options) ([]records.Prediction, error) {
	if cfg.Model.Predictions != "" {
		return records.LoadPredictions(cfg.Model.Predictions, recs)
	}
	if cfg.Model.ModelPath == "" {
		return nil, errors.Wrap(config.ErrInvalidConfig, "model.predictions or model.path is required")
	}
	if cfg.Backend != config.BackendEfficientDet {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "onnx inference needs the %s backend", config.BackendEfficientDet)
	}

	runner, err := predict.NewONNXRunner(cfg.Model.ONNXConfig)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn().Err(err).Msg("closing onnx session")
		}
	}()

	nms := cfg.Model.NMS
	p := &predict.ONNXPredictor{Runner: runner, DetectionThreshold: cfg.Model.DetectionThreshold, NMS: &nms}
	ds := dataset.New(recs, cfg.Transforms.Transform(), opts)
	l, err := loader.New(ds, collate.Builder[collate.EfficientDetBatch](collate.NewEfficientDet()), cfg.Loader)
	if err != nil {
		return nil, err
	}
	return predict.FromLoader(ctx, predict.Predictor[collate.EfficientDetBatch](p), l)
}

// evaluate builds the confusion report of preds against their ground truth.
func evaluate(preds []records.Prediction, cm *classes.ClassMap, cfg confusion.Config) (confusion.Report, error) {
	m := confusion.NewMatrix(cm, cfg)
	if err := m.Accumulate(preds); err != nil {
		return confusion.Report{}, err
	}
	r := m.Report()
	log.Info().Int("images", r.Images).Int("skipped", r.Skipped).Int("classes", len(r.Classes)).Msg("evaluation done")
	return r, nil
}
