// Command detdata parses detection datasets, collates them into training batches
// and evaluates predictions with a confusion matrix.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/nvr-ai/go-detdata/config"
	"github.com/nvr-ai/go-detdata/dataset"
	"github.com/nvr-ai/go-detdata/logging"
	"github.com/nvr-ai/go-detdata/profiler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

type options struct {
	configPath string
	logLevel   string
	output     string

	cfg  *config.Config
	prof *profiler.Profiler
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "detdata",
		Short: "Object detection dataset toolkit",
		Long: `detdata reads VIA, COCO and Pascal VOC annotations into canonical records,
collates them for EfficientDet, Faster-RCNN or mmdet style training, and scores
predictions against ground truth.

Settings come from a YAML file (--config) and DETDATA_* environment variables,
e.g. DETDATA_LOADER_BATCH_SIZE=4.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			if err := logging.Setup(cfg.Log, cmd.ErrOrStderr()); err != nil {
				return err
			}
			opts.prof = profiler.New()
			cfg.Loader.Profiler = opts.prof
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			opts.prof.LogSummary()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "write the YAML report here instead of stdout")

	root.AddCommand(newParseCmd(opts))
	root.AddCommand(newCollateCmd(opts))
	root.AddCommand(newEvaluateCmd(opts))
	return root
}

func newParseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "parse",
		Short: "Parse annotations and report split sizes and per-class instance counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			done := opts.prof.StartOperation("parse")
			splits, cm, err := parseDataset(opts.cfg)
			done()
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), opts.output, summarize(opts.cfg.Parser.Format, splits, cm))
		},
	}
}

func newCollateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collate",
		Short: "Run one epoch of the configured backend and report batch shapes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			done := opts.prof.StartOperation("parse")
			splits, _, err := parseDataset(opts.cfg)
			done()
			if err != nil {
				return err
			}
			index, err := cmd.Flags().GetInt("split")
			if err != nil {
				return err
			}
			recs, err := selectSplit(splits, index)
			if err != nil {
				return err
			}
			batches, err := collateSplit(cmd.Context(), opts.cfg, recs, dataset.Options{})
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), opts.output, batches)
		},
	}
	cmd.Flags().Int("split", 0, "split index to collate, negative for all")
	return cmd
}

func newEvaluateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Match predictions to ground truth and report the confusion matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			done := opts.prof.StartOperation("parse")
			splits, cm, err := parseDataset(opts.cfg)
			done()
			if err != nil {
				return err
			}
			index, err := cmd.Flags().GetInt("split")
			if err != nil {
				return err
			}
			recs, err := selectSplit(splits, index)
			if err != nil {
				return err
			}
			done = opts.prof.StartOperation("predict")
			preds, err := predictions(cmd.Context(), opts.cfg, recs, dataset.Options{})
			done()
			if err != nil {
				return err
			}
			report, err := evaluate(preds, cm, opts.cfg.Match)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), opts.output, report)
		},
	}
	cmd.Flags().Int("split", -1, "split index to evaluate, negative for all")
	return cmd
}

// writeReport encodes v as YAML to path, or to stdout when path is empty.
func writeReport(stdout io.Writer, path string, v any) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "failed to create report")
		}
		defer f.Close()
		w = f
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if path != "" {
		log.Info().Str("path", path).Msg("report written")
	}
	return enc.Close()
}
