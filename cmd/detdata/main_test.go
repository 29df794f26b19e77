package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-detdata/metrics/confusion"
	"github.com/nvr-ai/go-detdata/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const via = `{
  "a.png1": {"filename": "a.png", "regions": [
    {"shape_attributes": {"name": "rect", "x": 0, "y": 0, "width": 10, "height": 10}, "region_attributes": {"label": "cat"}},
    {"shape_attributes": {"name": "rect", "x": 16, "y": 16, "width": 10, "height": 10}, "region_attributes": {"label": "dog"}}
  ]},
  "b.png2": {"filename": "b.png", "regions": [
    {"shape_attributes": {"name": "rect", "x": 0, "y": 0, "width": 10, "height": 10}, "region_attributes": {"label": "cat"}}
  ]}
}`

const preds = `[
  {"image_id": "a.png", "bboxes": [[0, 0, 10, 10], [16, 16, 26, 26]], "labels": [1, 1], "scores": [0.9, 0.8]},
  {"image_id": "b.png", "bboxes": [[0, 0, 10, 10]], "labels": [1], "scores": [0.2]}
]`

func fixture(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	test.WritePNG(t, dir, "a.png", 32, 32)
	test.WritePNG(t, dir, "b.png", 24, 20)
	annotations := test.WriteFile(t, dir, "via.json", via)
	predictions := test.WriteFile(t, dir, "preds.json", preds)

	body := fmt.Sprintf(`parser:
  format: via
  annotations: %s
  image_dir: %s
  classes: [cat, dog]
loader:
  batch_size: 2
model:
  predictions: %s
log:
  level: error
%s`, annotations, dir, predictions, extra)
	return test.WriteFile(t, dir, "detdata.yaml", body)
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&options{})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), errOut.String())
	return out.String()
}

func TestParseCommand(t *testing.T) {
	out := run(t, "parse", "--config", fixture(t, ""))

	var summary DatasetSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "via", summary.Format)
	assert.Equal(t, []string{"background", "cat", "dog"}, summary.Classes)
	require.Len(t, summary.Splits, 1)
	assert.Equal(t, 2, summary.Splits[0].Images)
	assert.Equal(t, map[string]int{"cat": 2, "dog": 1}, summary.Splits[0].Instances)
}

func TestParseCommandSplits(t *testing.T) {
	out := run(t, "parse", "--config", fixture(t, "split:\n  probabilities: [0.5, 0.5]\n  seed: 3\n"))

	var summary DatasetSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &summary))
	require.Len(t, summary.Splits, 2)
	assert.Equal(t, 2, summary.Splits[0].Images+summary.Splits[1].Images)
}

func TestCollateCommand(t *testing.T) {
	cfg := fixture(t, "backend: mmdet\ntransforms:\n  image_size: 32\n")
	out := run(t, "collate", "--config", cfg)

	var batches []BatchSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &batches))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a.png", "b.png"}, batches[0].Images)
	assert.Equal(t, []any{2, 3, 32, 32}, batches[0].Shapes["img"])
	assert.Equal(t, []any{2, 1}, batches[0].Shapes["gt_boxes"])
}

func TestEvaluateCommand(t *testing.T) {
	cfg := fixture(t, "")
	path := filepath.Join(t.TempDir(), "report.yaml")
	out := run(t, "evaluate", "--config", cfg, "--output", path)
	assert.Empty(t, out)

	var report confusion.Report
	data := test.ReadFile(t, path)
	require.NoError(t, yaml.Unmarshal(data, &report))

	assert.Equal(t, 2, report.Images)
	assert.Equal(t, []string{"background", "cat", "dog"}, report.Classes)
	assert.Equal(t, [][]float64{{0, 0, 0}, {1, 1, 0}, {0, 1, 0}}, report.Matrix)
	require.Len(t, report.Summary, 3)
	assert.Equal(t, 2, report.Summary[1].Support)
	assert.InDelta(t, 0.5, report.Summary[1].Precision, 1e-9)
	assert.InDelta(t, 0.5, report.Summary[1].Recall, 1e-9)
}

func TestEvaluateSplitOutOfRange(t *testing.T) {
	cfg := fixture(t, "")
	cmd := newRootCmd(&options{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"evaluate", "--config", cfg, "--split", "4"})
	assert.Error(t, cmd.Execute())
}
