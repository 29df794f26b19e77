package parsers

import (
	"testing"

	"github.com/nvr-ai/go-detdata/classes"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viaFixture = `{
  "second.png123": {
    "filename": "second.png",
    "size": 123,
    "regions": [
      {"shape_attributes": {"name": "rect", "x": 1, "y": 2, "width": 3, "height": 4},
       "region_attributes": {"label": "dog"}}
    ]
  },
  "first.png456": {
    "filename": "first.png",
    "size": 456,
    "regions": [
      {"shape_attributes": {"name": "rect", "x": 0, "y": 0, "width": 5, "height": 5},
       "region_attributes": {"label": "cat"}},
      {"shape_attributes": {"name": "polygon", "all_points_x": [2, 8, 8, 2], "all_points_y": [2, 2, 8, 8]},
       "region_attributes": {"label": "cat"}},
      {"shape_attributes": {"name": "rect", "x": 10, "y": 10, "width": 2, "height": 2},
       "region_attributes": {"label": "zebra"}},
      {"shape_attributes": {"name": "rect", "x": 4, "y": 6, "width": 6, "height": 2},
       "region_attributes": {"label": "dog"}},
      {"shape_attributes": {"name": "circle", "cx": 4, "cy": 4, "r": 2},
       "region_attributes": {"label": "dog"}}
    ]
  }
}`

func writeVIA(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	test.WritePNG(t, dir, "first.png", 20, 10)
	test.WritePNG(t, dir, "second.png", 16, 16)
	return test.WriteFile(t, dir, "via.json", content), dir
}

func TestVIAParseRecords(t *testing.T) {
	annotations, dir := writeVIA(t, viaFixture)
	cm := classes.New([]string{"cat", "dog"})

	p, err := NewVIA(annotations, dir, cm, "label", true)
	require.NoError(t, err)

	recs, err := ParseRecords(p)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	t.Run("file order", func(t *testing.T) {
		assert.Equal(t, "second.png", recs[0].ImageID)
		assert.Equal(t, "first.png", recs[1].ImageID)
		assert.Equal(t, 16, recs[0].Width)
		assert.Equal(t, 20, recs[1].Width)
		assert.Equal(t, 10, recs[1].Height)
	})

	t.Run("rect regions only become boxes", func(t *testing.T) {
		det := recs[1].Detection
		assert.Equal(t, []int{1, 2}, det.Labels)
		assert.Equal(t, []common.BBox{
			common.FromXYXY(0, 0, 5, 5),
			common.FromXYXY(4, 6, 10, 8),
		}, det.BBoxes)
		assert.Empty(t, det.Scores)
	})

	t.Run("polygon regions only become masks", func(t *testing.T) {
		det := recs[1].Detection
		assert.Equal(t, []int{1}, det.MaskLabels)
		assert.Equal(t, []int{1, 10, 20}, det.Masks.Shape())
		assert.Equal(t, 49, det.Masks.Area())
		assert.Equal(t, uint8(1), det.Masks.At(0, 8, 8))

		assert.True(t, recs[0].Detection.Masks.Empty())
		assert.Empty(t, recs[0].Detection.MaskLabels)
	})

	assert.Equal(t, 3, cm.Len(), "parsing never grows the class map")
}

func TestVIABBoxParserHasNoMasks(t *testing.T) {
	annotations, dir := writeVIA(t, viaFixture)

	p, err := NewVIA(annotations, dir, classes.New([]string{"cat", "dog"}), "label", false)
	require.NoError(t, err)
	_, isMask := p.(MaskProvider[VIAImage])
	assert.False(t, isMask)
	_, isBox := p.(BBoxProvider[VIAImage])
	assert.True(t, isBox)

	recs, err := ParseRecords(p)
	require.NoError(t, err)
	assert.True(t, recs[1].Detection.Masks.Empty())
	assert.Len(t, recs[1].Detection.BBoxes, 2)
}

func TestVIALabelFieldErrors(t *testing.T) {
	tests := []struct {
		name       string
		attributes string
		reason     string
	}{
		{name: "missing field", attributes: `{"kind": "cat"}`, reason: "could not find label_field"},
		{name: "null field", attributes: `{"label": null}`, reason: "could not find label_field"},
		{name: "non-string field", attributes: `{"label": 3}`, reason: "non-string value found in label_field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			annotations, dir := writeVIA(t, `{"k": {"filename": "first.png", "regions": [
				{"shape_attributes": {"name": "polygon", "all_points_x": [1, 2, 3], "all_points_y": [1, 3, 1]},
				 "region_attributes": `+tt.attributes+`}]}}`)

			p, err := NewVIA(annotations, dir, classes.New([]string{"cat"}), "label", true)
			require.NoError(t, err)

			_, err = ParseRecords(p)
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "first.png", perr.ImageID)
			assert.Equal(t, "label", perr.Field)
			assert.Equal(t, tt.reason, perr.Reason)
			assert.Contains(t, err.Error(), "[label] while parsing [first.png]")
		})
	}
}

func TestVIACustomLabelField(t *testing.T) {
	annotations, dir := writeVIA(t, `{"k": {"filename": "first.png", "regions": [
		{"shape_attributes": {"name": "rect", "x": 1, "y": 1, "width": 2, "height": 2},
		 "region_attributes": {"species": "dog"}}]}}`)

	p, err := NewVIA(annotations, dir, classes.New([]string{"cat", "dog"}), "species", false)
	require.NoError(t, err)
	recs, err := ParseRecords(p)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, recs[0].Detection.Labels)
}

func TestVIAMergesDuplicateFilenames(t *testing.T) {
	annotations, dir := writeVIA(t, `{
		"a": {"filename": "first.png", "regions": [
			{"shape_attributes": {"name": "rect", "x": 1, "y": 1, "width": 2, "height": 2}, "region_attributes": {"label": "cat"}}]},
		"b": {"filename": "first.png", "regions": [
			{"shape_attributes": {"name": "rect", "x": 3, "y": 3, "width": 2, "height": 2}, "region_attributes": {"label": "dog"}}]}
	}`)

	p, err := NewVIA(annotations, dir, classes.New([]string{"cat", "dog"}), "label", false)
	require.NoError(t, err)
	recs, err := ParseRecords(p)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []int{1, 2}, recs[0].Detection.Labels)
}

func TestNewVIAErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewVIA(dir+"/missing.json", dir, classes.New(nil), "label", true)
	assert.Error(t, err)

	_, err = NewVIA(test.WriteFile(t, dir, "list.json", `[]`), dir, classes.New(nil), "label", true)
	assert.Error(t, err)

	annotations := test.WriteFile(t, dir, "via.json", `{"k": {"filename": "nope.png", "regions": []}}`)
	p, err := NewVIA(annotations, dir, classes.New(nil), "label", true)
	require.NoError(t, err)
	_, err = ParseRecords(p)
	assert.Error(t, err, "image size needs the image file")
}
