// Package records - Canonical per-image annotation bundle and its load lifecycle.
package records

import (
	"fmt"
	"image"

	"github.com/nvr-ai/go-detdata/common"
	"github.com/nvr-ai/go-detdata/images"
	"github.com/pkg/errors"
)

var (
	// ErrLengthMismatch is returned when parallel annotation sequences differ in length.
	ErrLengthMismatch = errors.New("parallel sequences have different lengths")
	// ErrNotLoaded is returned when pixel data is required but the record is unloaded.
	ErrNotLoaded = errors.New("record is not loaded")
)

// State is the pixel-data lifecycle of a Record.
type State int

const (
	// Unloaded records carry metadata and annotations only.
	Unloaded State = iota
	// Loaded records additionally hold decoded pixel data in Img.
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "unloaded"
}

// Detection holds the instance annotations of one image.
//
// BBoxes, Labels and Scores are parallel: Scores is empty for ground truth and has
// one entry per box for predictions. Masks is stacked along its leading dimension
// and parallel to MaskLabels.
type Detection struct {
	BBoxes     []common.BBox    `json:"bboxes" yaml:"bboxes"`
	Labels     []int            `json:"labels" yaml:"labels"`
	Scores     []float32        `json:"scores,omitempty" yaml:"scores,omitempty"`
	Masks      common.MaskArray `json:"-" yaml:"-"`
	MaskLabels []int            `json:"mask_labels,omitempty" yaml:"mask_labels,omitempty"`
}

// Len returns the number of box instances.
func (d *Detection) Len() int {
	return len(d.BBoxes)
}

// Validate checks that every parallel sequence has the expected length.
func (d *Detection) Validate() error {
	if len(d.BBoxes) != len(d.Labels) {
		return errors.Wrapf(ErrLengthMismatch, "%d bboxes vs %d labels", len(d.BBoxes), len(d.Labels))
	}
	if len(d.Scores) != 0 && len(d.Scores) != len(d.Labels) {
		return errors.Wrapf(ErrLengthMismatch, "%d scores vs %d labels", len(d.Scores), len(d.Labels))
	}
	if d.Masks.Count != len(d.MaskLabels) {
		return errors.Wrapf(ErrLengthMismatch, "%d masks vs %d mask labels", d.Masks.Count, len(d.MaskLabels))
	}
	return nil
}

// Add appends one box instance. Pass a negative score for ground truth.
func (d *Detection) Add(box common.BBox, label int, score float32) {
	d.BBoxes = append(d.BBoxes, box)
	d.Labels = append(d.Labels, label)
	if score >= 0 {
		d.Scores = append(d.Scores, score)
	}
}

// AddMasks appends stacked masks and their labels.
func (d *Detection) AddMasks(masks common.MaskArray, labels []int) error {
	if masks.Count != len(labels) {
		return errors.Wrapf(ErrLengthMismatch, "%d masks vs %d labels", masks.Count, len(labels))
	}
	if masks.Count == 0 {
		return nil
	}
	if d.Masks.Empty() {
		d.Masks = masks.Clone()
	} else {
		stacked, err := common.Stack(d.Masks, masks)
		if err != nil {
			return err
		}
		d.Masks = stacked
	}
	d.MaskLabels = append(d.MaskLabels, labels...)
	return nil
}

// Detected returns the instances as DetectedBBox values. Scores must be present.
func (d *Detection) Detected() ([]common.DetectedBBox, error) {
	if len(d.Scores) != len(d.BBoxes) || len(d.Labels) != len(d.BBoxes) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d bboxes, %d scores, %d labels",
			len(d.BBoxes), len(d.Scores), len(d.Labels))
	}
	out := make([]common.DetectedBBox, len(d.BBoxes))
	for i := range d.BBoxes {
		out[i] = common.DetectedBBox{BBox: d.BBoxes[i], Score: d.Scores[i], Label: d.Labels[i]}
	}
	return out, nil
}

func (d *Detection) clone() Detection {
	return Detection{
		BBoxes:     append([]common.BBox(nil), d.BBoxes...),
		Labels:     append([]int(nil), d.Labels...),
		Scores:     append([]float32(nil), d.Scores...),
		Masks:      d.Masks.Clone(),
		MaskLabels: append([]int(nil), d.MaskLabels...),
	}
}

// Record is the canonical annotation bundle for one image.
type Record struct {
	ImageID   string    `json:"image_id" yaml:"image_id"`
	Filepath  string    `json:"filepath" yaml:"filepath"`
	Width     int       `json:"width" yaml:"width"`
	Height    int       `json:"height" yaml:"height"`
	Detection Detection `json:"detection" yaml:"detection"`

	// Img holds decoded pixels while the record is Loaded.
	Img   image.Image `json:"-" yaml:"-"`
	state State
}

// New creates an unloaded record.
func New(imageID, filepath string, width, height int) *Record {
	return &Record{ImageID: imageID, Filepath: filepath, Width: width, Height: height}
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	return r.state
}

// Loaded reports whether pixel data is materialised.
func (r *Record) Loaded() bool {
	return r.state == Loaded
}

// Load decodes the image at Filepath and moves the record to Loaded.
//
// Loading an already loaded record is a no-op. Width and Height are refreshed from
// the decoded pixels.
//
// Arguments:
//   - loader: The image source.
//
// Returns:
//   - An error if decoding fails; the record stays Unloaded.
func (r *Record) Load(loader images.Loader) error {
	if r.state == Loaded {
		return nil
	}
	img, err := loader.Load(r.Filepath)
	if err != nil {
		return errors.Wrapf(err, "loading record %s", r.ImageID)
	}
	r.SetImage(img)
	return nil
}

// SetImage attaches decoded pixels and moves the record to Loaded.
func (r *Record) SetImage(img image.Image) {
	r.Img = img
	b := img.Bounds()
	r.Width, r.Height = b.Dx(), b.Dy()
	r.state = Loaded
}

// Unload releases the pixel buffer. It is safe to call on unloaded records.
func (r *Record) Unload() {
	r.Img = nil
	r.state = Unloaded
}

// Image returns the pixel data or ErrNotLoaded.
func (r *Record) Image() (image.Image, error) {
	if r.state != Loaded || r.Img == nil {
		return nil, errors.Wrapf(ErrNotLoaded, "record %s", r.ImageID)
	}
	return r.Img, nil
}

// Validate checks the annotation invariants.
func (r *Record) Validate() error {
	if err := r.Detection.Validate(); err != nil {
		return errors.Wrapf(err, "record %s", r.ImageID)
	}
	return nil
}

// Clone deep-copies annotations and metadata. The clone shares the decoded image
// (images are never mutated in place) and keeps the same lifecycle state.
func (r *Record) Clone() *Record {
	out := *r
	out.Detection = r.Detection.clone()
	return &out
}

// Merge appends the annotations of other to r.
func (r *Record) Merge(other *Record) error {
	if err := other.Detection.Validate(); err != nil {
		return err
	}
	for i, box := range other.Detection.BBoxes {
		score := float32(-1)
		if len(other.Detection.Scores) > 0 {
			score = other.Detection.Scores[i]
		}
		r.Detection.Add(box, other.Detection.Labels[i], score)
	}
	return r.Detection.AddMasks(other.Detection.Masks, other.Detection.MaskLabels)
}

func (r *Record) String() string {
	return fmt.Sprintf("Record(%s, %dx%d, %d instances, %s)",
		r.ImageID, r.Width, r.Height, r.Detection.Len(), r.state)
}

// UnloadAll unloads every record.
func UnloadAll(recs []*Record) {
	for _, r := range recs {
		r.Unload()
	}
}
