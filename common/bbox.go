// Package common - Geometry primitives shared by parsers, transforms, collation and metrics.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// ErrDegenerateBox is returned by Valid for boxes with zero or negative extent.
var ErrDegenerateBox = errors.New("degenerate bounding box")

// BBox is an axis-aligned bounding box stored in xyxy (corner) form.
//
// BBox is a value type. Every method returns a new box instead of mutating the
// receiver so boxes can be shared freely between records and workers.
type BBox struct {
	Xmin float32 `json:"xmin" yaml:"xmin"`
	Ymin float32 `json:"ymin" yaml:"ymin"`
	Xmax float32 `json:"xmax" yaml:"xmax"`
	Ymax float32 `json:"ymax" yaml:"ymax"`
}

// FromXYXY builds a box from its top-left and bottom-right corners.
func FromXYXY(xmin, ymin, xmax, ymax float32) BBox {
	return BBox{Xmin: xmin, Ymin: ymin, Xmax: xmax, Ymax: ymax}
}

// FromXYWH builds a box from its top-left corner and its width and height.
//
// Arguments:
//   - x, y: The top-left corner.
//   - w, h: The extent of the box.
//
// Returns:
//   - The box in xyxy form.
//
// @example
// box := FromXYWH(10, 20, 30, 40)
// fmt.Println(box.XYXY()) // [10 20 40 60]
func FromXYWH(x, y, w, h float32) BBox {
	return BBox{Xmin: x, Ymin: y, Xmax: x + w, Ymax: y + h}
}

// XYXY returns the corner view of the box.
func (b BBox) XYXY() [4]float32 {
	return [4]float32{b.Xmin, b.Ymin, b.Xmax, b.Ymax}
}

// XYWH returns the corner+extent view of the box.
func (b BBox) XYWH() [4]float32 {
	return [4]float32{b.Xmin, b.Ymin, b.Xmax - b.Xmin, b.Ymax - b.Ymin}
}

// YXYX returns the corners with the axes swapped, the layout EfficientDet expects.
func (b BBox) YXYX() [4]float32 {
	return [4]float32{b.Ymin, b.Xmin, b.Ymax, b.Xmax}
}

// Array is the flat numeric view used for bulk IoU computation.
func (b BBox) Array() []float32 {
	return []float32{b.Xmin, b.Ymin, b.Xmax, b.Ymax}
}

// Width of the box.
func (b BBox) Width() float32 { return b.Xmax - b.Xmin }

// Height of the box.
func (b BBox) Height() float32 { return b.Ymax - b.Ymin }

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Valid reports whether xmin < xmax and ymin < ymax.
func (b BBox) Valid() error {
	if b.Xmin >= b.Xmax || b.Ymin >= b.Ymax {
		return errors.Wrapf(ErrDegenerateBox, "%s", b)
	}
	return nil
}

// IsZero reports whether every coordinate is zero, as with the background placeholder.
func (b BBox) IsZero() bool {
	return b == BBox{}
}

// Contains reports whether other lies entirely inside b (edges inclusive).
func (b BBox) Contains(other BBox) bool {
	return other.Xmin >= b.Xmin && other.Ymin >= b.Ymin &&
		other.Xmax <= b.Xmax && other.Ymax <= b.Ymax
}

// ContainsPoint reports whether (x, y) lies inside b (edges inclusive).
func (b BBox) ContainsPoint(x, y float32) bool {
	return x >= b.Xmin && x <= b.Xmax && y >= b.Ymin && y <= b.Ymax
}

// Intersection returns the overlapping area of two boxes.
//
// The overlap starts at the larger of the two top-left corners and ends at the
// smaller of the two bottom-right corners. A non-positive width or height means
// the boxes do not overlap.
func (b BBox) Intersection(other BBox) float32 {
	iw := math32.Min(b.Xmax, other.Xmax) - math32.Max(b.Xmin, other.Xmin)
	ih := math32.Min(b.Ymax, other.Ymax) - math32.Max(b.Ymin, other.Ymin)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	return iw * ih
}

// Union returns Area(b) + Area(other) - Intersection(b, other).
func (b BBox) Union(other BBox) float32 {
	return b.Area() + other.Area() - b.Intersection(other)
}

// IoU calculates the Intersection over Union between two boxes.
//
// The result is in [0, 1]: 1 for identical boxes, 0 for boxes that do not overlap.
// Two degenerate boxes have an empty union and yield 0.
//
// Arguments:
//   - other: The other bounding box.
//
// Returns:
//   - The IoU value between 0 and 1.
//
// @example
// a := FromXYXY(0, 0, 100, 100)
// b := FromXYXY(50, 50, 150, 150)
// iou := a.IoU(b) // ~0.143 (2500/17500)
func (b BBox) IoU(other BBox) float32 {
	inter := b.Intersection(other)
	if inter == 0 {
		return 0
	}
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return math32.Min(inter/union, 1)
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
func (b BBox) Scale(sx, sy float32) BBox {
	return BBox{Xmin: b.Xmin * sx, Ymin: b.Ymin * sy, Xmax: b.Xmax * sx, Ymax: b.Ymax * sy}
}

// Clip clamps the box to the [0, width] x [0, height] canvas.
func (b BBox) Clip(width, height float32) BBox {
	return BBox{
		Xmin: clamp(b.Xmin, 0, width),
		Ymin: clamp(b.Ymin, 0, height),
		Xmax: clamp(b.Xmax, 0, width),
		Ymax: clamp(b.Ymax, 0, height),
	}
}

// FlipH mirrors the box around the vertical axis of a canvas of the given width.
func (b BBox) FlipH(width float32) BBox {
	return BBox{Xmin: width - b.Xmax, Ymin: b.Ymin, Xmax: width - b.Xmin, Ymax: b.Ymax}
}

func (b BBox) String() string {
	return fmt.Sprintf("BBox(%g, %g, %g, %g)", b.Xmin, b.Ymin, b.Xmax, b.Ymax)
}

// Flatten concatenates the Array views of boxes into one [n*4] slice.
func Flatten(boxes []BBox) []float32 {
	out := make([]float32, 0, len(boxes)*4)
	for _, b := range boxes {
		out = append(out, b.Xmin, b.Ymin, b.Xmax, b.Ymax)
	}
	return out
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(v, hi))
}
