package images

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-detdata/common"
	"github.com/pkg/errors"
	"golang.org/x/image/vector"
)

// ErrPolygon is returned for polygons that cannot be rasterized.
var ErrPolygon = errors.New("invalid polygon")

// RasterizePolygon fills a polygon into a blank [1, height, width] mask.
//
// Vertices are given as parallel x and y sequences in pixel coordinates and name pixel
// centres. The interior and the outline are both set, so a square with corners 2 and 6
// covers pixels 2 through 6 and a collinear polygon still marks its line.
//
// Arguments:
//   - xs, ys: Parallel vertex coordinates; at least three vertices.
//   - width, height: The size of the source image.
//
// Returns:
//   - The occupancy mask.
//   - ErrPolygon if the coordinate sequences differ in length or hold fewer than three points.
//
// @example
// mask, err := images.RasterizePolygon([]float32{1, 8, 8}, []float32{1, 1, 8}, 10, 10)
func RasterizePolygon(xs, ys []float32, width, height int) (common.MaskArray, error) {
	if len(xs) != len(ys) {
		return common.MaskArray{}, errors.Wrapf(ErrPolygon, "%d x coordinates vs %d y coordinates", len(xs), len(ys))
	}
	if len(xs) < 3 {
		return common.MaskArray{}, errors.Wrapf(ErrPolygon, "need at least 3 vertices, got %d", len(xs))
	}
	if width <= 0 || height <= 0 {
		return common.MaskArray{}, errors.Wrapf(ErrPolygon, "invalid canvas %dx%d", width, height)
	}

	// The rasterizer works in pixel-edge coordinates.
	z := vector.NewRasterizer(width, height)
	z.MoveTo(xs[0]+0.5, ys[0]+0.5)
	for i := 1; i < len(xs); i++ {
		z.LineTo(xs[i]+0.5, ys[i]+0.5)
	}
	z.ClosePath()

	coverage := image.NewAlpha(image.Rect(0, 0, width, height))
	z.Draw(coverage, coverage.Bounds(), image.Opaque, image.Point{})

	mask := common.NewMaskArray(height, width)
	for i, a := range coverage.Pix {
		if a > 0 {
			mask.Data[i] = 1
		}
	}

	n := len(xs)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		drawLine(mask,
			int(math32.Round(xs[i])), int(math32.Round(ys[i])),
			int(math32.Round(xs[j])), int(math32.Round(ys[j])))
	}
	return mask, nil
}

// drawLine sets every pixel on the Bresenham line from (x0, y0) to (x1, y1) that
// falls inside the mask.
func drawLine(mask common.MaskArray, x0, y0, x1, y1 int) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}

	e := dx + dy
	for {
		if x0 >= 0 && x0 < mask.Width && y0 >= 0 && y0 < mask.Height {
			mask.Set(0, x0, y0, 1)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// RasterizePolygons fills several polygons into a single [1, height, width] mask.
func RasterizePolygons(polygons [][2][]float32, width, height int) (common.MaskArray, error) {
	mask := common.NewMaskArray(height, width)
	for _, poly := range polygons {
		layer, err := RasterizePolygon(poly[0], poly[1], width, height)
		if err != nil {
			return common.MaskArray{}, err
		}
		for i, v := range layer.Data {
			mask.Data[i] |= v
		}
	}
	return mask, nil
}
