package images

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// Stats holds per-channel mean and standard deviation for normalization.
type Stats struct {
	Mean [3]float32
	Std  [3]float32
	// MaxPixelValue scales raw 0-255 values before mean/std are applied.
	MaxPixelValue float32
}

// ImageNetStats are the channel statistics most pretrained backbones expect.
var ImageNetStats = Stats{
	Mean:          [3]float32{0.485, 0.456, 0.406},
	Std:           [3]float32{0.229, 0.224, 0.225},
	MaxPixelValue: 255,
}

// IdentityStats only rescales pixels to [0, 1].
var IdentityStats = Stats{
	Mean:          [3]float32{0, 0, 0},
	Std:           [3]float32{1, 1, 1},
	MaxPixelValue: 255,
}

// ToCHW converts an image to a normalized float32 buffer in channel-height-width order.
//
// Each RGB value v becomes (v/MaxPixelValue - mean[c]) / std[c].
//
// Arguments:
//   - img: The decoded image.
//   - stats: Normalization statistics.
//
// Returns:
//   - The [3*H*W] buffer.
//   - An error if a standard deviation is zero.
//
// @example
// data, err := images.ToCHW(img, images.ImageNetStats)
func ToCHW(img image.Image, stats Stats) ([]float32, error) {
	for c, s := range stats.Std {
		if s == 0 {
			return nil, errors.Errorf("zero standard deviation for channel %d", c)
		}
	}
	maxValue := stats.MaxPixelValue
	if maxValue == 0 {
		maxValue = 255
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			data[idx] = (float32(r>>8)/maxValue - stats.Mean[0]) / stats.Std[0]
			data[plane+idx] = (float32(g>>8)/maxValue - stats.Mean[1]) / stats.Std[1]
			data[2*plane+idx] = (float32(b>>8)/maxValue - stats.Mean[2]) / stats.Std[2]
		}
	}
	return data, nil
}

// FromCHW reverses ToCHW, rounding back to 8-bit RGBA.
func FromCHW(data []float32, width, height int, stats Stats) (*image.RGBA, error) {
	plane := width * height
	if len(data) != 3*plane {
		return nil, errors.Errorf("buffer has %d values, want %d", len(data), 3*plane)
	}
	maxValue := stats.MaxPixelValue
	if maxValue == 0 {
		maxValue = 255
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			v := (data[c*plane+i]*stats.Std[c] + stats.Mean[c]) * maxValue
			img.Pix[i*4+c] = uint8(math.Max(0, math.Min(255, math.Round(float64(v)))))
		}
		img.Pix[i*4+3] = 255
	}
	return img, nil
}
