package preprocess

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
)

// Dict holds the fixed image shape the network is built for.
type Dict struct {
	ImageHeight int `yaml:"image_height" json:"image_height"`
	ImageWidth  int `yaml:"image_width" json:"image_width"`
	NumChannels int `yaml:"num_channels" json:"num_channels"`
}

// OriginalDict is the shape the Kast checkpoints were trained on.
func OriginalDict() Dict {
	return Dict{ImageHeight: 210, ImageWidth: 650, NumChannels: 1}
}

func (d Dict) ImgSizeFlat() int {
	return d.ImageHeight * d.ImageWidth * d.NumChannels
}

// Copy returns d by value; Dict holds no references.
func (d Dict) Copy() Dict {
	return d
}

func (d Dict) Validate() error {
	if d.ImageHeight <= 0 || d.ImageWidth <= 0 {
		return fmt.Errorf("invalid image size %dx%d", d.ImageWidth, d.ImageHeight)
	}
	if d.NumChannels != 1 && d.NumChannels != 3 {
		return fmt.Errorf("num_channels must be 1 or 3, got %d", d.NumChannels)
	}
	return nil
}

func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// FromImage resizes img to the dict's shape and flattens it into
// ImgSizeFlat values in [0,1]. Multi-channel output is channel-planar.
func FromImage(img image.Image, d Dict) ([]float32, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	resized := resize.Resize(uint(d.ImageWidth), uint(d.ImageHeight), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := d.ImageWidth, d.ImageHeight
	plane := width * height

	out := make([]float32, d.ImgSizeFlat())
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rNorm := float32(r) / 65535.0
			gNorm := float32(g) / 65535.0
			bNorm := float32(b) / 65535.0

			idx := y*width + x
			if d.NumChannels == 1 {
				// ITU-R BT.601 luma
				out[idx] = 0.299*rNorm + 0.587*gNorm + 0.114*bNorm
				continue
			}
			out[idx] = rNorm
			out[plane+idx] = gNorm
			out[2*plane+idx] = bNorm
		}
	}
	return out, nil
}
