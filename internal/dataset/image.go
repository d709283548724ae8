package dataset

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	// Register decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// LoadImage reads and decodes an image file into a [channels, size, size]
// tensor scaled to [-1, 1].
func LoadImage(path string, size, channels int) (*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeImageDecode,
			fmt.Sprintf("failed to read image %s", path))
	}
	t, err := DecodeImage(bytes.NewReader(data), size, channels)
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return nil, appErr.WithContext("path", path)
		}
		return nil, err
	}
	return t, nil
}

// DecodeImage decodes any registered format, resizes it to size x size
// with bilinear interpolation and converts it to 1 (luminance) or 3 (RGB)
// channels.
func DecodeImage(r io.Reader, size, channels int) (*tensor.Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidArchitecture,
			fmt.Sprintf("images can be loaded with 1 or 3 channels, got %d", channels))
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeData, errors.CodeImageDecode, "failed to decode image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	return toTensor(dst, channels), nil
}

func toTensor(img *image.RGBA, channels int) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := tensor.Zeros(channels, h, w)
	data := out.Data()
	plane := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := float64(img.Pix[off]), float64(img.Pix[off+1]), float64(img.Pix[off+2])
			i := y*w + x
			if channels == 1 {
				data[i] = scale(0.299*r + 0.587*g + 0.114*bl)
				continue
			}
			data[i] = scale(r)
			data[plane+i] = scale(g)
			data[2*plane+i] = scale(bl)
		}
	}
	return out
}

// scale maps [0, 255] to [-1, 1]
func scale(v float64) float64 {
	return v/127.5 - 1
}
