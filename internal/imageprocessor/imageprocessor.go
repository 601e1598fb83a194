// Package imageprocessor turns uploaded image bytes into the fixed-shape
// tensor the classifier was trained against.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// Model input contract. Changing any of these requires a retrained model.
const (
	InputHeight   = 224
	InputWidth    = 224
	InputChannels = 3
	BatchSize     = 1
)

// Decoded image limits, checked from the header before pixels are allocated.
const (
	MaxImageDimension = 8192
	MaxImagePixels    = 4096 * 4096
)

// ErrDecode reports a buffer that is not a usable image.
var ErrDecode = errors.New("image decode failed")

// Tensor is a dense float32 array in NHWC order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// InputShape returns the shape every tensor fed to the model must have.
func InputShape() []int64 {
	return []int64{BatchSize, InputHeight, InputWidth, InputChannels}
}

// Decode sniffs and decodes an image buffer.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, "", fmt.Errorf("%w: unsupported content type %s", ErrDecode, mime.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrDecode, width, height)
	}
	if width > MaxImageDimension || height > MaxImageDimension || int64(width)*int64(height) > MaxImagePixels {
		return fmt.Errorf("%w: image %dx%d exceeds decode limits", ErrDecode, width, height)
	}
	return nil
}

// ToTensor resizes img bilinearly to the model input size and lays out its
// RGB channels as 0-255 floats with a leading batch dimension.
func ToTensor(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrDecode)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image bounds %v", ErrDecode, bounds)
	}

	resized := resize.Resize(InputWidth, InputHeight, img, resize.Bilinear)
	rb := resized.Bounds()
	if rb.Dx() != InputWidth || rb.Dy() != InputHeight {
		return nil, fmt.Errorf("%w: resized to %dx%d, want %dx%d", ErrDecode, rb.Dx(), rb.Dy(), InputWidth, InputHeight)
	}

	data := make([]float32, 0, BatchSize*InputHeight*InputWidth*InputChannels)
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data = append(data, float32(r>>8), float32(g>>8), float32(b>>8))
		}
	}

	tensor := &Tensor{Shape: InputShape(), Data: data}
	if err := tensor.Validate(); err != nil {
		return nil, err
	}
	return tensor, nil
}

// Validate checks the tensor against the model input contract.
func (t *Tensor) Validate() error {
	want := InputShape()
	if len(t.Shape) != len(want) {
		return fmt.Errorf("%w: tensor rank %d, want %d", ErrDecode, len(t.Shape), len(want))
	}
	size := int64(1)
	for i, dim := range want {
		if t.Shape[i] != dim {
			return fmt.Errorf("%w: tensor shape %v, want %v", ErrDecode, t.Shape, want)
		}
		size *= dim
	}
	if int64(len(t.Data)) != size {
		return fmt.Errorf("%w: tensor holds %d values, want %d", ErrDecode, len(t.Data), size)
	}
	return nil
}

// Prepare runs Decode and ToTensor.
func Prepare(data []byte) (*Tensor, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ToTensor(img)
}
