// Package preprocess turns encoded images into normalized NCHW float32
// tensors ready to be fed to a vision model.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color planes in every tensor produced here.
const Channels = 3

// ErrInvalidSize is returned when the requested side length is not positive.
var ErrInvalidSize = errors.New("image size must be positive")

// DecodeError reports image bytes that could not be parsed.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Tensor is a planar float32 buffer with shape [1, 3, size, size].
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Size returns the side length of the square image the tensor encodes.
func (t *Tensor) Size() int {
	return int(t.Shape[3])
}

// Len returns the number of elements in the buffer.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Channel returns the plane for channel c (0 red, 1 green, 2 blue) without
// copying.
func (t *Tensor) Channel(c int) []float32 {
	plane := t.Size() * t.Size()
	return t.Data[c*plane : (c+1)*plane]
}

// At returns the value for channel c at row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	size := t.Size()
	return t.Data[c*size*size+y*size+x]
}

// Prepare decodes encoded, stretches it to size x size with bilinear
// resampling and packs it as normalized RGB planes.
func Prepare(encoded []byte, size int) (*Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, &DecodeError{Size: len(encoded), Err: err}
	}

	return FromImage(img, size)
}

// FromImage is Prepare for an already decoded image.
func FromImage(img image.Image, size int) (*Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, size)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	return &Tensor{
		Data:  pack(resized),
		Shape: []int64{1, Channels, int64(size), int64(size)},
	}, nil
}

// pack lays img out as R, G and B planes, each row-major, with every
// channel byte divided by 255.
func pack(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, Channels*plane)
	red := data[0:plane]
	green := data[plane : 2*plane]
	blue := data[2*plane : 3*plane]

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			red[i] = float32(px.R) / 255.0
			green[i] = float32(px.G) / 255.0
			blue[i] = float32(px.B) / 255.0
			i++
		}
	}
	return data
}
