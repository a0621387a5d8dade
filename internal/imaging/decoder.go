// Package imaging turns compressed face images into the planar float tensors
// the classification network consumes.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/example/face-service/internal/tensor"
)

// ErrDecode matches every DecodeError with errors.Is.
var ErrDecode = errors.New("image decode failed")

// DecodeError reports a malformed, truncated or unsupported image stream.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode image: %s: %v", e.Reason, e.Err)
	}
	return "decode image: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Option configures a Decoder.
type Option func(*Decoder)

// WithTargetSize resizes images whose stream geometry differs from width x height.
// Zero values disable resizing, which is the default: the network then sees
// the exact geometry of the stream.
func WithTargetSize(width, height int) Option {
	return func(d *Decoder) {
		if width > 0 && height > 0 {
			d.targetWidth = width
			d.targetHeight = height
		}
	}
}

// Decoder decodes JPEG streams. It is safe for concurrent use.
type Decoder struct {
	targetWidth  int
	targetHeight int
	scanlines    sync.Pool
}

// NewDecoder builds a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		scanlines: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 0, 3*256)
				return &buf
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads a JPEG stream into a (1, components, height, width) tensor of
// raw 0-255 samples, channel-reversed and vertically flipped.
func (d *Decoder) Decode(data []byte) (*tensor.Tensor, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Reason: "read header", Err: err}
	}
	components, err := headerComponents(cfg.ColorModel)
	if err != nil {
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Reason: "read scanlines", Err: err}
	}
	if d.needsResize(img) {
		img = d.resample(img)
	} else if b := img.Bounds(); b.Dx() != cfg.Width || b.Dy() != cfg.Height {
		return nil, &DecodeError{Reason: fmt.Sprintf("header declares %dx%d, stream holds %dx%d", cfg.Width, cfg.Height, b.Dx(), b.Dy())}
	}

	src := newScanlines(img)
	if src.layout.Components != components {
		return nil, &DecodeError{Reason: fmt.Sprintf("header declares %d components, stream holds %d", components, src.layout.Components)}
	}
	return d.planar(src), nil
}

// DecodeLayout reads only the stream header.
func DecodeLayout(data []byte) (Layout, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Layout{}, &DecodeError{Reason: "read header", Err: err}
	}
	components, err := headerComponents(cfg.ColorModel)
	if err != nil {
		return Layout{}, err
	}
	return Layout{Width: cfg.Width, Height: cfg.Height, Components: components}, nil
}

func (d *Decoder) planar(src *scanlines) *tensor.Tensor {
	l := src.layout
	out := tensor.New(tensor.Shape{N: 1, C: l.Components, H: l.Height, W: l.Width})

	bufp := d.scanline(l.ScanlineLen())
	defer d.scanlines.Put(bufp)
	line := *bufp

	for y := 0; y < l.Height; y++ {
		src.read(y, line)
		for comp := 0; comp < l.Components; comp++ {
			for col := 0; col < l.Width; col++ {
				out.Data[l.DestIndex(comp, y, col)] = float32(line[l.SourceOffset(col, comp)])
			}
		}
	}
	return out
}

func (d *Decoder) scanline(n int) *[]byte {
	bufp := d.scanlines.Get().(*[]byte)
	if cap(*bufp) < n {
		*bufp = make([]byte, n)
	}
	*bufp = (*bufp)[:n]
	return bufp
}

func (d *Decoder) resizing() bool {
	return d.targetWidth > 0 && d.targetHeight > 0
}

func (d *Decoder) needsResize(img image.Image) bool {
	if !d.resizing() {
		return false
	}
	b := img.Bounds()
	return b.Dx() != d.targetWidth || b.Dy() != d.targetHeight
}

// resample scales img to the target size and keeps its component count:
// gray stays gray, CMYK keeps four planes, everything else becomes RGB.
func (d *Decoder) resample(img image.Image) image.Image {
	w, h := d.targetWidth, d.targetHeight
	switch m := img.(type) {
	case *image.Gray:
		return resize.Resize(uint(w), uint(h), m, resize.Bilinear)
	case *image.CMYK:
		return resizeCMYK(m, w, h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// resizeCMYK scales each ink plane on its own so no plane goes through RGB.
func resizeCMYK(m *image.CMYK, w, h int) *image.CMYK {
	b := m.Bounds()
	out := image.NewCMYK(image.Rect(0, 0, w, h))
	plane := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for c := 0; c < 4; c++ {
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[m.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				plane.Pix[y*plane.Stride+x] = row[x*4+c]
			}
		}
		scaled := resize.Resize(uint(w), uint(h), plane, resize.Bilinear)
		sb := scaled.Bounds()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := color.GrayModel.Convert(scaled.At(sb.Min.X+x, sb.Min.Y+y)).(color.Gray)
				out.Pix[y*out.Stride+x*4+c] = v.Y
			}
		}
	}
	return out
}

func headerComponents(model color.Model) (int, error) {
	switch model {
	case color.GrayModel:
		return 1, nil
	case color.YCbCrModel:
		return 3, nil
	case color.CMYKModel:
		return 4, nil
	}
	return 0, &DecodeError{Reason: "unsupported color model"}
}

// scanlines exposes an image as top-to-bottom rows of interleaved 8-bit
// components, the order a JPEG decompressor emits them in.
type scanlines struct {
	pix    []uint8
	stride int
	step   int
	layout Layout
}

func newScanlines(img image.Image) *scanlines {
	b := img.Bounds()
	layout := Layout{Width: b.Dx(), Height: b.Dy()}

	switch m := img.(type) {
	case *image.Gray:
		layout.Components = 1
		return &scanlines{pix: m.Pix[m.PixOffset(b.Min.X, b.Min.Y):], stride: m.Stride, step: 1, layout: layout}
	case *image.CMYK:
		layout.Components = 4
		return &scanlines{pix: m.Pix[m.PixOffset(b.Min.X, b.Min.Y):], stride: m.Stride, step: 4, layout: layout}
	case *image.RGBA:
		layout.Components = 3
		return &scanlines{pix: m.Pix[m.PixOffset(b.Min.X, b.Min.Y):], stride: m.Stride, step: 4, layout: layout}
	}

	rgba := image.NewRGBA(image.Rect(0, 0, layout.Width, layout.Height))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	layout.Components = 3
	return &scanlines{pix: rgba.Pix, stride: rgba.Stride, step: 4, layout: layout}
}

func (s *scanlines) read(y int, dst []byte) {
	row := s.pix[y*s.stride:]
	c := s.layout.Components
	for x := 0; x < s.layout.Width; x++ {
		copy(dst[x*c:(x+1)*c], row[x*s.step:x*s.step+c])
	}
}
