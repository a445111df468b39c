package imagenorm

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/logger"
)

// DefaultSize is the edge length of the square model input.
const DefaultSize = 224

var filters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// Normalizer center-crops images to the output aspect ratio and scales them
// to the output size. It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	width      int
	height     int
	layout     Layout
	filter     imaging.ResampleFilter
	filterName string
	limits     Limits
}

// Option configures a Normalizer.
type Option func(*Normalizer) error

// WithSize sets the output size.
func WithSize(width, height int) Option {
	return func(n *Normalizer) error {
		if width <= 0 || height <= 0 {
			return fmt.Errorf("invalid output size %dx%d", width, height)
		}
		n.width, n.height = width, height
		return nil
	}
}

// WithLayout sets the output channel order.
func WithLayout(layout string) Option {
	return func(n *Normalizer) error {
		l, err := ParseLayout(layout)
		if err != nil {
			return err
		}
		n.layout = l
		return nil
	}
}

// WithFilter selects the resample filter by name.
func WithFilter(name string) Option {
	return func(n *Normalizer) error {
		f, ok := filters[name]
		if !ok {
			return fmt.Errorf("unknown resample filter %q", name)
		}
		n.filter, n.filterName = f, name
		return nil
	}
}

// WithLimits sets the decode limits used by NormalizeSource.
func WithLimits(limits Limits) Option {
	return func(n *Normalizer) error {
		if limits.MaxBytes <= 0 || limits.MaxPixels <= 0 {
			return fmt.Errorf("decode limits must be positive")
		}
		n.limits = limits
		return nil
	}
}

// New returns a Normalizer producing 224x224 RGBA buffers unless configured otherwise.
func New(opts ...Option) (*Normalizer, error) {
	n := &Normalizer{
		width:      DefaultSize,
		height:     DefaultSize,
		layout:     LayoutRGBA,
		filter:     imaging.Lanczos,
		filterName: "lanczos",
		limits:     DefaultLimits,
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, errors.New(err).
				Component("imagenorm").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	return n, nil
}

// Size returns the output width and height.
func (n *Normalizer) Size() (width, height int) {
	return n.width, n.height
}

// NormalizeSource loads src and normalizes it.
func (n *Normalizer) NormalizeSource(src Source) (*Buffer, error) {
	if src == nil {
		return nil, conversionError(fmt.Errorf("nil source"), nil)
	}
	img, err := src.Load(n.limits)
	if err != nil {
		if errors.Is(err, ErrConversionFailed) {
			return nil, err
		}
		return nil, conversionError(fmt.Errorf("load %s: %w", src, err), nil)
	}
	return n.Normalize(img)
}

// Normalize center-crops img to the output aspect ratio, scales it to the
// output size and re-encodes it as Channels bytes per pixel.
func (n *Normalizer) Normalize(img image.Image) (buf *Buffer, err error) {
	if img == nil {
		return nil, conversionError(fmt.Errorf("nil image"), nil)
	}
	if img.ColorModel() == nil {
		return nil, conversionError(fmt.Errorf("image has no color model"), nil)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, conversionError(fmt.Errorf("image has zero dimensions"), &bounds)
	}

	// Broken image.Image implementations may panic while being read.
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = conversionError(fmt.Errorf("panic reading pixels: %v", r), &bounds)
		}
	}()

	start := time.Now()
	img = materialize(img)
	cropW, cropH := n.cropSize(bounds.Dx(), bounds.Dy())
	cropped := imaging.CropCenter(img, cropW, cropH)
	scaled := imaging.Resize(cropped, n.width, n.height, n.filter)

	if scaled.Rect.Dx() != n.width || scaled.Rect.Dy() != n.height {
		return nil, conversionError(
			fmt.Errorf("scaled to %dx%d, want %dx%d", scaled.Rect.Dx(), scaled.Rect.Dy(), n.width, n.height), &bounds)
	}

	buf = n.encode(scaled)

	GetLogger().Trace("image normalized",
		logger.Int("src_width", bounds.Dx()),
		logger.Int("src_height", bounds.Dy()),
		logger.String("filter", n.filterName),
		logger.Duration("elapsed", time.Since(start)))

	return buf, nil
}

// cropSize returns the largest centered region with the output aspect ratio.
func (n *Normalizer) cropSize(srcW, srcH int) (w, h int) {
	// Compare srcW/srcH with width/height without floating point.
	if srcW*n.height > srcH*n.width {
		w = (srcH*n.width + n.height/2) / n.height
		h = srcH
	} else {
		w = srcW
		h = (srcW*n.height + n.width/2) / n.width
	}
	return max(w, 1), max(h, 1)
}

// materialize copies images of unknown concrete type into an NRGBA on the
// calling goroutine. imaging reads pixels from worker goroutines, where a
// panic in At could not be recovered.
func materialize(img image.Image) image.Image {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64,
		*image.YCbCr, *image.Gray, *image.Gray16, *image.Paletted, *image.CMYK:
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// encode copies an NRGBA image into a tightly packed Buffer in n.layout order.
func (n *Normalizer) encode(src *image.NRGBA) *Buffer {
	buf := &Buffer{
		Width:  n.width,
		Height: n.height,
		Layout: n.layout,
		Pix:    make([]uint8, n.width*n.height*Channels),
	}
	rowBytes := n.width * Channels
	for y := range n.height {
		srcRow := src.Pix[y*src.Stride : y*src.Stride+rowBytes]
		dstRow := buf.Pix[y*rowBytes : (y+1)*rowBytes]
		if n.layout == LayoutRGBA {
			copy(dstRow, srcRow)
			continue
		}
		for i := 0; i < rowBytes; i += Channels {
			dstRow[i] = srcRow[i+2]
			dstRow[i+1] = srcRow[i+1]
			dstRow[i+2] = srcRow[i]
			dstRow[i+3] = srcRow[i+3]
		}
	}
	return buf
}

func conversionError(cause error, bounds *image.Rectangle) error {
	eb := errors.New(fmt.Errorf("%w: %w", ErrConversionFailed, cause)).
		Component("imagenorm").
		Category(errors.CategoryImageConversion)
	if bounds != nil {
		eb = eb.Context("src_width", bounds.Dx()).Context("src_height", bounds.Dy())
	}
	return eb.Build()
}
