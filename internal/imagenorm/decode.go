package imagenorm

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	_ "golang.org/x/image/webp" // registers the WebP decoder

	"github.com/tphakala/rxclassify/internal/errors"
)

// Limits bounds the work done decoding untrusted input.
type Limits struct {
	MaxBytes  int64 // encoded size
	MaxPixels int   // width*height reported by the image header
}

// DefaultLimits allows 32 MiB files up to 50 megapixels.
var DefaultLimits = Limits{MaxBytes: 32 << 20, MaxPixels: 50_000_000}

// Source yields the image to normalize. Decoding happens inside Load so that
// corrupt input fails in the normalizing stage.
type Source interface {
	Load(limits Limits) (image.Image, error)
	String() string
}

// FromImage wraps an already decoded image.
func FromImage(img image.Image) Source { return imageSource{img: img} }

// FromBytes wraps encoded image bytes (JPEG, PNG, GIF, BMP, TIFF or WebP).
func FromBytes(data []byte) Source { return bytesSource{data: data} }

// FromReader wraps a reader of encoded image bytes. It is consumed on Load.
func FromReader(r io.Reader) Source { return readerSource{r: r} }

// FromFile reads an encoded image from fs at Load time.
func FromFile(fs afero.Fs, path string) Source { return fileSource{fs: fs, path: path} }

type imageSource struct{ img image.Image }

func (s imageSource) Load(Limits) (image.Image, error) { return s.img, nil }
func (s imageSource) String() string                   { return "image" }

type bytesSource struct{ data []byte }

func (s bytesSource) Load(limits Limits) (image.Image, error) {
	return Decode(bytes.NewReader(s.data), limits)
}
func (s bytesSource) String() string { return fmt.Sprintf("bytes(%d)", len(s.data)) }

type readerSource struct{ r io.Reader }

func (s readerSource) Load(limits Limits) (image.Image, error) { return Decode(s.r, limits) }
func (s readerSource) String() string                          { return "reader" }

type fileSource struct {
	fs   afero.Fs
	path string
}

func (s fileSource) Load(limits Limits) (image.Image, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("%w: open image: %w", ErrConversionFailed, err)).
			Component("imagenorm").
			Category(errors.CategoryFileIO).
			FileContext(s.path, 0).
			Build()
	}
	defer f.Close()
	return Decode(f, limits)
}

func (s fileSource) String() string { return "file:" + s.path }

// Decode reads at most limits.MaxBytes from r, checks the header dimensions
// against limits.MaxPixels and decodes with EXIF orientation applied.
func Decode(r io.Reader, limits Limits) (image.Image, error) {
	if limits.MaxBytes <= 0 || limits.MaxPixels <= 0 {
		limits = DefaultLimits
	}

	data, err := io.ReadAll(io.LimitReader(r, limits.MaxBytes+1))
	if err != nil {
		return nil, decodeError(fmt.Errorf("read image: %w", err), 0)
	}
	if len(data) == 0 {
		return nil, decodeError(fmt.Errorf("empty image data"), 0)
	}
	if int64(len(data)) > limits.MaxBytes {
		return nil, decodeError(fmt.Errorf("image exceeds %d bytes", limits.MaxBytes), int64(len(data)))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError(fmt.Errorf("read image header: %w", err), int64(len(data)))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, decodeError(fmt.Errorf("%s image has zero dimensions", format), int64(len(data)))
	}
	if cfg.Width > limits.MaxPixels/cfg.Height {
		return nil, decodeError(fmt.Errorf("%s image %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, limits.MaxPixels), int64(len(data)))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, decodeError(fmt.Errorf("decode %s image: %w", format, err), int64(len(data)))
	}
	return img, nil
}

func decodeError(cause error, size int64) error {
	eb := errors.New(fmt.Errorf("%w: %w", ErrConversionFailed, cause)).
		Component("imagenorm").
		Category(errors.CategoryImageDecode)
	if size > 0 {
		eb = eb.Context("size_bytes", size)
	}
	return eb.Build()
}
