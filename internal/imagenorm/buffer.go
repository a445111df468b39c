// Package imagenorm turns arbitrary source images into the fixed-size,
// 4-channel 8-bit pixel buffers the classifier consumes.
package imagenorm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/tphakala/rxclassify/internal/errors"
)

// Channels is the number of 8-bit channels per pixel in a Buffer.
const Channels = 4

// ErrConversionFailed is matched by every normalization failure.
var ErrConversionFailed = errors.NewStd("image conversion failed")

// Layout names the channel order of a Buffer.
type Layout string

const (
	LayoutRGBA Layout = "RGBA"
	LayoutBGRA Layout = "BGRA"
)

// ParseLayout accepts "RGBA" or "BGRA".
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case LayoutRGBA, LayoutBGRA:
		return Layout(s), nil
	default:
		return "", fmt.Errorf("unsupported pixel layout %q", s)
	}
}

// Buffer is a normalized image: Width*Height pixels, row-major, no row
// padding, Channels bytes per pixel in Layout order.
type Buffer struct {
	Width  int
	Height int
	Layout Layout
	Pix    []uint8
}

// Stride returns the number of bytes per row.
func (b *Buffer) Stride() int {
	return b.Width * Channels
}

// Validate checks that the dimensions and pixel slice agree.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("nil buffer")
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid buffer size %dx%d", b.Width, b.Height)
	}
	if _, err := ParseLayout(string(b.Layout)); err != nil {
		return err
	}
	if want := b.Width * b.Height * Channels; len(b.Pix) != want {
		return fmt.Errorf("buffer holds %d bytes, want %d", len(b.Pix), want)
	}
	return nil
}

// RGBA returns the channels of pixel (x, y) in RGBA order regardless of Layout.
func (b *Buffer) RGBA(x, y int) (r, g, bl, a uint8) {
	i := y*b.Stride() + x*Channels
	p := b.Pix[i : i+Channels : i+Channels]
	if b.Layout == LayoutBGRA {
		return p[2], p[1], p[0], p[3]
	}
	return p[0], p[1], p[2], p[3]
}

// Digest returns a hex SHA-256 over the layout, dimensions and pixels.
func (b *Buffer) Digest() string {
	h := sha256.New()
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[:4], uint32(b.Width))
	binary.LittleEndian.PutUint32(dims[4:], uint32(b.Height))
	h.Write([]byte(b.Layout))
	h.Write(dims[:])
	h.Write(b.Pix)
	return hex.EncodeToString(h.Sum(nil))
}
