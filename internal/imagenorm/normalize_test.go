package imagenorm

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// bandedImage paints the outer quarters along the long axis blue and red
// and everything in between green.
func bandedImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			pos, length := x, w
			if h > w {
				pos, length = y, h
			}
			switch {
			case pos < length/4:
				img.SetNRGBA(x, y, blue)
			case pos >= length*3/4:
				img.SetNRGBA(x, y, red)
			default:
				img.SetNRGBA(x, y, green)
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newNormalizer(t *testing.T, opts ...Option) *Normalizer {
	t.Helper()
	n, err := New(opts...)
	require.NoError(t, err)
	return n
}

type panickingImage struct{}

func (panickingImage) ColorModel() color.Model { return color.NRGBAModel }
func (panickingImage) Bounds() image.Rectangle { return image.Rect(0, 0, 10, 10) }
func (panickingImage) At(int, int) color.Color { panic("pixel store unavailable") }

func TestNormalizeSquareSource(t *testing.T) {
	t.Parallel()

	buf, err := newNormalizer(t).Normalize(solidImage(512, 512, red))
	require.NoError(t, err)
	require.NoError(t, buf.Validate())

	assert.Equal(t, 224, buf.Width)
	assert.Equal(t, 224, buf.Height)
	assert.Len(t, buf.Pix, 224*224*Channels)
	assert.Equal(t, 224*Channels, buf.Stride())

	for _, p := range [][2]int{{0, 0}, {223, 223}, {112, 50}} {
		r, g, b, a := buf.RGBA(p[0], p[1])
		assert.Equal(t, [4]uint8{255, 0, 0, 255}, [4]uint8{r, g, b, a}, "pixel %v", p)
	}
}

func TestNormalizeCropsCenterOfLandscapeAndPortrait(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t)
	for _, size := range [][2]int{{1000, 500}, {400, 1200}} {
		buf, err := n.Normalize(bandedImage(size[0], size[1]))
		require.NoError(t, err, "size %v", size)

		for _, p := range [][2]int{{0, 0}, {223, 0}, {0, 223}, {223, 223}, {112, 112}} {
			r, g, b, _ := buf.RGBA(p[0], p[1])
			assert.Equal(t, [3]uint8{0, 255, 0}, [3]uint8{r, g, b}, "size %v pixel %v", size, p)
		}
	}
}

func TestNormalizeTinyAndNonSquareOutput(t *testing.T) {
	t.Parallel()

	buf, err := newNormalizer(t).Normalize(solidImage(1, 1, blue))
	require.NoError(t, err)
	assert.Equal(t, 224, buf.Width)
	r, g, b, a := buf.RGBA(100, 100)
	assert.Equal(t, [4]uint8{0, 0, 255, 255}, [4]uint8{r, g, b, a})

	wide := newNormalizer(t, WithSize(300, 200))
	buf, err = wide.Normalize(solidImage(640, 480, green))
	require.NoError(t, err)
	assert.Equal(t, 300, buf.Width)
	assert.Equal(t, 200, buf.Height)
	assert.Len(t, buf.Pix, 300*200*Channels)
}

func TestNormalizeBGRALayout(t *testing.T) {
	t.Parallel()

	buf, err := newNormalizer(t, WithLayout("BGRA")).Normalize(solidImage(64, 64, red))
	require.NoError(t, err)

	assert.Equal(t, LayoutBGRA, buf.Layout)
	assert.Equal(t, []uint8{0, 0, 255, 255}, buf.Pix[:4])
	r, g, b, a := buf.RGBA(0, 0)
	assert.Equal(t, [4]uint8{255, 0, 0, 255}, [4]uint8{r, g, b, a})
}

func TestNormalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t)
	img := bandedImage(333, 777)

	first, err := n.Normalize(img)
	require.NoError(t, err)
	second, err := n.Normalize(img)
	require.NoError(t, err)

	assert.Equal(t, first.Digest(), second.Digest())
	assert.Equal(t, first.Pix, second.Pix)
}

func TestNormalizeFailures(t *testing.T) {
	t.Parallel()

	n := newNormalizer(t)
	tests := []struct {
		name string
		img  image.Image
	}{
		{"nil image", nil},
		{"zero size", image.NewNRGBA(image.Rect(0, 0, 0, 0))},
		{"zero width", image.NewNRGBA(image.Rect(0, 0, 0, 10))},
		{"panicking pixels", panickingImage{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf, err := n.Normalize(tt.img)
			require.Error(t, err)
			assert.Nil(t, buf, "no partial buffer on failure")
			assert.ErrorIs(t, err, ErrConversionFailed)
		})
	}
}

func TestNormalizeSource(t *testing.T) {
	t.Parallel()

	pngData := encodePNG(t, solidImage(320, 240, green))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scans/rx.png", pngData, 0o644))

	tests := []struct {
		name    string
		src     Source
		opts    []Option
		wantErr bool
	}{
		{name: "png bytes", src: FromBytes(pngData)},
		{name: "png reader", src: FromReader(bytes.NewReader(pngData))},
		{name: "decoded image", src: FromImage(solidImage(10, 10, green))},
		{name: "file", src: FromFile(fs, "/scans/rx.png")},
		{name: "missing file", src: FromFile(fs, "/scans/absent.png"), wantErr: true},
		{name: "corrupted bytes", src: FromBytes([]byte("definitely not an image")), wantErr: true},
		{name: "truncated png", src: FromBytes(pngData[:len(pngData)/2]), wantErr: true},
		{name: "empty", src: FromBytes(nil), wantErr: true},
		{name: "nil source", src: nil, wantErr: true},
		{
			name:    "too many pixels",
			src:     FromBytes(pngData),
			opts:    []Option{WithLimits(Limits{MaxBytes: 1 << 20, MaxPixels: 1000})},
			wantErr: true,
		},
		{
			name:    "too many bytes",
			src:     FromBytes(pngData),
			opts:    []Option{WithLimits(Limits{MaxBytes: 16, MaxPixels: 1 << 30})},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf, err := newNormalizer(t, tt.opts...).NormalizeSource(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConversionFailed)
				assert.Nil(t, buf)
				return
			}
			require.NoError(t, err)
			r, g, b, _ := buf.RGBA(0, 0)
			assert.Equal(t, [3]uint8{0, 255, 0}, [3]uint8{r, g, b})
		})
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	for name, opt := range map[string]Option{
		"filter": WithFilter("bicubic-ish"),
		"layout": WithLayout("ARGB"),
		"size":   WithSize(0, 224),
		"limits": WithLimits(Limits{}),
	} {
		_, err := New(opt)
		assert.Error(t, err, name)
	}
}

func TestCropSize(t *testing.T) {
	t.Parallel()

	square := &Normalizer{width: 224, height: 224}
	wide := &Normalizer{width: 300, height: 200}

	tests := []struct {
		n          *Normalizer
		srcW, srcH int
		wantW      int
		wantH      int
	}{
		{square, 1000, 500, 500, 500},
		{square, 400, 1200, 400, 400},
		{square, 50, 50, 50, 50},
		{square, 1000, 1, 1, 1},
		{wide, 600, 600, 600, 400},
		{wide, 900, 200, 300, 200},
	}
	for _, tt := range tests {
		w, h := tt.n.cropSize(tt.srcW, tt.srcH)
		assert.Equal(t, [2]int{tt.wantW, tt.wantH}, [2]int{w, h}, "%dx%d", tt.srcW, tt.srcH)
	}
}

func TestBufferValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, (*Buffer)(nil).Validate())
	assert.Error(t, (&Buffer{Width: 2, Height: 2, Layout: LayoutRGBA, Pix: make([]uint8, 15)}).Validate())
	assert.Error(t, (&Buffer{Width: 2, Height: 2, Layout: "XRGB", Pix: make([]uint8, 16)}).Validate())
	assert.NoError(t, (&Buffer{Width: 2, Height: 2, Layout: LayoutRGBA, Pix: make([]uint8, 16)}).Validate())
}
