package testutil

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceive(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)
	ch <- 7
	assert.Equal(t, 7, Receive(t, ch, ShortTestTimeout, "no value"))

	done := make(chan struct{})
	close(done)
	WaitForChannel(t, done, ShortTestTimeout, "closed channel should not block")
}

func TestImages(t *testing.T) {
	t.Parallel()

	img, err := png.Decode(bytes.NewReader(GrayPNG(t, 4, 3, 200)))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	r, _, _, _ := img.At(1, 1).RGBA()
	assert.Equal(t, uint32(200)*0x101, r)

	img, err = png.Decode(bytes.NewReader(GradientPNG(t, 16, 8)))
	require.NoError(t, err)
	r, g, _, a := img.At(15, 7).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), a)
}
