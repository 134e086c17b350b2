package imageio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientLevel builds a level whose samples are distinct byte-exact values,
// so an 8-bit roundtrip reproduces them without quantization error.
func gradientLevel(w, h, nch, tw, th int) TIFFLevel {
	spec := NewImageSpec(w, h, nch, TypeUInt8)
	spec.TileWidth = tw
	spec.TileHeight = th
	if tw > 0 {
		spec.TileDepth = 1
	}
	pixels := make([]float32, w*h*nch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < nch; c++ {
				b := (x*7 + y*13 + c*101) % 256
				pixels[(y*w+x)*nch+c] = float32(b) / 255
			}
		}
	}
	return TIFFLevel{Spec: spec, Pixels: pixels}
}

func writeFixture(t *testing.T, name string, subimages ...[]TIFFLevel) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, WriteTIFF(path, subimages...))
	return path
}

func TestTiledRoundtrip(t *testing.T) {
	lvl0 := gradientLevel(64, 64, 3, 32, 32)
	lvl1 := gradientLevel(32, 32, 3, 32, 32)
	path := writeFixture(t, "mipped.tif", []TIFFLevel{lvl0, lvl1})

	in, err := Open(path)
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, 1, in.NumSubimages())
	assert.Equal(t, 2, in.NumMipLevels(0))

	spec, ok := in.SeekSubimage(0, 0)
	require.True(t, ok)
	assert.Equal(t, 64, spec.Width)
	assert.Equal(t, 64, spec.Height)
	assert.Equal(t, 3, spec.NChannels)
	assert.True(t, spec.Tiled())
	assert.Equal(t, 32, spec.TileWidth)

	tile, err := in.ReadTile(32, 32, 0)
	require.NoError(t, err)
	require.Len(t, tile, 32*32*3)
	for _, pt := range [][2]int{{32, 32}, {47, 39}, {63, 63}} {
		x, y := pt[0], pt[1]
		want := lvl0.Pixels[(y*64+x)*3 : (y*64+x)*3+3]
		got := tile[((y-32)*32+(x-32))*3 : ((y-32)*32+(x-32))*3+3]
		assert.Equal(t, want, got, "texel (%d,%d)", x, y)
	}

	spec, ok = in.SeekSubimage(0, 1)
	require.True(t, ok)
	assert.Equal(t, 32, spec.Width)
	tile, err = in.ReadTile(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, lvl1.Pixels[:3], tile[:3])
}

func TestStripedScanlines(t *testing.T) {
	lvl := gradientLevel(16, 8, 1, 0, 0)
	path := writeFixture(t, "striped.tif", []TIFFLevel{lvl})

	in, err := Open(path)
	require.NoError(t, err)
	defer in.Close()

	spec, ok := in.SeekSubimage(0, 0)
	require.True(t, ok)
	assert.False(t, spec.Tiled())

	for _, y := range []int{0, 3, 7} {
		row, err := in.ReadScanline(y, 0)
		require.NoError(t, err)
		assert.Equal(t, lvl.Pixels[y*16:(y+1)*16], row, "row %d", y)
	}
	_, err = in.ReadScanline(8, 0)
	assert.Error(t, err)
}

func TestEdgeTilesArePadded(t *testing.T) {
	// 48x40 with 32x32 tiles leaves partial tiles on the right and bottom.
	lvl := gradientLevel(48, 40, 2, 32, 32)
	path := writeFixture(t, "edges.tif", []TIFFLevel{lvl})

	in, err := Open(path)
	require.NoError(t, err)
	defer in.Close()
	_, ok := in.SeekSubimage(0, 0)
	require.True(t, ok)

	tile, err := in.ReadTile(32, 32, 0)
	require.NoError(t, err)
	require.Len(t, tile, 32*32*2)
	want := lvl.Pixels[(39*48+47)*2 : (39*48+47)*2+2]
	got := tile[((39-32)*32+(47-32))*2 : ((39-32)*32+(47-32))*2+2]
	assert.Equal(t, want, got)
}

func TestSubimagesByPageName(t *testing.T) {
	albedo := gradientLevel(8, 8, 3, 0, 0)
	albedo.Spec.Attribute("PageName", "albedo")
	normal := gradientLevel(8, 8, 3, 0, 0)
	normal.Spec.Attribute("PageName", "normal")
	path := writeFixture(t, "layers.tif", []TIFFLevel{albedo}, []TIFFLevel{normal})

	in, err := Open(path)
	require.NoError(t, err)
	defer in.Close()

	assert.Equal(t, 2, in.NumSubimages())
	assert.Equal(t, 1, in.NumMipLevels(1))

	spec, ok := in.SeekSubimage(1, 0)
	require.True(t, ok)
	assert.Equal(t, "normal", spec.StringAttribute("PageName", ""))

	_, ok = in.SeekSubimage(2, 0)
	assert.False(t, ok)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.tif"))
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.tif")
	require.NoError(t, os.WriteFile(junk, []byte("not a tiff at all"), 0o644))
	_, err = Open(junk)
	assert.Error(t, err)
}
