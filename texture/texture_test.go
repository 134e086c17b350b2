package texture

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoflaresat/texcache/cache"
	"github.com/echoflaresat/texcache/imageio"
)

func newSystem(t *testing.T) *TextureSystem {
	t.Helper()
	ic := cache.Create(false)
	t.Cleanup(func() { cache.Destroy(ic) })
	return NewTextureSystem(ic)
}

func constantLevel(w, h, nch int, value float32) imageio.MemoryLevel {
	spec := imageio.NewImageSpec(w, h, nch, imageio.TypeFloat)
	spec.TileWidth, spec.TileHeight, spec.TileDepth = 16, 16, 1
	pixels := make([]float32, w*h*nch)
	for i := range pixels {
		pixels[i] = value
	}
	return imageio.MemoryLevel{Spec: spec, Pixels: pixels}
}

func registerMemory(t *testing.T, name string, img *imageio.MemoryImage) {
	t.Helper()
	imageio.RegisterMemoryImage(name, img)
	t.Cleanup(func() { imageio.UnregisterMemoryImage(name) })
}

func writeConstantTIFF(t *testing.T, path string, w, h int, value float32) {
	t.Helper()
	spec := imageio.NewImageSpec(w, h, 3, imageio.TypeUInt8)
	spec.TileWidth, spec.TileHeight, spec.TileDepth = 16, 16, 1
	pixels := make([]float32, w*h*3)
	for i := range pixels {
		pixels[i] = value
	}
	require.NoError(t, imageio.WriteTIFF(path, []imageio.TIFFLevel{{Spec: spec, Pixels: pixels}}))
}

func TestConstantImageAllFilters(t *testing.T) {
	ts := newSystem(t)
	registerMemory(t, "const.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{constantLevel(64, 64, 3, 0.25)}},
	})

	for _, interp := range []InterpMode{InterpClosest, InterpBilinear, InterpBicubic} {
		opts := &Options{Interp: interp}
		out := make([]float32, 3)
		err := ts.Texture("const.mem", opts, 0.5, 0.5, 0, 0, 0, 0, 3, out)
		require.NoError(t, err, "interp %d", interp)
		for c := 0; c < 3; c++ {
			assert.InDelta(t, 0.25, out[c], 1e-5, "interp %d channel %d", interp, c)
		}
	}
}

func TestMissingColor(t *testing.T) {
	ts := newSystem(t)

	opts := &Options{MissingColor: []float32{0.2, 0.4}}
	out := make([]float32, 3)
	err := ts.Texture("/no/such/file.tif", opts, 0.5, 0.5, 0, 0, 0, 0, 3, out)
	require.NoError(t, err)
	// Truncated or zero-padded to the request.
	assert.Equal(t, []float32{0.2, 0.4, 0}, out)

	err = ts.Texture("/no/such/file.tif", &Options{}, 0.5, 0.5, 0, 0, 0, 0, 3, out)
	assert.Error(t, err)
}

func TestBlackWrapIsNotFill(t *testing.T) {
	ts := newSystem(t)
	registerMemory(t, "white.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{constantLevel(64, 64, 3, 1)}},
	})

	opts := &Options{Fill: 0.5} // wrap defaults to black on both axes
	out := make([]float32, 3)
	require.NoError(t, ts.Texture("white.mem", opts, 1.5, 0.5, 0, 0, 0, 0, 3, out))
	assert.Equal(t, []float32{0, 0, 0}, out)
}

func TestWrapModes(t *testing.T) {
	ts := newSystem(t)
	// Left half 0, right half 1.
	lvl := constantLevel(64, 64, 1, 0)
	for y := 0; y < 64; y++ {
		for x := 32; x < 64; x++ {
			lvl.Pixels[y*64+x] = 1
		}
	}
	registerMemory(t, "halves.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{lvl}},
	})

	out := make([]float32, 1)

	opts := &Options{SWrap: WrapPeriodic, TWrap: WrapPeriodic}
	require.NoError(t, ts.Texture("halves.mem", opts, 1.25, 0.5, 0, 0, 0, 0, 1, out))
	assert.InDelta(t, 0, out[0], 1e-5, "periodic s=1.25 lands in the left half")

	opts = &Options{SWrap: WrapClamp, TWrap: WrapClamp}
	require.NoError(t, ts.Texture("halves.mem", opts, 1.5, 0.5, 0, 0, 0, 0, 1, out))
	assert.InDelta(t, 1, out[0], 1e-5, "clamp s=1.5 sticks to the right edge")

	opts = &Options{SWrap: WrapMirror, TWrap: WrapMirror}
	require.NoError(t, ts.Texture("halves.mem", opts, -0.25, 0.5, 0, 0, 0, 0, 1, out))
	assert.InDelta(t, 0, out[0], 1e-5, "mirror s=-0.25 reflects into the left half")
}

// twoLevelPyramid has level 0 constant 0 and level 1 constant 1, so the
// result reads off how much each level contributed.
func twoLevelPyramid(t *testing.T, name string) {
	t.Helper()
	registerMemory(t, name, &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{
			constantLevel(64, 64, 1, 0),
			constantLevel(32, 32, 1, 1),
		}},
	})
}

func TestMipModes(t *testing.T) {
	ts := newSystem(t)
	twoLevelPyramid(t, "pyr.mem")

	// Footprint of sqrt(2) texels puts the level of detail halfway between
	// levels 0 and 1.
	d := 1.4142135 / 64
	out := make([]float32, 1)

	lookup := func(mode MipMode) float32 {
		opts := &Options{Mip: mode}
		require.NoError(t, ts.Texture("pyr.mem", opts, 0.5, 0.5, d, 0, 0, d, 1, out))
		return out[0]
	}

	assert.InDelta(t, 0, lookup(MipNoMip), 1e-5)
	assert.InDelta(t, 1, lookup(MipOneLevel), 1e-5)
	assert.InDelta(t, 0.5, lookup(MipTrilinear), 0.01)
	assert.InDelta(t, 0.5, lookup(MipAniso), 0.01, "isotropic aniso degenerates to trilinear")

	// Stochastic picks one level or the other, never a blend.
	got := lookup(MipStochasticTrilinear)
	assert.True(t, got == 0 || got == 1, "got %g", got)
}

func TestStochasticIsReproducible(t *testing.T) {
	ts := newSystem(t)
	twoLevelPyramid(t, "sto.mem")

	d := 1.4142135 / 64
	sample := func(seed uint32, s, t64 float64) float32 {
		opts := &Options{Mip: MipStochasticTrilinear, RandSeed: seed}
		out := make([]float32, 1)
		require.NoError(t, ts.Texture("sto.mem", opts, s, t64, d, 0, 0, d, 1, out))
		return out[0]
	}

	var zeros, ones int
	for i := 0; i < 64; i++ {
		s := 0.1 + float64(i)*0.01
		first := sample(7, s, 0.4)
		assert.Equal(t, first, sample(7, s, 0.4), "same seed and position")
		if first == 0 {
			zeros++
		} else {
			ones++
		}
	}
	// A halfway LOD should dither between the two levels, not collapse.
	assert.Greater(t, zeros, 8)
	assert.Greater(t, ones, 8)
}

func TestAnisotropicProbesStayOnLevel(t *testing.T) {
	ts := newSystem(t)
	twoLevelPyramid(t, "ani.mem")

	// Minor axis under one texel, major axis eight texels: the lookup stays
	// on level 0 but spreads probes along s.
	opts := &Options{Mip: MipAniso}
	out := make([]float32, 1)
	require.NoError(t, ts.Texture("ani.mem", opts, 0.5, 0.5, 8.0/64, 0, 0, 0.5/64, 1, out))
	assert.InDelta(t, 0, out[0], 1e-5)
}

func TestChannelFillAndShift(t *testing.T) {
	ts := newSystem(t)
	lvl := constantLevel(16, 16, 2, 0)
	for i := 0; i < len(lvl.Pixels); i += 2 {
		lvl.Pixels[i] = 0.25
		lvl.Pixels[i+1] = 0.75
	}
	registerMemory(t, "twoch.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{lvl}},
	})

	opts := &Options{Fill: 0.9}
	out := make([]float32, 4)
	require.NoError(t, ts.Texture("twoch.mem", opts, 0.5, 0.5, 0, 0, 0, 0, 4, out))
	assert.InDelta(t, 0.25, out[0], 1e-5)
	assert.InDelta(t, 0.75, out[1], 1e-5)
	assert.Equal(t, float32(0.9), out[2])
	assert.Equal(t, float32(0.9), out[3])

	opts = &Options{Fill: 0.9, FirstChannel: 1}
	out = make([]float32, 2)
	require.NoError(t, ts.Texture("twoch.mem", opts, 0.5, 0.5, 0, 0, 0, 0, 2, out))
	assert.InDelta(t, 0.75, out[0], 1e-5)
	assert.Equal(t, float32(0.9), out[1])
}

func TestNamedSubimageMissIsAnError(t *testing.T) {
	ts := newSystem(t)
	registerMemory(t, "plain.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{constantLevel(16, 16, 3, 0.5)}},
	})

	// Even with a missing color configured, a bad subimage name fails.
	opts := &Options{SubimageName: "no_such_layer", MissingColor: []float32{1, 0, 0}}
	out := make([]float32, 3)
	err := ts.Texture("plain.mem", opts, 0.5, 0.5, 0, 0, 0, 0, 3, out)
	assert.Error(t, err)
}

func TestUDIMLookup(t *testing.T) {
	ts := newSystem(t)
	dir := t.TempDir()
	writeConstantTIFF(t, filepath.Join(dir, "tex.1001.tif"), 32, 32, 0)
	writeConstantTIFF(t, filepath.Join(dir, "tex.1002.tif"), 32, 32, 1)
	tmpl := filepath.Join(dir, "tex.<UDIM>.tif")

	out := make([]float32, 3)
	require.NoError(t, ts.Texture(tmpl, nil, 0.5, 0.5, 0, 0, 0, 0, 3, out))
	assert.InDelta(t, 0, out[0], 1e-5)

	require.NoError(t, ts.Texture(tmpl, nil, 1.5, 0.5, 0, 0, 0, 0, 3, out))
	assert.InDelta(t, 1, out[0], 1e-5)

	// A hole in the grid follows the missing-texture rules.
	opts := &Options{MissingColor: []float32{0.5, 0.5, 0.5}}
	require.NoError(t, ts.Texture(tmpl, opts, 2.5, 0.5, 0, 0, 0, 0, 3, out))
	assert.Equal(t, float32(0.5), out[0])
	err := ts.Texture(tmpl, &Options{}, 2.5, 0.5, 0, 0, 0, 0, 3, out)
	assert.Error(t, err)
}

func TestGetTextureInfo(t *testing.T) {
	ts := newSystem(t)
	dir := t.TempDir()
	writeConstantTIFF(t, filepath.Join(dir, "tex.1001.tif"), 32, 16, 0.5)
	writeConstantTIFF(t, filepath.Join(dir, "tex.1002.tif"), 64, 64, 0.5)

	v, err := ts.GetTextureInfo(filepath.Join(dir, "tex.<UDIM>.tif"), "resolution")
	require.NoError(t, err)
	assert.Equal(t, [2]int{32, 16}, v, "metadata comes from the first tile")

	v, err = ts.GetTextureInfo(filepath.Join(dir, "tex.1002.tif"), "channels")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = ts.GetTextureInfo(filepath.Join(dir, "tex.<uvtile>.tif"), "resolution")
	assert.Error(t, err, "no files match the lowercase grammar")
}

func TestTexture3DVolume(t *testing.T) {
	ts := newSystem(t)
	// An 8-cube whose value is the voxel-center r coordinate.
	spec := imageio.NewImageSpec(8, 8, 1, imageio.TypeFloat)
	spec.Depth = 8
	pixels := make([]float32, 8*8*8)
	for z := 0; z < 8; z++ {
		v := (float32(z) + 0.5) / 8
		for i := 0; i < 64; i++ {
			pixels[z*64+i] = v
		}
	}
	registerMemory(t, "vol.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{{Spec: spec, Pixels: pixels}}},
	})

	out := make([]float32, 1)
	err := ts.Texture3D("vol.mem", nil, [3]float64{0.5, 0.5, 0.5}, [3]float64{}, [3]float64{}, 1, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0], 1e-5)

	err = ts.Texture3D("vol.mem", nil, [3]float64{0.5, 0.5, 0.25}, [3]float64{}, [3]float64{}, 1, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, out[0], 1e-4)
}

func TestEnvironmentLatLong(t *testing.T) {
	ts := newSystem(t)
	// Value encodes the s coordinate of each texel center.
	lvl := constantLevel(64, 32, 1, 0)
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			lvl.Pixels[y*64+x] = (float32(x) + 0.5) / 64
		}
	}
	registerMemory(t, "env.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{lvl}},
	})

	out := make([]float32, 1)
	eps := [3]float64{0, 1e-4, 0}
	err := ts.Environment("env.mem", nil, [3]float64{1, 0, 0}, eps, [3]float64{0, 0, 1e-4}, 1, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0], 0.01, "+X looks at the middle of the map")

	err = ts.Environment("env.mem", nil, [3]float64{0, 1, 0}, eps, [3]float64{0, 0, 1e-4}, 1, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, out[0], 0.01, "+Y is a quarter turn east")
}
