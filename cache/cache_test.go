package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoflaresat/texcache/imageio"
)

// gradientPixels fills a level with distinct byte-exact values so disk
// roundtrips and cache assembly can be compared exactly.
func gradientPixels(w, h, nch int) []float32 {
	pixels := make([]float32, w*h*nch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < nch; c++ {
				b := (x*7 + y*13 + c*101) % 256
				pixels[(y*w+x)*nch+c] = float32(b) / 255
			}
		}
	}
	return pixels
}

func tiledMemoryImage(w, h, nch, tw, th int) *imageio.MemoryImage {
	spec := imageio.NewImageSpec(w, h, nch, imageio.TypeFloat)
	spec.TileWidth = tw
	spec.TileHeight = th
	spec.TileDepth = 1
	return &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{{Spec: spec, Pixels: gradientPixels(w, h, nch)}}},
	}
}

func registerMemory(t *testing.T, name string, img *imageio.MemoryImage) {
	t.Helper()
	imageio.RegisterMemoryImage(name, img)
	t.Cleanup(func() { imageio.UnregisterMemoryImage(name) })
}

func writeTiledTIFF(t *testing.T, dir, name string, w, h, nch, tw, th int) (string, []float32) {
	t.Helper()
	spec := imageio.NewImageSpec(w, h, nch, imageio.TypeUInt8)
	spec.TileWidth = tw
	spec.TileHeight = th
	spec.TileDepth = 1
	pixels := gradientPixels(w, h, nch)
	path := filepath.Join(dir, name)
	require.NoError(t, imageio.WriteTIFF(path, []imageio.TIFFLevel{{Spec: spec, Pixels: pixels}}))
	return path, pixels
}

func TestGetPixelsAssemblesAcrossTiles(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	path, pixels := writeTiledTIFF(t, t.TempDir(), "grad.tif", 64, 64, 3, 16, 16)

	// The region straddles tile boundaries in both directions.
	roi := imageio.ROI{XBegin: 10, XEnd: 50, YBegin: 12, YEnd: 40, ZBegin: 0, ZEnd: 1, ChBegin: 0, ChEnd: 3}
	dst := make([]float32, roi.NPixels()*roi.NChannels())
	require.NoError(t, c.GetPixels(path, 0, 0, roi, dst))

	for _, pt := range [][2]int{{10, 12}, {31, 31}, {32, 32}, {49, 39}} {
		x, y := pt[0], pt[1]
		d := ((y-12)*40 + (x - 10)) * 3
		s := (y*64 + x) * 3
		assert.Equal(t, pixels[s:s+3], dst[d:d+3], "pixel (%d,%d)", x, y)
	}
}

func TestGetPixelsChannelSubset(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	registerMemory(t, "chans.mem", tiledMemoryImage(32, 32, 4, 16, 16))

	roi := imageio.ROI{XBegin: 0, XEnd: 4, YBegin: 0, YEnd: 1, ZBegin: 0, ZEnd: 1, ChBegin: 1, ChEnd: 3}
	dst := make([]float32, roi.NPixels()*roi.NChannels())
	require.NoError(t, c.GetPixels("chans.mem", 0, 0, roi, dst))

	all := gradientPixels(32, 32, 4)
	for x := 0; x < 4; x++ {
		assert.Equal(t, all[x*4+1:x*4+3], dst[x*2:x*2+2], "pixel %d", x)
	}
}

func TestGetPixelsRejectsOutOfRange(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	registerMemory(t, "small.mem", tiledMemoryImage(16, 16, 3, 16, 16))

	roi := imageio.ROI{XBegin: 0, XEnd: 32, YBegin: 0, YEnd: 16, ZBegin: 0, ZEnd: 1, ChBegin: 0, ChEnd: 3}
	dst := make([]float32, roi.NPixels()*roi.NChannels())
	err := c.GetPixels("small.mem", 0, 0, roi, dst)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotEmpty(t, c.GetError())
	assert.Empty(t, c.GetError(), "GetError clears the stored message")
}

func TestConcurrentGetTileDecodesOnce(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	img := tiledMemoryImage(64, 64, 3, 32, 32)
	var reads atomic.Int64
	img.ReadCount = func() { reads.Add(1) }
	registerMemory(t, "conc.mem", img)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tile, err := c.GetTile("conc.mem", 0, 0, 5, 5, 0)
			if assert.NoError(t, err) {
				assert.Equal(t, 0, tile.XBegin)
				assert.Len(t, tile.Pixels(), 32*32*3)
				tile.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), reads.Load())
	assert.Equal(t, int64(1), c.TileCount())
}

func TestMemoryBudgetEviction(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	// 16 tiles of 64KB each against a 256KB budget.
	c.Attribute("max_memory_MB", 0.25)
	registerMemory(t, "big.mem", tiledMemoryImage(256, 256, 4, 64, 64))

	budget := int64(0.25 * 1024 * 1024)
	for ty := 0; ty < 4; ty++ {
		for tx := 0; tx < 4; tx++ {
			tile, err := c.GetTile("big.mem", 0, 0, tx*64, ty*64, 0)
			require.NoError(t, err)
			tile.Release()
			assert.LessOrEqual(t, c.CurrentMemory(), budget)
		}
	}
}

func TestPinnedTilesOvershootThenRecover(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	c.Attribute("max_memory_MB", 0.25)
	registerMemory(t, "pin.mem", tiledMemoryImage(256, 256, 4, 64, 64))

	budget := int64(0.25 * 1024 * 1024)
	var pinned []*Tile
	for ty := 0; ty < 4; ty++ {
		for tx := 0; tx < 4; tx++ {
			tile, err := c.GetTile("pin.mem", 0, 0, tx*64, ty*64, 0)
			require.NoError(t, err)
			pinned = append(pinned, tile)
		}
	}
	// All 16 tiles are borrowed, so none can be evicted.
	assert.Greater(t, c.CurrentMemory(), budget)

	for _, tile := range pinned {
		tile.Release()
	}
	// The next insert brings usage back under the budget.
	registerMemory(t, "pin2.mem", tiledMemoryImage(64, 64, 4, 64, 64))
	tile, err := c.GetTile("pin2.mem", 0, 0, 0, 0, 0)
	require.NoError(t, err)
	tile.Release()
	assert.LessOrEqual(t, c.CurrentMemory(), budget)
}

func TestMaxOpenFilesBound(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	c.Attribute("max_open_files", 2)

	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		path, _ := writeTiledTIFF(t, dir, fmt.Sprintf("f%d.tif", i), 32, 32, 3, 16, 16)
		paths = append(paths, path)
	}
	for _, path := range paths {
		tile, err := c.GetTile(path, 0, 0, 0, 0, 0)
		require.NoError(t, err)
		tile.Release()
		assert.LessOrEqual(t, c.OpenFileCount(), 2)
	}
	assert.Equal(t, 2, c.OpenFileCount())
}

func TestInvalidateRereadsChangedFile(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	dir := t.TempDir()
	path, _ := writeTiledTIFF(t, dir, "mut.tif", 16, 16, 3, 16, 16)

	tile, err := c.GetTile(path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	before := tile.Pixels()[0]
	tile.Release()

	// Rewrite the file with every sample forced to 1.0.
	spec := imageio.NewImageSpec(16, 16, 3, imageio.TypeUInt8)
	spec.TileWidth, spec.TileHeight, spec.TileDepth = 16, 16, 1
	ones := make([]float32, 16*16*3)
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, imageio.WriteTIFF(path, []imageio.TIFFLevel{{Spec: spec, Pixels: ones}}))

	// Still served from cache until invalidated.
	tile, err = c.GetTile(path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, before, tile.Pixels()[0])
	tile.Release()

	c.Invalidate(path)
	tile, err = c.GetTile(path, 0, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), tile.Pixels()[0])
	tile.Release()
}

func TestBrokenFileFailsFast(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	img := tiledMemoryImage(32, 32, 3, 32, 32)
	img.FailReads = true
	var reads atomic.Int64
	img.ReadCount = func() { reads.Add(1) }
	registerMemory(t, "bad.mem", img)

	_, err := c.GetTile("bad.mem", 0, 0, 0, 0, 0)
	require.Error(t, err)
	require.Equal(t, int64(1), reads.Load())

	// The broken flag short-circuits further decode attempts.
	_, err = c.GetTile("bad.mem", 0, 0, 0, 0, 0)
	require.ErrorIs(t, err, ErrBroken)
	assert.Equal(t, int64(1), reads.Load())

	// Invalidation gives the file another chance.
	img.FailReads = false
	c.Invalidate("bad.mem")
	tile, err := c.GetTile("bad.mem", 0, 0, 0, 0, 0)
	require.NoError(t, err)
	tile.Release()
	assert.Equal(t, int64(2), reads.Load())
}

func TestErrorReportLimit(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	c.Attribute("max_errors_per_file", 2)
	img := tiledMemoryImage(32, 32, 3, 32, 32)
	img.FailReads = true
	registerMemory(t, "noisy.mem", img)

	for i := 0; i < 5; i++ {
		_, err := c.GetTile("noisy.mem", 0, 0, 0, 0, 0)
		require.Error(t, err)
	}
	// Errors keep returning to callers; only the stored message stops
	// accumulating after the limit.
	assert.NotEmpty(t, c.GetError())
}

func TestAttributes(t *testing.T) {
	c := Create(false)
	defer Destroy(c)

	c.Attribute("max_memory_MB", 64.0)
	v, ok := c.GetAttribute("max_memory_MB")
	require.True(t, ok)
	assert.Equal(t, 64.0, v)

	// Unknown attributes are stored but harmless.
	c.Attribute("plugin_searchpath", "/nowhere")
	v, ok = c.GetAttribute("plugin_searchpath")
	require.True(t, ok)
	assert.Equal(t, "/nowhere", v)

	_, ok = c.GetAttribute("never_set")
	assert.False(t, ok)

	registerMemory(t, "one.mem", tiledMemoryImage(16, 16, 3, 16, 16))
	_, err := c.GetImageSpec("one.mem", 0, 0)
	require.NoError(t, err)
	v, ok = c.GetAttribute("total_files")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSearchPathResolution(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	dir := t.TempDir()
	writeTiledTIFF(t, dir, "findme.tif", 16, 16, 3, 16, 16)
	c.Attribute("searchpath", t.TempDir()+":"+dir)

	spec, err := c.GetImageSpec("findme.tif", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, spec.Width)
	assert.Equal(t, filepath.Join(dir, "findme.tif"), c.ResolveFilename("findme.tif"))
}

func TestClearKeepsStatistics(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	registerMemory(t, "st.mem", tiledMemoryImage(32, 32, 3, 16, 16))

	tile, err := c.GetTile("st.mem", 0, 0, 0, 0, 0)
	require.NoError(t, err)
	tile.Release()
	require.Equal(t, int64(1), c.TileCount())

	c.Clear()
	assert.Equal(t, int64(0), c.TileCount())
	assert.Equal(t, int64(0), c.CurrentMemory())
	assert.Equal(t, 0, c.OpenFileCount())

	report := c.GetStats(2)
	assert.Contains(t, report, "1 misses")
	assert.Contains(t, report, `"st.mem"`)

	c.ResetStats()
	assert.Contains(t, c.GetStats(1), "0 hits, 0 misses")
}

func TestAutomipSynthesizesLevels(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	c.Attribute("automip", true)
	c.Attribute("autotile", 16)
	registerMemory(t, "mip.mem", tiledMemoryImage(64, 64, 3, 16, 16))

	v, err := c.GetImageInfo("mip.mem", 0, 0, "miplevels")
	require.NoError(t, err)
	assert.Equal(t, 7, v) // 64, 32, 16, 8, 4, 2, 1

	spec, err := c.GetImageSpec("mip.mem", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 16, spec.Width)
	assert.Equal(t, 16, spec.Height)

	// A synthesized level decodes through the pyramid below it.
	roi := imageio.ROI{XBegin: 0, XEnd: 16, YBegin: 0, YEnd: 16, ZBegin: 0, ZEnd: 1, ChBegin: 0, ChEnd: 3}
	dst := make([]float32, roi.NPixels()*roi.NChannels())
	require.NoError(t, c.GetPixels("mip.mem", 0, 2, roi, dst))

	_, err = c.GetImageSpec("mip.mem", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutotileShapesScanlineFiles(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	c.Attribute("autotile", 16)

	spec := imageio.NewImageSpec(64, 48, 3, imageio.TypeFloat)
	registerMemory(t, "scan.mem", &imageio.MemoryImage{
		Levels: [][]imageio.MemoryLevel{{{Spec: spec, Pixels: gradientPixels(64, 48, 3)}}},
	})

	tile, err := c.GetTile("scan.mem", 0, 0, 20, 20, 0)
	require.NoError(t, err)
	defer tile.Release()
	assert.Equal(t, 16, tile.Width)
	assert.Equal(t, 16, tile.Height)
	assert.Equal(t, 16, tile.XBegin)
	assert.Equal(t, 16, tile.YBegin)

	all := gradientPixels(64, 48, 3)
	got := tile.Pixels()[((20-16)*16+(20-16))*3:]
	assert.Equal(t, all[(20*64+20)*3:(20*64+20)*3+3], got[:3])
}

func TestSubimageByName(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	dir := t.TempDir()

	mk := func(page string) imageio.TIFFLevel {
		spec := imageio.NewImageSpec(8, 8, 3, imageio.TypeUInt8)
		spec.Attribute("PageName", page)
		return imageio.TIFFLevel{Spec: spec, Pixels: gradientPixels(8, 8, 3)}
	}
	path := filepath.Join(dir, "layers.tif")
	require.NoError(t, imageio.WriteTIFF(path,
		[]imageio.TIFFLevel{mk("albedo")}, []imageio.TIFFLevel{mk("normal")}))

	sub, err := c.SubimageByName(path, "normal")
	require.NoError(t, err)
	assert.Equal(t, 1, sub)

	_, err = c.SubimageByName(path, "roughness")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetImageInfo(t *testing.T) {
	c := Create(false)
	defer Destroy(c)
	registerMemory(t, "info.mem", tiledMemoryImage(64, 32, 3, 16, 16))

	v, err := c.GetImageInfo("info.mem", 0, 0, "exists")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = c.GetImageInfo("missing.mem", 0, 0, "exists")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = c.GetImageInfo("info.mem", 0, 0, "resolution")
	require.NoError(t, err)
	assert.Equal(t, [2]int{64, 32}, v)

	v, err = c.GetImageInfo("info.mem", 0, 0, "channels")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = c.GetImageInfo("info.mem", 0, 0, "texturetype")
	require.NoError(t, err)
	assert.Equal(t, "Plain Image", v)

	_, err = c.GetImageInfo("info.mem", 0, 0, "no_such_attr")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSharedInstance(t *testing.T) {
	a := Create(true)
	b := Create(true)
	assert.Same(t, a, b)
	Destroy(a)

	fresh := Create(true)
	defer Destroy(fresh)
	assert.NotSame(t, a, fresh)
}
