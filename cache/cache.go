// Package cache implements a bounded-memory cache of decoded image tiles.
// Large, possibly mipmapped, possibly tiled images are opened lazily through
// the imageio decoder registry; decoded tiles are kept under a byte budget
// with approximate-LRU eviction, and decoder handles under an open-file
// budget. All operations are safe for concurrent use from many goroutines.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/echoflaresat/texcache/imageio"
)

// ErrNotFound reports a file, subimage, or MIP level that does not exist.
var ErrNotFound = errors.New("not found")

// ErrBroken reports a file the cache has marked broken after a failed open
// or decode; further accesses fail fast until the file is invalidated.
var ErrBroken = errors.New("broken file")

const (
	defaultMaxMemoryMB  = 256.0
	defaultMaxOpenFiles = 100
)

// ImageCache is the coordination point: it owns the tile store, the handle
// pool, the file-record table, and the configuration bag.
type ImageCache struct {
	attrMu     sync.RWMutex
	attribs    imageio.ParamValueList
	searchpath []string
	autotile   int
	automip    bool
	maxErrors  int

	store   *tileStore
	handles *handlePool

	filesMu sync.RWMutex
	files   map[string]*fileRecord

	flight singleflight.Group

	errMu   sync.Mutex
	lastErr string

	stats cacheStats
}

var (
	sharedMu       sync.Mutex
	sharedInstance *ImageCache
)

// Create returns an image cache. With shared set, every caller in the
// process gets the same instance until it is destroyed; callers needing
// isolation pass false and own the returned cache.
func Create(shared bool) *ImageCache {
	if !shared {
		return newImageCache()
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedInstance == nil {
		sharedInstance = newImageCache()
	}
	return sharedInstance
}

// Destroy drops all cached data and handles. Destroying the shared instance
// detaches it, so the next Create(true) builds a fresh one.
func Destroy(c *ImageCache) {
	c.Clear()
	sharedMu.Lock()
	if c == sharedInstance {
		sharedInstance = nil
	}
	sharedMu.Unlock()
}

func newImageCache() *ImageCache {
	c := &ImageCache{
		files:     make(map[string]*fileRecord),
		maxErrors: 100,
	}
	c.store = newTileStore(int64(defaultMaxMemoryMB * 1024 * 1024))
	c.handles = newHandlePool(defaultMaxOpenFiles, func(string) {
		c.stats.filesOpened.Add(1)
	})
	return c
}

// Attribute sets a configuration option. Recognized names: max_memory_MB
// (float), max_open_files (int), autotile (int tile size for scanline
// images), automip (bool), searchpath (colon/semicolon separated),
// max_errors_per_file (int). Unknown names are accepted and stored but have
// no effect.
func (c *ImageCache) Attribute(name string, value any) {
	c.attrMu.Lock()
	c.attribs.Set(name, value)
	switch name {
	case "max_memory_MB":
		mb := c.attribs.GetFloat(name, defaultMaxMemoryMB)
		if mb <= 0 {
			mb = defaultMaxMemoryMB
		}
		c.attrMu.Unlock()
		c.store.setBudget(int64(mb * 1024 * 1024))
		return
	case "max_open_files":
		n := c.attribs.GetInt(name, defaultMaxOpenFiles)
		c.attrMu.Unlock()
		c.handles.resize(n)
		return
	case "autotile":
		c.autotile = c.attribs.GetInt(name, 0)
	case "automip":
		c.automip = c.attribs.GetInt(name, 0) != 0
	case "searchpath":
		c.searchpath = splitSearchPath(c.attribs.GetString(name, ""))
	case "max_errors_per_file":
		c.maxErrors = c.attribs.GetInt(name, 100)
	}
	c.attrMu.Unlock()
}

// GetAttribute returns a previously set option value.
func (c *ImageCache) GetAttribute(name string) (any, bool) {
	switch name {
	case "max_memory_MB":
		return float64(c.store.maxBytes.Load()) / (1024 * 1024), true
	case "total_files":
		c.filesMu.RLock()
		defer c.filesMu.RUnlock()
		return len(c.files), true
	}
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return c.attribs.Get(name)
}

func splitSearchPath(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ';' }) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SearchPath returns the configured filename search path.
func (c *ImageCache) SearchPath() []string {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return append([]string(nil), c.searchpath...)
}

// ResolveFilename maps a requested name to the concrete path the cache will
// open: the name itself if it exists (or is not a plain relative name), else
// the first search-path directory containing it.
func (c *ImageCache) ResolveFilename(name string) string {
	if strings.HasSuffix(name, ".mem") {
		return name // synthetic images never live on disk
	}
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	for _, dir := range c.SearchPath() {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

// fileFor returns the record for a resolved filename, creating it on first
// reference.
func (c *ImageCache) fileFor(resolved string) *fileRecord {
	c.filesMu.RLock()
	r := c.files[resolved]
	c.filesMu.RUnlock()
	if r != nil {
		return r
	}
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	if r = c.files[resolved]; r == nil {
		r = &fileRecord{name: resolved}
		c.files[resolved] = r
	}
	return r
}

// openFile resolves, records, and lazily opens a file.
func (c *ImageCache) openFile(name string) (*fileRecord, error) {
	r := c.fileFor(c.ResolveFilename(name))
	if err := r.ensureOpened(c); err != nil {
		c.reportError(r, err)
		return nil, err
	}
	return r, nil
}

// levelSpec returns the spec for (subimage, miplevel), synthesizing reduced
// levels when automip is on and the file carries only level 0.
func (c *ImageCache) levelSpec(r *fileRecord, subimage, miplevel int) (imageio.ImageSpec, bool, error) {
	if spec, ok := r.storedSpec(subimage, miplevel); ok {
		return spec, false, nil
	}
	if subimage < 0 || subimage >= r.numSubimages() {
		return imageio.ImageSpec{}, false, fmt.Errorf("%w: %s has no subimage %d", ErrNotFound, r.name, subimage)
	}

	c.attrMu.RLock()
	automip := c.automip
	c.attrMu.RUnlock()
	stored := r.storedMipLevels(subimage)
	if !automip || stored != 1 || miplevel < 1 {
		return imageio.ImageSpec{}, false, fmt.Errorf("%w: %s subimage %d has no MIP level %d", ErrNotFound, r.name, subimage, miplevel)
	}

	base, _ := r.storedSpec(subimage, 0)
	w, h := base.Width, base.Height
	for l := 0; l < miplevel; l++ {
		if w == 1 && h == 1 {
			return imageio.ImageSpec{}, false, fmt.Errorf("%w: %s subimage %d has no MIP level %d", ErrNotFound, r.name, subimage, miplevel)
		}
		w = max(1, w/2)
		h = max(1, h/2)
	}
	spec := imageio.NewImageSpec(w, h, base.NChannels, base.Format)
	spec.Attribs = base.Attribs
	return spec, true, nil
}

// mipLevels returns the usable MIP level count for a subimage, including
// synthesized levels when automip applies.
func (c *ImageCache) mipLevels(r *fileRecord, subimage int) int {
	stored := r.storedMipLevels(subimage)
	c.attrMu.RLock()
	automip := c.automip
	c.attrMu.RUnlock()
	if !automip || stored != 1 {
		return stored
	}
	base, ok := r.storedSpec(subimage, 0)
	if !ok {
		return stored
	}
	n := 1
	for w, h := base.Width, base.Height; w > 1 || h > 1; {
		w = max(1, w/2)
		h = max(1, h/2)
		n++
	}
	return n
}

// GetImageSpec returns the spec of one subimage/MIP level. It needs only the
// file header, never pixel data.
func (c *ImageCache) GetImageSpec(name string, subimage, miplevel int) (imageio.ImageSpec, error) {
	r, err := c.openFile(name)
	if err != nil {
		return imageio.ImageSpec{}, err
	}
	spec, _, err := c.levelSpec(r, subimage, miplevel)
	if err != nil {
		c.reportError(r, err)
		return imageio.ImageSpec{}, err
	}
	return spec, nil
}

// GetImageInfo answers metadata queries by name: "exists", "subimages",
// "miplevels", "resolution" ([2]int), "channels", "format", "texturetype",
// or any spec attribute of the requested subimage/level.
func (c *ImageCache) GetImageInfo(name string, subimage, miplevel int, attr string) (any, error) {
	if attr == "exists" {
		_, err := c.openFile(name)
		return err == nil, nil
	}
	r, err := c.openFile(name)
	if err != nil {
		return nil, err
	}
	switch attr {
	case "subimages":
		return r.numSubimages(), nil
	case "miplevels":
		return c.mipLevels(r, subimage), nil
	}
	spec, _, err := c.levelSpec(r, subimage, miplevel)
	if err != nil {
		c.reportError(r, err)
		return nil, err
	}
	switch attr {
	case "resolution":
		return [2]int{spec.Width, spec.Height}, nil
	case "channels":
		return spec.NChannels, nil
	case "format":
		return spec.Format.String(), nil
	case "texturetype":
		if c.mipLevels(r, subimage) > 1 {
			return "Plain Texture", nil
		}
		return "Plain Image", nil
	}
	if v, ok := spec.GetAttribute(attr); ok {
		return v, nil
	}
	err = fmt.Errorf("%w: %s has no attribute %q", ErrNotFound, r.name, attr)
	c.reportError(r, err)
	return nil, err
}

// SubimageByName returns the index of the subimage whose PageName attribute
// matches, or an error when no subimage has that name.
func (c *ImageCache) SubimageByName(name, subimageName string) (int, error) {
	r, err := c.openFile(name)
	if err != nil {
		return 0, err
	}
	for sub := 0; sub < r.numSubimages(); sub++ {
		spec, ok := r.storedSpec(sub, 0)
		if ok && spec.StringAttribute("PageName", "") == subimageName {
			return sub, nil
		}
	}
	err = fmt.Errorf("%w: %s has no subimage named %q", ErrNotFound, r.name, subimageName)
	c.reportError(r, err)
	return 0, err
}

// Clear drops all cached tiles and closes all decoder handles. Accumulated
// statistics survive; use ResetStats to zero them.
func (c *ImageCache) Clear() {
	c.store.clear()
	c.handles.clear()
	metricCacheMemory.Set(0)
}

// Invalidate forces the next access to name to re-stat, reopen, and
// redecode, even if the content has not changed. It also clears a broken
// flag, giving the file another chance.
func (c *ImageCache) Invalidate(name string) {
	resolved := c.ResolveFilename(name)
	c.filesMu.RLock()
	r := c.files[resolved]
	c.filesMu.RUnlock()
	if r == nil {
		return
	}
	c.store.dropFile(resolved)
	c.handles.drop(resolved)
	r.reset(true)
}

// InvalidateAll invalidates every known file. Broken-file flags survive so
// known-bad files keep failing fast; force clears them for a retry.
func (c *ImageCache) InvalidateAll(force bool) {
	c.filesMu.RLock()
	records := make([]*fileRecord, 0, len(c.files))
	for _, r := range c.files {
		records = append(records, r)
	}
	c.filesMu.RUnlock()

	c.store.clear()
	c.handles.clear()
	for _, r := range records {
		r.reset(force)
	}
}

// GetError returns the most recent error message and clears it, or "".
func (c *ImageCache) GetError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	msg := c.lastErr
	c.lastErr = ""
	return msg
}

func (c *ImageCache) reportError(r *fileRecord, err error) {
	if r != nil {
		c.attrMu.RLock()
		limit := c.maxErrors
		c.attrMu.RUnlock()
		if n := r.errsReported.Add(1); limit > 0 && n > int64(limit) {
			return
		}
	}
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
}

// CurrentMemory returns the bytes held by cached tiles.
func (c *ImageCache) CurrentMemory() int64 {
	return c.store.memUsed.Load()
}

// TileCount returns the number of cached tiles.
func (c *ImageCache) TileCount() int64 {
	return c.store.count.Load()
}

// OpenFileCount returns the number of decoder handles currently open.
func (c *ImageCache) OpenFileCount() int {
	return c.handles.len()
}

func (c *ImageCache) maxOpenFiles() int {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return c.attribs.GetInt("max_open_files", defaultMaxOpenFiles)
}

// tileShape returns the caching tile dimensions for a level: the file's own
// tiles when present, else the autotile size, else the whole level as a
// single tile so untiled images share the caching model.
func (c *ImageCache) tileShape(spec *imageio.ImageSpec) (tw, th, td int) {
	if spec.Tiled() {
		td = spec.TileDepth
		if td <= 0 {
			td = 1
		}
		return spec.TileWidth, spec.TileHeight, td
	}
	c.attrMu.RLock()
	autotile := c.autotile
	c.attrMu.RUnlock()
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	if autotile > 0 {
		return autotile, autotile, 1
	}
	return spec.Width, spec.Height, depth
}

// GetTile returns, pinned, the cached tile containing pixel (x, y, z) of the
// given subimage/MIP level, decoding it on a miss. The caller must Release
// the tile when done with its pixels. Concurrent requests for the same tile
// perform a single decode.
func (c *ImageCache) GetTile(name string, subimage, miplevel, x, y, z int) (*Tile, error) {
	r, err := c.openFile(name)
	if err != nil {
		return nil, err
	}
	spec, synthesized, err := c.levelSpec(r, subimage, miplevel)
	if err != nil {
		c.reportError(r, err)
		return nil, err
	}

	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	if x < spec.X || x >= spec.X+spec.Width || y < spec.Y || y >= spec.Y+spec.Height || z < spec.Z || z >= spec.Z+depth {
		err := fmt.Errorf("%w: pixel (%d,%d,%d) outside %s subimage %d mip %d", ErrNotFound, x, y, z, r.name, subimage, miplevel)
		c.reportError(r, err)
		return nil, err
	}

	tw, th, td := c.tileShape(&spec)
	id := TileID{
		File:     r.name,
		Subimage: subimage,
		MipLevel: miplevel,
		X:        (x - spec.X) / tw,
		Y:        (y - spec.Y) / th,
		Z:        (z - spec.Z) / td,
		Epoch:    r.epoch.Load(),
	}

	for attempt := 0; ; attempt++ {
		if t := c.store.get(id); t != nil {
			c.stats.tileHits.Add(1)
			r.hits.Add(1)
			metricTileHits.Inc()
			return t, nil
		}
		c.stats.tileMisses.Add(1)
		r.misses.Add(1)
		metricTileMisses.Inc()

		if attempt >= 3 {
			// Eviction keeps racing us; decode privately without caching.
			return c.decodeTile(r, id, &spec, synthesized, false)
		}
		_, err, _ := c.flight.Do(id.String(), func() (any, error) {
			t, err := c.decodeTile(r, id, &spec, synthesized, true)
			if err != nil {
				return nil, err
			}
			t.Release()
			return nil, nil
		})
		c.flight.Forget(id.String())
		if err != nil {
			c.reportError(r, err)
			return nil, err
		}
	}
}

// decodeTile reads one tile's pixels from the file (or synthesizes them for
// an automip level), optionally publishing it in the store. The returned
// tile is pinned.
func (c *ImageCache) decodeTile(r *fileRecord, id TileID, spec *imageio.ImageSpec, synthesized, publish bool) (*Tile, error) {
	if broken, msg := r.isBroken(); broken {
		return nil, fmt.Errorf("%w: %s: %s", ErrBroken, r.name, msg)
	}

	tw, th, td := c.tileShape(spec)
	t := &Tile{
		ID:        id,
		Width:     tw,
		Height:    th,
		Depth:     td,
		NChannels: spec.NChannels,
		XBegin:    spec.X + id.X*tw,
		YBegin:    spec.Y + id.Y*th,
		ZBegin:    spec.Z + id.Z*td,
	}

	var pixels []float32
	var err error
	if synthesized {
		pixels, err = c.synthesizeMipTile(r, id, spec, t)
	} else {
		pixels, err = c.readTilePixels(r, id, spec, t)
	}
	if err != nil {
		r.markBroken(err.Error())
		return nil, err
	}

	t.pixels = pixels
	t.bytes = int64(len(pixels)) * 4
	c.stats.tilesMade.Add(1)
	r.tilesRead.Add(1)
	srcBytes := int64(len(pixels)) * int64(spec.Format.Size())
	r.bytesRead.Add(srcBytes)
	c.stats.bytesRead.Add(srcBytes)
	metricBytesRead.Add(float64(srcBytes))

	if publish {
		t = c.store.insert(t)
		c.stats.notePeak(c.store.memUsed.Load())
		metricCacheMemory.Set(float64(c.store.memUsed.Load()))
	} else {
		t.refs.Store(1)
	}
	return t, nil
}

// readTilePixels fetches one tile from the decoder, cutting it out of
// scanlines when the file has no tile layout of its own.
func (c *ImageCache) readTilePixels(r *fileRecord, id TileID, spec *imageio.ImageSpec, t *Tile) ([]float32, error) {
	h, err := c.handles.acquire(r.name)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	if _, ok := h.in.SeekSubimage(id.Subimage, id.MipLevel); !ok {
		return nil, fmt.Errorf("%s: cannot seek to subimage %d mip %d", r.name, id.Subimage, id.MipLevel)
	}

	if spec.Tiled() {
		return h.in.ReadTile(t.XBegin-spec.X, t.YBegin-spec.Y, t.ZBegin-spec.Z)
	}

	nch := spec.NChannels
	out := make([]float32, t.Width*t.Height*t.Depth*nch)
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	for lz := 0; lz < t.Depth; lz++ {
		z := t.ZBegin - spec.Z + lz
		if z >= depth {
			break
		}
		for ly := 0; ly < t.Height; ly++ {
			y := t.YBegin - spec.Y + ly
			if y >= spec.Height {
				break
			}
			row, err := h.in.ReadScanline(y, z)
			if err != nil {
				return nil, err
			}
			x0 := t.XBegin - spec.X
			n := min(t.Width, spec.Width-x0)
			if n <= 0 {
				continue
			}
			dst := ((lz*t.Height + ly) * t.Width) * nch
			copy(out[dst:dst+n*nch], row[x0*nch:(x0+n)*nch])
		}
	}
	return out, nil
}

// GetPixels assembles a contiguous channel-interleaved float32 block for the
// region by walking the needed tiles. dst must hold
// roi.NPixels()*roi.NChannels() samples. Out-of-range regions are a reported
// failure, not a crash.
func (c *ImageCache) GetPixels(name string, subimage, miplevel int, roi imageio.ROI, dst []float32) error {
	r, err := c.openFile(name)
	if err != nil {
		return err
	}
	spec, _, err := c.levelSpec(r, subimage, miplevel)
	if err != nil {
		c.reportError(r, err)
		return err
	}
	if !roi.Within(&spec) {
		err := fmt.Errorf("%w: region out of range for %s subimage %d mip %d", ErrNotFound, r.name, subimage, miplevel)
		c.reportError(r, err)
		return err
	}
	nch := roi.NChannels()
	if len(dst) < roi.NPixels()*nch {
		err := fmt.Errorf("destination too small: %d < %d", len(dst), roi.NPixels()*nch)
		c.reportError(r, err)
		return err
	}

	tw, th, td := c.tileShape(&spec)
	rowW := roi.XEnd - roi.XBegin
	sliceH := roi.YEnd - roi.YBegin

	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for tz := (roi.ZBegin - spec.Z) / td; tz*td < roi.ZEnd-spec.Z; tz++ {
		for ty := (roi.YBegin - spec.Y) / th; ty*th < roi.YEnd-spec.Y; ty++ {
			for tx := (roi.XBegin - spec.X) / tw; tx*tw < roi.XEnd-spec.X; tx++ {
				tx, ty, tz := tx, ty, tz
				g.Go(func() error {
					tile, err := c.GetTile(name, subimage, miplevel, spec.X+tx*tw, spec.Y+ty*th, spec.Z+tz*td)
					if err != nil {
						return err
					}
					defer tile.Release()
					pix := tile.Pixels()
					tnch := tile.NChannels
					for lz := 0; lz < tile.Depth; lz++ {
						z := tile.ZBegin + lz
						if z < roi.ZBegin || z >= roi.ZEnd {
							continue
						}
						for ly := 0; ly < tile.Height; ly++ {
							y := tile.YBegin + ly
							if y < roi.YBegin || y >= roi.YEnd {
								continue
							}
							for lx := 0; lx < tile.Width; lx++ {
								x := tile.XBegin + lx
								if x < roi.XBegin || x >= roi.XEnd {
									continue
								}
								src := ((lz*tile.Height+ly)*tile.Width + lx) * tnch
								d := (((z-roi.ZBegin)*sliceH+(y-roi.YBegin))*rowW + (x - roi.XBegin)) * nch
								for ch := 0; ch < nch; ch++ {
									dst[d+ch] = pix[src+roi.ChBegin+ch]
								}
							}
						}
					}
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		c.reportError(r, err)
		return err
	}
	return nil
}
