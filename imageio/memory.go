package imageio

import (
	"fmt"
	"sync"
)

// MemoryImage is a fully synthetic image source registered under a fake
// filename instead of living on disk. It backs volumetric data (which the
// TIFF path cannot carry) and lets tests observe decode traffic.
type MemoryImage struct {
	// Levels[sub][mip]
	Levels [][]MemoryLevel

	// ReadCount increments on every ReadTile/ReadScanline across all open
	// handles of this image.
	ReadCount func()

	// FailReads makes every pixel read fail, simulating a corrupt file.
	FailReads bool
}

// MemoryLevel is one subimage/MIP level of a MemoryImage.
type MemoryLevel struct {
	Spec   ImageSpec
	Pixels []float32 // Width*Height*Depth*NChannels samples
}

var (
	memoryMu     sync.RWMutex
	memoryImages = map[string]*MemoryImage{}
)

func init() {
	RegisterFormat("memory", []string{"mem"}, nil, openMemory)
}

// RegisterMemoryImage makes img openable under name (which should end in
// ".mem"). Re-registering a name replaces the previous image.
func RegisterMemoryImage(name string, img *MemoryImage) {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	memoryImages[name] = img
}

// UnregisterMemoryImage removes a registered image.
func UnregisterMemoryImage(name string) {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	delete(memoryImages, name)
}

type memoryInput struct {
	img            *MemoryImage
	curSub, curMip int
	lastErr        string
}

func openMemory(path string) (ImageInput, error) {
	memoryMu.RLock()
	img := memoryImages[path]
	memoryMu.RUnlock()
	if img == nil {
		return nil, fmt.Errorf("no memory image registered as %q", path)
	}
	if len(img.Levels) == 0 || len(img.Levels[0]) == 0 {
		return nil, fmt.Errorf("memory image %q has no levels", path)
	}
	return &memoryInput{img: img}, nil
}

func (m *memoryInput) Spec() ImageSpec {
	return m.img.Levels[m.curSub][m.curMip].Spec
}

func (m *memoryInput) NumSubimages() int { return len(m.img.Levels) }

func (m *memoryInput) NumMipLevels(subimage int) int {
	if subimage < 0 || subimage >= len(m.img.Levels) {
		return 0
	}
	return len(m.img.Levels[subimage])
}

func (m *memoryInput) SeekSubimage(subimage, miplevel int) (ImageSpec, bool) {
	if subimage < 0 || subimage >= len(m.img.Levels) {
		return ImageSpec{}, false
	}
	if miplevel < 0 || miplevel >= len(m.img.Levels[subimage]) {
		return ImageSpec{}, false
	}
	m.curSub, m.curMip = subimage, miplevel
	return m.img.Levels[subimage][miplevel].Spec, true
}

func (m *memoryInput) level() MemoryLevel {
	return m.img.Levels[m.curSub][m.curMip]
}

func (m *memoryInput) noteRead() error {
	if m.img.ReadCount != nil {
		m.img.ReadCount()
	}
	if m.img.FailReads {
		return m.fail(fmt.Errorf("simulated read failure"))
	}
	return nil
}

func (m *memoryInput) ReadTile(x, y, z int) ([]float32, error) {
	lvl := m.level()
	spec := lvl.Spec
	if !spec.Tiled() {
		return nil, m.fail(fmt.Errorf("ReadTile on scanline memory image"))
	}
	if err := m.noteRead(); err != nil {
		return nil, err
	}
	td := spec.TileDepth
	if td <= 0 {
		td = 1
	}
	if x%spec.TileWidth != 0 || y%spec.TileHeight != 0 || z%td != 0 {
		return nil, m.fail(fmt.Errorf("tile origin (%d,%d,%d) not on the tile grid", x, y, z))
	}
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	if x < 0 || x >= spec.Width || y < 0 || y >= spec.Height || z < 0 || z >= depth {
		return nil, m.fail(fmt.Errorf("tile (%d,%d,%d) out of range", x, y, z))
	}

	nch := spec.NChannels
	out := make([]float32, spec.TileWidth*spec.TileHeight*td*nch)
	for lz := 0; lz < td; lz++ {
		sz := z + lz
		if sz >= depth {
			break
		}
		for ly := 0; ly < spec.TileHeight; ly++ {
			sy := y + ly
			if sy >= spec.Height {
				break
			}
			for lx := 0; lx < spec.TileWidth; lx++ {
				sx := x + lx
				if sx >= spec.Width {
					break
				}
				src := ((sz*spec.Height+sy)*spec.Width + sx) * nch
				dst := ((lz*spec.TileHeight+ly)*spec.TileWidth + lx) * nch
				copy(out[dst:dst+nch], lvl.Pixels[src:src+nch])
			}
		}
	}
	return out, nil
}

func (m *memoryInput) ReadScanline(y, z int) ([]float32, error) {
	lvl := m.level()
	spec := lvl.Spec
	if spec.Tiled() {
		return nil, m.fail(fmt.Errorf("ReadScanline on tiled memory image"))
	}
	if err := m.noteRead(); err != nil {
		return nil, err
	}
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	if y < 0 || y >= spec.Height || z < 0 || z >= depth {
		return nil, m.fail(fmt.Errorf("scanline (%d,%d) out of range", y, z))
	}
	nch := spec.NChannels
	row := (z*spec.Height + y) * spec.Width * nch
	out := make([]float32, spec.Width*nch)
	copy(out, lvl.Pixels[row:row+len(out)])
	return out, nil
}

func (m *memoryInput) LastError() string { return m.lastErr }

func (m *memoryInput) fail(err error) error {
	m.lastErr = err.Error()
	return err
}

func (m *memoryInput) Close() error { return nil }
