package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/echoflaresat/texcache/imageio"
)

// fileRecord is the single source of truth for one resolved file: its cached
// specs per subimage/MIP level, broken state, invalidation epoch, and
// per-file statistics. The Cache Controller owns the record table; everyone
// else holds non-owning references.
type fileRecord struct {
	name string

	mu        sync.Mutex
	opened    bool
	subimages [][]imageio.ImageSpec // [subimage][miplevel], as stored in the file
	broken    bool
	brokenMsg string

	epoch atomic.Uint64

	// statistics
	opens        atomic.Int64
	tilesRead    atomic.Int64
	bytesRead    atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	errsReported atomic.Int64
}

// ensureOpened lazily opens the file once and caches every subimage/MIP spec
// it can enumerate from the header. A failure marks the record broken so
// later requests fail fast without re-trying the open.
func (r *fileRecord) ensureOpened(c *ImageCache) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return fmt.Errorf("%w: %s: %s", ErrBroken, r.name, r.brokenMsg)
	}
	if r.opened {
		return nil
	}

	h, err := c.handles.acquire(r.name)
	if err != nil {
		r.broken = true
		r.brokenMsg = err.Error()
		metricBrokenFiles.Inc()
		return err
	}
	defer h.mu.Unlock()

	r.opens.Add(1)
	nsub := h.in.NumSubimages()
	r.subimages = make([][]imageio.ImageSpec, 0, nsub)
	for sub := 0; sub < nsub; sub++ {
		nmip := h.in.NumMipLevels(sub)
		specs := make([]imageio.ImageSpec, 0, nmip)
		for mip := 0; mip < nmip; mip++ {
			spec, ok := h.in.SeekSubimage(sub, mip)
			if !ok {
				r.broken = true
				r.brokenMsg = fmt.Sprintf("cannot seek to subimage %d mip %d", sub, mip)
				metricBrokenFiles.Inc()
				return fmt.Errorf("%s: %s", r.name, r.brokenMsg)
			}
			specs = append(specs, spec)
		}
		r.subimages = append(r.subimages, specs)
	}
	r.opened = true
	return nil
}

// markBroken records a mid-file decode failure so subsequent requests fail
// fast with the stored message.
func (r *fileRecord) markBroken(msg string) {
	r.mu.Lock()
	if !r.broken {
		r.broken = true
		r.brokenMsg = msg
		metricBrokenFiles.Inc()
	}
	r.mu.Unlock()
}

func (r *fileRecord) isBroken() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broken, r.brokenMsg
}

// storedMipLevels returns how many MIP levels the file itself carries for
// the subimage, zero if the subimage does not exist.
func (r *fileRecord) storedMipLevels(subimage int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subimage < 0 || subimage >= len(r.subimages) {
		return 0
	}
	return len(r.subimages[subimage])
}

func (r *fileRecord) numSubimages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subimages)
}

// storedSpec returns the on-file spec for (subimage, miplevel).
func (r *fileRecord) storedSpec(subimage, miplevel int) (imageio.ImageSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subimage < 0 || subimage >= len(r.subimages) {
		return imageio.ImageSpec{}, false
	}
	if miplevel < 0 || miplevel >= len(r.subimages[subimage]) {
		return imageio.ImageSpec{}, false
	}
	return r.subimages[subimage][miplevel], true
}

// reset forgets everything learned from the file and bumps the epoch, so the
// next access re-stats, reopens, and redecodes. Accumulated per-file
// statistics are also dropped. The broken flag survives unless clearBroken
// is set.
func (r *fileRecord) reset(clearBroken bool) {
	r.mu.Lock()
	r.opened = false
	r.subimages = nil
	if clearBroken {
		r.broken = false
		r.brokenMsg = ""
	}
	r.mu.Unlock()
	r.epoch.Add(1)
	r.opens.Store(0)
	r.tilesRead.Store(0)
	r.bytesRead.Store(0)
	r.hits.Store(0)
	r.misses.Store(0)
	r.errsReported.Store(0)
}
