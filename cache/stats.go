package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// cacheStats aggregates process-lifetime counters for one cache instance.
// Per-file counters live on the fileRecord.
type cacheStats struct {
	tileHits    atomic.Int64
	tileMisses  atomic.Int64
	tilesMade   atomic.Int64
	bytesRead   atomic.Int64
	filesOpened atomic.Int64
	peakMemory  atomic.Int64
}

func (s *cacheStats) notePeak(current int64) {
	for {
		peak := s.peakMemory.Load()
		if current <= peak || s.peakMemory.CompareAndSwap(peak, current) {
			return
		}
	}
}

func (s *cacheStats) reset() {
	s.tileHits.Store(0)
	s.tileMisses.Store(0)
	s.tilesMade.Store(0)
	s.bytesRead.Store(0)
	s.filesOpened.Store(0)
	s.peakMemory.Store(0)
}

// GetStats returns a human-readable statistics report. Level selects
// verbosity only: <= 0 is empty, 1 is a summary, >= 2 adds one line per
// file. No level has side effects.
func (c *ImageCache) GetStats(level int) string {
	if level <= 0 {
		return ""
	}

	var b strings.Builder
	hits := c.stats.tileHits.Load()
	misses := c.stats.tileMisses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = 100 * float64(hits) / float64(total)
	}

	fmt.Fprintf(&b, "ImageCache statistics\n")
	fmt.Fprintf(&b, "  tiles: %d cached (%.1f MB of %.1f MB, peak %.1f MB)\n",
		c.store.count.Load(),
		float64(c.store.memUsed.Load())/(1024*1024),
		float64(c.store.maxBytes.Load())/(1024*1024),
		float64(c.stats.peakMemory.Load())/(1024*1024))
	fmt.Fprintf(&b, "  lookups: %d (%d hits, %d misses, %.1f%% hit rate)\n",
		total, hits, misses, hitRate)
	fmt.Fprintf(&b, "  I/O: %d tiles decoded, %.1f MB read, %d file opens\n",
		c.stats.tilesMade.Load(),
		float64(c.stats.bytesRead.Load())/(1024*1024),
		c.stats.filesOpened.Load())
	fmt.Fprintf(&b, "  open files: %d of %d\n", c.handles.len(), c.maxOpenFiles())

	if level >= 2 {
		c.filesMu.RLock()
		names := make([]string, 0, len(c.files))
		for name := range c.files {
			names = append(names, name)
		}
		c.filesMu.RUnlock()
		sort.Strings(names)

		for _, name := range names {
			c.filesMu.RLock()
			r := c.files[name]
			c.filesMu.RUnlock()
			if r == nil {
				continue
			}
			broken, msg := r.isBroken()
			line := fmt.Sprintf("  file %q: %d opens, %d tiles, %.1f MB read, %d hits, %d misses",
				name, r.opens.Load(), r.tilesRead.Load(),
				float64(r.bytesRead.Load())/(1024*1024),
				r.hits.Load(), r.misses.Load())
			if broken {
				line += fmt.Sprintf(" BROKEN (%s)", msg)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// ResetStats zeroes the cache-wide and per-file counters without touching
// cached data.
func (c *ImageCache) ResetStats() {
	c.stats.reset()
	c.filesMu.RLock()
	defer c.filesMu.RUnlock()
	for _, r := range c.files {
		r.opens.Store(0)
		r.tilesRead.Store(0)
		r.bytesRead.Store(0)
		r.hits.Store(0)
		r.misses.Store(0)
	}
}
