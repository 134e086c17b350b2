package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/echoflaresat/texcache/imageio"
)

// decoderHandle wraps one open ImageInput. Format decoders expose sequential
// state (current subimage, partially decompressed strip), so every use must
// hold mu. An evicted handle is closed under the same mutex, which makes
// eviction wait for an in-flight decode instead of pulling the reader out
// from under it.
type decoderHandle struct {
	name string

	mu     sync.Mutex
	in     imageio.ImageInput
	closed bool
}

func (h *decoderHandle) retire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.in.Close()
		h.closed = true
	}
}

// handlePool keeps at most maxOpen decoders open, closing the
// least-recently-used one when a new file must be opened. Concurrent opens
// of the same file collapse into one.
type handlePool struct {
	mu     sync.Mutex
	cache  *lru.Cache // name -> *decoderHandle
	flight singleflight.Group
	onOpen func(name string)
}

func newHandlePool(maxOpen int, onOpen func(string)) *handlePool {
	p := &handlePool{onOpen: onOpen}
	p.cache = mustLRU(maxOpen, p.onEvict)
	return p
}

func mustLRU(size int, onEvict func(key, value any)) *lru.Cache {
	if size < 1 {
		size = 1
	}
	c, err := lru.NewWithEvict(size, onEvict)
	if err != nil {
		panic(err) // only fails for size < 1
	}
	return c
}

func (p *handlePool) onEvict(_, value any) {
	value.(*decoderHandle).retire()
}

// acquire returns an open handle for name, opening it (and evicting the LRU
// handle) on demand. The caller must lock the handle before use and must
// re-acquire if it finds the handle closed, which can happen if the pool
// evicted it between lookup and lock.
func (p *handlePool) acquire(name string) (*decoderHandle, error) {
	for {
		p.mu.Lock()
		if v, ok := p.cache.Get(name); ok {
			p.mu.Unlock()
			h := v.(*decoderHandle)
			h.mu.Lock()
			if h.closed {
				h.mu.Unlock()
				continue
			}
			return h, nil
		}
		p.mu.Unlock()

		v, err, _ := p.flight.Do(name, func() (any, error) {
			in, err := imageio.Open(name)
			if err != nil {
				return nil, err
			}
			if p.onOpen != nil {
				p.onOpen(name)
			}
			h := &decoderHandle{name: name, in: in}
			p.mu.Lock()
			p.cache.Add(name, h)
			n := p.cache.Len()
			p.mu.Unlock()
			metricOpenFiles.Set(float64(n))
			return h, nil
		})
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", name, err)
		}
		h := v.(*decoderHandle)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			p.flight.Forget(name)
			continue
		}
		return h, nil
	}
}

// drop closes and forgets one file's handle, if open.
func (p *handlePool) drop(name string) {
	p.mu.Lock()
	p.cache.Remove(name) // evict callback closes
	n := p.cache.Len()
	p.mu.Unlock()
	p.flight.Forget(name)
	metricOpenFiles.Set(float64(n))
}

// clear closes every open handle.
func (p *handlePool) clear() {
	p.mu.Lock()
	p.cache.Purge()
	p.mu.Unlock()
	metricOpenFiles.Set(0)
}

// resize rebuilds the pool with a new capacity, closing everything currently
// open. Handles reopen lazily on the next acquire.
func (p *handlePool) resize(maxOpen int) {
	p.mu.Lock()
	p.cache.Purge()
	p.cache = mustLRU(maxOpen, p.onEvict)
	p.mu.Unlock()
	metricOpenFiles.Set(0)
}

func (p *handlePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}
