package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// TileID is the cache key for one decoded tile: the resolved file, the
// subimage and MIP level within it, the tile indices, and the file's
// invalidation epoch. Including the epoch means a stale tile can never be
// returned after an invalidation, even if eviction has not reached it yet.
type TileID struct {
	File     string
	Subimage int
	MipLevel int
	X, Y, Z  int
	Epoch    uint64
}

func (id TileID) String() string {
	return fmt.Sprintf("%s#%d.%d@(%d,%d,%d)e%d", id.File, id.Subimage, id.MipLevel, id.X, id.Y, id.Z, id.Epoch)
}

// Tile is one cached block of decoded pixels. Pixels are read-only once the
// tile is published; the reference count is the only field mutated after
// that. A borrowed tile (refs > 0) is never evicted.
type Tile struct {
	ID TileID

	// Tile shape and pixel origin within the level's data window.
	Width, Height, Depth int
	NChannels            int
	XBegin, YBegin, ZBegin int

	pixels []float32
	refs   atomic.Int32
	bytes  int64

	store *tileStore
	shard *tileShard
	elem  *list.Element
}

// Pixels returns the tile's pixel data: Width*Height*Depth*NChannels float32
// samples, channel-interleaved, row-major. The slice must be treated as
// read-only and not used after Release.
func (t *Tile) Pixels() []float32 { return t.pixels }

// Bytes returns the memory footprint of the tile's pixel data.
func (t *Tile) Bytes() int64 { return t.bytes }

// Release returns a borrowed tile to the cache, making it eligible for
// eviction again. Each successful GetTile must be paired with one Release.
func (t *Tile) Release() {
	t.refs.Add(-1)
}

const tileShardCount = 16

type tileShard struct {
	mu    sync.Mutex
	tiles map[TileID]*list.Element
	lru   *list.List // front is most recently touched
}

// tileStore maps TileID to pinned-aware LRU-cached tiles under a global byte
// budget. Lookups lock only one shard; the byte budget is a pair of atomics,
// so there is no global lock on the hot path.
type tileStore struct {
	shards   [tileShardCount]*tileShard
	memUsed  atomic.Int64
	maxBytes atomic.Int64
	count    atomic.Int64
}

func newTileStore(maxBytes int64) *tileStore {
	s := &tileStore{}
	s.maxBytes.Store(maxBytes)
	for i := range s.shards {
		s.shards[i] = &tileShard{
			tiles: make(map[TileID]*list.Element),
			lru:   list.New(),
		}
	}
	return s
}

func (s *tileStore) shardFor(id TileID) *tileShard {
	// FNV-1a over the fields that vary most.
	h := uint32(2166136261)
	mix := func(v int) {
		h = (h ^ uint32(v)) * 16777619
	}
	for i := 0; i < len(id.File); i++ {
		h = (h ^ uint32(id.File[i])) * 16777619
	}
	mix(id.Subimage)
	mix(id.MipLevel)
	mix(id.X)
	mix(id.Y)
	mix(id.Z)
	return s.shards[h%tileShardCount]
}

// get returns the tile pinned (reference count bumped), or nil on a miss.
func (s *tileStore) get(id TileID) *Tile {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	elem, ok := sh.tiles[id]
	if !ok {
		return nil
	}
	sh.lru.MoveToFront(elem)
	t := elem.Value.(*Tile)
	t.refs.Add(1)
	return t
}

// insert publishes a freshly decoded tile, pinned for the caller, and evicts
// older unreferenced tiles until the store is back under budget. A single
// tile larger than the whole budget is still admitted. The returned tile is
// the canonical one; on a publish race it is the already-cached twin.
func (s *tileStore) insert(t *Tile) *Tile {
	sh := s.shardFor(t.ID)
	sh.mu.Lock()
	if elem, ok := sh.tiles[t.ID]; ok {
		sh.lru.MoveToFront(elem)
		existing := elem.Value.(*Tile)
		existing.refs.Add(1)
		sh.mu.Unlock()
		return existing
	}
	t.store = s
	t.shard = sh
	t.refs.Store(1)
	t.elem = sh.lru.PushFront(t)
	sh.tiles[t.ID] = t.elem
	sh.mu.Unlock()

	s.memUsed.Add(t.bytes)
	s.count.Add(1)
	s.evictUntilUnderBudget()
	return t
}

func (s *tileStore) evictUntilUnderBudget() {
	max := s.maxBytes.Load()
	for s.memUsed.Load() > max {
		if !s.evictOne() {
			// Everything left is borrowed; overshoot rather than corrupt
			// in-use data.
			return
		}
	}
}

// evictOne removes the least-recently-touched unreferenced tile across all
// shards, returning false when no tile is evictable.
func (s *tileStore) evictOne() bool {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for elem := sh.lru.Back(); elem != nil; elem = elem.Prev() {
			t := elem.Value.(*Tile)
			if t.refs.Load() > 0 {
				continue
			}
			sh.lru.Remove(elem)
			delete(sh.tiles, t.ID)
			sh.mu.Unlock()
			s.memUsed.Add(-t.bytes)
			s.count.Add(-1)
			metricTileEvictions.Inc()
			return true
		}
		sh.mu.Unlock()
	}
	return false
}

// setBudget changes the byte ceiling and evicts down to it.
func (s *tileStore) setBudget(maxBytes int64) {
	s.maxBytes.Store(maxBytes)
	s.evictUntilUnderBudget()
}

// clear drops every tile, borrowed or not. Borrowers keep their pixel slices
// alive; the store just forgets the entries.
func (s *tileStore) clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, elem := range sh.tiles {
			t := elem.Value.(*Tile)
			s.memUsed.Add(-t.bytes)
			s.count.Add(-1)
			delete(sh.tiles, id)
		}
		sh.lru.Init()
		sh.mu.Unlock()
	}
}

// dropFile removes every cached tile of one file, regardless of epoch.
func (s *tileStore) dropFile(file string) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		var next *list.Element
		for elem := sh.lru.Front(); elem != nil; elem = next {
			next = elem.Next()
			t := elem.Value.(*Tile)
			if t.ID.File != file {
				continue
			}
			sh.lru.Remove(elem)
			delete(sh.tiles, t.ID)
			s.memUsed.Add(-t.bytes)
			s.count.Add(-1)
		}
		sh.mu.Unlock()
	}
}
