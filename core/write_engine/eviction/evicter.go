package eviction

import (
	"container/list" // For LRU
	"fmt"

	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Category buckets pages for the memory policy.
type Category int

const (
	CategoryResident Category = iota // bytes in memory
	CategoryUnloaded                 // only a durable token
	CategoryLoading                  // read in flight
	CategoryDeleted                  // block deleted; kept for snapshot holders
)

func (c Category) String() string {
	switch c {
	case CategoryResident:
		return "resident"
	case CategoryUnloaded:
		return "unloaded"
	case CategoryLoading:
		return "loading"
	case CategoryDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// CategoryOf derives the eviction category of a buffer from its state.
func CategoryOf(b *pagemanager.Buffer) Category {
	if b.Discarded() {
		return CategoryDeleted
	}
	switch b.State() {
	case pagemanager.BufferResident:
		return CategoryResident
	case pagemanager.BufferLoading:
		return CategoryLoading
	default:
		return CategoryUnloaded
	}
}

// EvictableFunc reports whether the owner of a buffer allows unloading it.
type EvictableFunc func(b *pagemanager.Buffer) bool

// EvictedFunc is told about every buffer the evicter unloaded.
type EvictedFunc func(b *pagemanager.Buffer)

// Evicter keeps a cache's resident bytes under a soft memory limit by
// unloading least recently used buffers that are already durable. It has no
// opinion on how large the limit is; UpdateMemoryLimit sets it.
//
// Evicter is not safe for concurrent use; it shares the owning shard's lock.
type Evicter struct {
	logger *zap.Logger

	memoryLimit   uint64 // 0 means unlimited
	residentBytes uint64
	lruList       *list.List // resident buffers, front is most recently used
	pages         map[*pagemanager.Buffer]trackedPage
	counts        map[Category]int

	bytesLoaded uint64
	accessCount uint64
	readAheadOK bool
	evictions   uint64

	canEvict  EvictableFunc
	onEvicted EvictedFunc
}

// trackedPage remembers what a buffer was counted as when it was inserted, so
// detaching it undoes exactly that even if its state changed meanwhile.
type trackedPage struct {
	category Category
	bytes    uint64
}

// NewEvicter creates an evicter with the given soft limit in bytes.
func NewEvicter(memoryLimit uint64, logger *zap.Logger) *Evicter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evicter{
		logger:      logger.Named("evicter"),
		memoryLimit: memoryLimit,
		lruList:     list.New(),
		pages:       make(map[*pagemanager.Buffer]trackedPage),
		counts:      make(map[Category]int),
		readAheadOK: true,
		canEvict:    func(*pagemanager.Buffer) bool { return true },
		onEvicted:   func(*pagemanager.Buffer) {},
	}
}

// SetCallbacks installs the owner's eviction veto and notification hooks.
func (e *Evicter) SetCallbacks(canEvict EvictableFunc, onEvicted EvictedFunc) {
	if canEvict != nil {
		e.canEvict = canEvict
	}
	if onEvicted != nil {
		e.onEvicted = onEvicted
	}
}

// AddPage starts tracking b.
func (e *Evicter) AddPage(b *pagemanager.Buffer) {
	if _, ok := e.pages[b]; ok {
		e.Recategorize(b)
		return
	}
	e.insert(b)
}

// RemovePage stops tracking b.
func (e *Evicter) RemovePage(b *pagemanager.Buffer) {
	if _, ok := e.pages[b]; !ok {
		return
	}
	e.detach(b)
}

// Recategorize moves b to the bucket matching its current state.
func (e *Evicter) Recategorize(b *pagemanager.Buffer) {
	if _, ok := e.pages[b]; !ok {
		return
	}
	e.detach(b)
	e.insert(b)
}

func (e *Evicter) insert(b *pagemanager.Buffer) {
	tp := trackedPage{category: CategoryOf(b)}
	// Discarded and superseded buffers still hold memory for their
	// snapshot holders.
	if b.State() == pagemanager.BufferResident {
		tp.bytes = uint64(b.Size())
		e.residentBytes += tp.bytes
	}
	e.pages[b] = tp
	e.counts[tp.category]++
	if tp.category == CategoryResident {
		b.SetLruElement(e.lruList.PushFront(b))
	}
}

func (e *Evicter) detach(b *pagemanager.Buffer) {
	tp := e.pages[b]
	delete(e.pages, b)
	e.counts[tp.category]--
	e.residentBytes -= tp.bytes
	if elem := b.GetLruElement(); elem != nil {
		e.lruList.Remove(elem)
		b.SetLruElement(nil)
	}
}

// Touch records an access to b and marks it most recently used.
func (e *Evicter) Touch(b *pagemanager.Buffer) {
	b.Touch()
	e.accessCount++
	if elem := b.GetLruElement(); elem != nil {
		e.lruList.MoveToFront(elem)
	}
}

// Category returns the bucket b is tracked in.
func (e *Evicter) Category(b *pagemanager.Buffer) (Category, bool) {
	tp, ok := e.pages[b]
	return tp.category, ok
}

// Count is the number of tracked pages in category c.
func (e *Evicter) Count(c Category) int { return e.counts[c] }

// NoteLoaded accounts bytes read from durable storage.
func (e *Evicter) NoteLoaded(n int) { e.bytesLoaded += uint64(n) }

// UpdateMemoryLimit applies a new soft cap handed down by the memory
// balancer. Once read-ahead is vetoed it stays off.
func (e *Evicter) UpdateMemoryLimit(limit, bytesLoaded, accessCount uint64, readAheadOK bool) {
	e.memoryLimit = limit
	e.bytesLoaded = bytesLoaded
	e.accessCount = accessCount
	if !readAheadOK && e.readAheadOK {
		e.logger.Info("read-ahead disabled by memory balancer")
		e.readAheadOK = false
	}
	e.EvictIfNecessary()
}

// ReadAheadOK reports whether the balancer still allows read-ahead.
func (e *Evicter) ReadAheadOK() bool { return e.readAheadOK }

// InterestedInReadAhead judges whether a speculatively read block of size
// bytes is worth keeping.
func (e *Evicter) InterestedInReadAhead(size int) bool {
	if !e.readAheadOK {
		return false
	}
	return e.memoryLimit == 0 || e.residentBytes+uint64(size) <= e.memoryLimit
}

// EvictIfNecessary unloads buffers, least recently used first, until the
// resident bytes fit the limit or nothing else can go. It returns how many
// buffers were unloaded.
func (e *Evicter) EvictIfNecessary() int {
	if e.memoryLimit == 0 {
		return 0
	}
	evicted := 0
	for elem := e.lruList.Back(); elem != nil && e.residentBytes > e.memoryLimit; {
		prev := elem.Prev()
		b := elem.Value.(*pagemanager.Buffer)
		if b.HasToken() && !b.Shared() && e.canEvict(b) {
			e.detach(b)
			if b.Unload() {
				e.insert(b)
				evicted++
				e.evictions++
				e.logger.Debug("evicted block", zap.Uint64("block_id", uint64(b.BlockID())))
				e.onEvicted(b)
			} else {
				e.insert(b)
			}
		}
		elem = prev
	}
	return evicted
}

func (e *Evicter) MemoryLimit() uint64 { return e.memoryLimit }

// ResidentBytes counts every tracked buffer holding bytes, including ones
// only kept alive by snapshots.
func (e *Evicter) ResidentBytes() uint64 { return e.residentBytes }

func (e *Evicter) Evictions() uint64   { return e.evictions }
func (e *Evicter) BytesLoaded() uint64 { return e.bytesLoaded }
func (e *Evicter) AccessCount() uint64 { return e.accessCount }
