package buffercache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sushant-115/blockcache/core/transaction"
	"github.com/sushant-115/blockcache/core/write_engine/eviction"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/blockcache/internal/telemetry"
)

const defaultMaxDirtyPages = 1024

// Options configures a Directory.
type Options struct {
	Serializer flushmanager.Serializer

	// MaxDirtyPages bounds the dirty pages expected by running and flushing
	// transactions. BeginTxn blocks while the bound would be exceeded.
	MaxDirtyPages int64
	// MemoryLimitBytes is the initial soft cap on resident bytes; 0 disables eviction.
	MemoryLimitBytes uint64
	ReadAhead        bool

	Logger  *zap.Logger
	Metrics *internaltelemetry.CacheMetrics
	Tracer  trace.Tracer
}

// Stats is a point-in-time view of a Directory.
type Stats struct {
	Slots          int
	FreeIDs        int
	ResidentBytes  uint64
	ResidentPages  int
	UnloadedPages  int
	DirtyPages     int64
	LiveTxns       int
	FlushBatches   uint64
	FlushedTxns    uint64
	Evictions      uint64
	ReadAheadTaken uint64
}

// Directory owns every block slot of one cache shard together with the free
// id pool and the flush scheduler. All state is guarded by mu; goroutines
// only ever wait on one-shot channels with mu released.
type Directory struct {
	mu sync.Mutex

	ser      flushmanager.Serializer
	logger   *zap.Logger
	metrics  *internaltelemetry.CacheMetrics
	tracer   trace.Tracer
	throttle *semaphore.Weighted
	maxDirty int64

	slots   map[pagemanager.BlockID]*slot
	free    []pagemanager.BlockID
	freeSet map[pagemanager.BlockID]struct{}
	nextID  pagemanager.BlockID

	graph   *flushmanager.Graph[*Txn]
	seq     *flushmanager.Sequencer
	evicter *eviction.Evicter

	txns      map[transaction.TxnID]*Txn
	nextTxnID transaction.TxnID
	clock     pagemanager.Recency

	readAhead      bool
	readAheadTaken uint64
	dirtyPages     int64
	flushBatches   uint64
	flushedTxns    uint64

	inflight int           // flush batches not yet completed
	drained  chan struct{} // closed when inflight drops to zero
	flushErr error
	closed   bool
}

// Open builds a Directory over opts.Serializer. The free list is seeded from
// the serializer's delete bits and the logical clock from its recencies.
func Open(ctx context.Context, opts Options) (*Directory, error) {
	if opts.Serializer == nil {
		return nil, errors.New("buffercache: a serializer is required")
	}
	if opts.Serializer.BlockSize() <= 0 {
		return nil, flushmanager.ErrInvalidBlockSize
	}
	if opts.MaxDirtyPages <= 0 {
		opts.MaxDirtyPages = defaultMaxDirtyPages
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("blockcache/buffercache")
	}

	d := &Directory{
		ser:       opts.Serializer,
		logger:    opts.Logger.Named("directory"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		throttle:  semaphore.NewWeighted(opts.MaxDirtyPages),
		maxDirty:  opts.MaxDirtyPages,
		slots:     make(map[pagemanager.BlockID]*slot),
		freeSet:   make(map[pagemanager.BlockID]struct{}),
		graph:     flushmanager.NewGraph[*Txn](),
		seq:       flushmanager.NewSequencer(),
		evicter:   eviction.NewEvicter(opts.MemoryLimitBytes, opts.Logger),
		txns:      make(map[transaction.TxnID]*Txn),
		nextTxnID: 1,
		readAhead: opts.ReadAhead,
	}
	d.evicter.SetCallbacks(d.canEvict, d.onEvicted)

	if err := d.seed(ctx); err != nil {
		return nil, err
	}
	d.logger.Info("block directory opened",
		zap.Uint64("max_block_id", uint64(d.nextID)),
		zap.Int("free_ids", len(d.free)),
		zap.Uint64("clock", uint64(d.clock)),
		zap.Bool("read_ahead", d.readAhead))
	return d, nil
}

func (d *Directory) seed(ctx context.Context) error {
	maxID, err := d.ser.MaxBlockID()
	if err != nil {
		return fmt.Errorf("reading max block id: %w", err)
	}
	recencies, err := d.ser.AllRecencies()
	if err != nil {
		return fmt.Errorf("reading recencies: %w", err)
	}
	if uint64(len(recencies)) != uint64(maxID) {
		return fmt.Errorf("recency table has %d entries for %d blocks", len(recencies), maxID)
	}

	d.nextID = maxID
	// Highest ids are pushed first so that low ids are reused first.
	for id := maxID; id > 0; id-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := d.ser.DeleteBit(id - 1)
		if err != nil {
			return fmt.Errorf("reading delete bit of block %d: %w", id-1, err)
		}
		if deleted {
			d.pushFree(id - 1)
		}
	}
	for _, r := range recencies {
		if r > d.clock {
			d.clock = r
		}
	}
	return nil
}

// BeginTxn starts a write transaction that expects to dirty about
// expectedChanges pages. It blocks while too many dirty pages are pending.
func (d *Directory) BeginTxn(ctx context.Context, expectedChanges int) (*Txn, error) {
	weight := int64(expectedChanges)
	if weight < 1 {
		weight = 1
	}
	if weight > d.maxDirty {
		weight = d.maxDirty
	}

	d.mu.Lock()
	if err := d.usable(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	if err := d.throttle.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		d.throttle.Release(weight)
		return nil, err
	}
	d.clock++
	t := &Txn{
		d:             d,
		id:            d.nextTxnID,
		timestamp:     d.clock,
		weight:        weight,
		footprint:     transaction.NewFootprint(),
		writeSlots:    make(map[pagemanager.BlockID]struct{}),
		liveAcquirers: 1,
		state:         transaction.TxnStateRunning,
		flushComplete: make(chan struct{}),
	}
	d.nextTxnID++
	t.node = d.graph.Add(t)
	d.txns[t.id] = t
	return t, nil
}

func (d *Directory) usable() error {
	if d.closed {
		return flushmanager.ErrDirectoryClosed
	}
	if d.flushErr != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrFlushFailed, d.flushErr)
	}
	return nil
}

// AcquireRead requests read access to a block outside of any transaction.
func (d *Directory) AcquireRead(id pagemanager.BlockID) (*Access, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, flushmanager.ErrDirectoryClosed
	}
	s, err := d.lookupSlot(id)
	if err != nil {
		return nil, err
	}
	if s.deleted {
		flushmanager.ContractViolation("block %d acquired after it was deleted", id)
	}
	a := newAccess(d, s, nil, ModeRead)
	d.admit(s, a)
	return a, nil
}

// lookupSlot returns the slot for id, recreating it from the durable index if
// it was destroyed. A free id belongs to a deleted block. The lock is dropped while the index is consulted; whoever
// recreates the slot first wins.
func (d *Directory) lookupSlot(id pagemanager.BlockID) (*slot, error) {
	if s, ok := d.slots[id]; ok {
		return s, nil
	}
	if _, free := d.freeSet[id]; free {
		flushmanager.ContractViolation("block %d acquired after it was deleted", id)
	}
	if id >= d.nextID {
		return nil, fmt.Errorf("%w: block %d", flushmanager.ErrBlockNotFound, id)
	}

	d.mu.Unlock()
	token, recency, found, err := d.ser.IndexRead(id)
	d.mu.Lock()

	if s, ok := d.slots[id]; ok {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index entry of block %d: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: block %d", flushmanager.ErrBlockNotFound, id)
	}
	buf := pagemanager.NewUnloaded(id, token)
	s := newSlot(id, buf, recency)
	d.slots[id] = s
	d.evicter.AddPage(buf)
	return s, nil
}

func (d *Directory) allocID() pagemanager.BlockID {
	if n := len(d.free); n > 0 {
		id := d.free[n-1]
		d.free = d.free[:n-1]
		delete(d.freeSet, id)
		return id
	}
	id := d.nextID
	d.nextID++
	return id
}

func (d *Directory) pushFree(id pagemanager.BlockID) {
	if _, ok := d.freeSet[id]; ok {
		return
	}
	d.freeSet[id] = struct{}{}
	d.free = append(d.free, id)
}

// canEvict lets the evicter unload only the live buffer of an idle slot.
func (d *Directory) canEvict(b *pagemanager.Buffer) bool {
	s, ok := d.slots[b.BlockID()]
	return ok && s.buffer == b && len(s.acquirers) == 0 && s.keepalive == 0
}

func (d *Directory) onEvicted(b *pagemanager.Buffer) {
	if d.metrics != nil {
		d.metrics.EvictionsCounter.Add(context.Background(), 1)
	}
	if s, ok := d.slots[b.BlockID()]; ok {
		d.maybeDestroy(s)
	}
}

// UpdateMemoryLimit forwards the memory balancer's decision to the evicter.
func (d *Directory) UpdateMemoryLimit(limit, bytesLoaded, accessCount uint64, readAheadOK bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evicter.UpdateMemoryLimit(limit, bytesLoaded, accessCount, readAheadOK)
}

// DisableReadAhead stops accepting speculative blocks for good.
func (d *Directory) DisableReadAhead() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readAhead = false
}

// OfferReadAhead offers a block the serializer read speculatively. It is only
// accepted while read-ahead is enabled, no slot for id exists yet and the
// evicter wants it.
func (d *Directory) OfferReadAhead(id pagemanager.BlockID, data []byte, token pagemanager.Token, recency pagemanager.Recency) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	accepted := d.acceptReadAhead(id, data, token)
	if accepted {
		buf := pagemanager.NewResident(id, data)
		buf.SetToken(token)
		d.slots[id] = newSlot(id, buf, recency)
		d.evicter.AddPage(buf)
		d.readAheadTaken++
		d.evicter.EvictIfNecessary()
	}
	if d.metrics != nil {
		d.metrics.ReadAheadCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Bool("accepted", accepted)))
	}
	return accepted
}

func (d *Directory) acceptReadAhead(id pagemanager.BlockID, data []byte, token pagemanager.Token) bool {
	if d.closed || !d.readAhead || !d.evicter.ReadAheadOK() {
		return false
	}
	if _, ok := d.slots[id]; ok {
		return false
	}
	if _, free := d.freeSet[id]; free || id >= d.nextID || !token.Valid() {
		return false
	}
	return d.evicter.InterestedInReadAhead(len(data))
}

// Stats returns a snapshot of the directory's bookkeeping.
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Slots:          len(d.slots),
		FreeIDs:        len(d.free),
		ResidentBytes:  d.evicter.ResidentBytes(),
		ResidentPages:  d.evicter.Count(eviction.CategoryResident),
		UnloadedPages:  d.evicter.Count(eviction.CategoryUnloaded),
		DirtyPages:     d.dirtyPages,
		LiveTxns:       len(d.txns),
		FlushBatches:   d.flushBatches,
		FlushedTxns:    d.flushedTxns,
		Evictions:      d.evicter.Evictions(),
		ReadAheadTaken: d.readAheadTaken,
	}
}

// FlushAll waits until every transaction begun so far has flushed. It
// returns the first flush error observed.
func (d *Directory) FlushAll(ctx context.Context) error {
	d.mu.Lock()
	pending := make([]*Txn, 0, len(d.txns))
	for _, t := range d.txns {
		pending = append(pending, t)
	}
	d.mu.Unlock()

	var firstErr error
	for _, t := range pending {
		if err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close refuses new work and waits for in-flight flush batches. The
// serializer is left open; it belongs to the caller.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.logger.Info("block directory closing", zap.Int("inflight_batches", d.inflight))
	}
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if d.inflight == 0 {
			d.mu.Unlock()
			return nil
		}
		if d.drained == nil {
			d.drained = make(chan struct{})
		}
		drained := d.drained
		d.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Directory) recordAdmission(mode Mode) {
	if d.metrics != nil {
		d.metrics.AdmissionsCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("mode", mode.String())))
	}
}

func (d *Directory) recordLoad() {
	if d.metrics != nil {
		d.metrics.BlockLoadsCounter.Add(context.Background(), 1)
	}
}

func (d *Directory) dirtyDelta(n int64) {
	d.dirtyPages += n
	if d.metrics != nil {
		d.metrics.DirtyPagesUpDownCounter.Add(context.Background(), n)
	}
}
