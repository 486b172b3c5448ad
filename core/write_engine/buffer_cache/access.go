package buffercache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/blockcache/core/transaction"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// Mode is the access an Access handle requests.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Access is a request for read or write access to one block. It is queued on
// the block's slot and granted in arrival order; ReadReady and WriteReady are
// one-shot signals that stay closed once fired.
//
// An Access must be released exactly once.
type Access struct {
	d    *Directory
	slot *slot
	txn  *Txn // nil for read-only contexts
	mode Mode

	version     pagemanager.Version
	recency     pagemanager.Recency
	prevRecency pagemanager.Recency

	readReady  chan struct{}
	writeReady chan struct{}
	readFired  bool
	writeFired bool

	snapshotDeclared bool
	spliced          bool
	snapshotBuf      *pagemanager.Buffer

	wasWrite bool
	dirtied  bool
	released bool
}

func newAccess(d *Directory, s *slot, t *Txn, mode Mode) *Access {
	a := &Access{
		d:         d,
		slot:      s,
		txn:       t,
		mode:      mode,
		readReady: make(chan struct{}),
		wasWrite:  mode == ModeWrite,
	}
	if mode == ModeWrite {
		a.writeReady = make(chan struct{})
	}
	return a
}

func (a *Access) fireRead() {
	if !a.readFired {
		a.readFired = true
		close(a.readReady)
	}
}

func (a *Access) fireWrite() {
	if !a.writeFired {
		a.writeFired = true
		close(a.writeReady)
	}
}

func (a *Access) BlockID() pagemanager.BlockID { return a.slot.id }

// Version is the block version this handle was admitted at.
func (a *Access) Version() pagemanager.Version { return a.version }

// Recency is the recency this handle observes (readers) or assigns (writers).
func (a *Access) Recency() pagemanager.Recency { return a.recency }

// Mode is the current mode; a downgraded write handle reports ModeRead.
func (a *Access) Mode() Mode {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	return a.mode
}

// ReadReady is closed once the handle may read the block.
func (a *Access) ReadReady() <-chan struct{} { return a.readReady }

// WriteReady is closed once the handle holds exclusive write access. It is
// nil for read handles.
func (a *Access) WriteReady() <-chan struct{} { return a.writeReady }

// WaitRead blocks until the handle is read-ready.
func (a *Access) WaitRead(ctx context.Context) error {
	select {
	case <-a.readReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitWrite blocks until the handle holds exclusive write access.
func (a *Access) WaitWrite(ctx context.Context) error {
	if a.writeReady == nil {
		flushmanager.ContractViolation("block %d: waiting for write access on a read handle", a.slot.id)
	}
	select {
	case <-a.writeReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read waits until the handle is read-ready, loads the block if necessary and
// returns its bytes. The returned slice must not be modified.
func (a *Access) Read(ctx context.Context) ([]byte, error) {
	if err := a.WaitRead(ctx); err != nil {
		return nil, err
	}
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("read")

	buf := a.slot.buffer
	if a.spliced {
		buf = a.snapshotBuf
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: block %d was deleted", flushmanager.ErrBlockNotFound, a.slot.id)
	}
	return d.load(ctx, buf)
}

// Write waits for exclusive access and returns the block's bytes for in-place
// modification. A buffer still referenced by snapshots is copied first.
func (a *Access) Write(ctx context.Context) ([]byte, error) {
	if err := a.WaitWrite(ctx); err != nil {
		return nil, err
	}
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("write")
	if a.mode != ModeWrite {
		flushmanager.ContractViolation("block %d: write through a downgraded handle", a.slot.id)
	}
	s := a.slot
	if s.deleted {
		return nil, fmt.Errorf("%w: block %d was deleted", flushmanager.ErrBlockNotFound, s.id)
	}

	if _, err := d.load(ctx, s.buffer); err != nil {
		return nil, err
	}
	buf := s.buffer
	if buf.Shared() {
		// The old buffer stays tracked until its last snapshot is released.
		cow := buf.Copy()
		d.evicter.AddPage(cow)
		s.buffer = cow
		buf = cow
	}
	buf.ClearToken()
	a.dirtied = true
	d.evicter.Touch(buf)
	return buf.Data(), nil
}

// Delete discards the block. The handle must hold exclusive write access.
func (a *Access) Delete(ctx context.Context) error {
	if err := a.WaitWrite(ctx); err != nil {
		return err
	}
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("delete")
	if a.mode != ModeWrite {
		flushmanager.ContractViolation("block %d: delete through a downgraded handle", a.slot.id)
	}
	s := a.slot
	if s.deleted {
		flushmanager.ContractViolation("block %d deleted twice", s.id)
	}
	if buf := s.buffer; buf != nil {
		buf.MarkDiscarded()
		if buf.Shared() {
			d.evicter.Recategorize(buf)
		} else {
			d.evicter.RemovePage(buf)
		}
	}
	s.buffer = nil
	s.deleted = true
	a.dirtied = true
	d.logger.Debug("block deleted", zap.Uint64("block_id", uint64(s.id)), zap.Uint64("version", uint64(a.version)))
	return nil
}

// Downgrade gives up exclusive access while keeping read access, letting the
// readers queued behind the handle proceed. Changes made so far are recorded
// when the handle is released.
func (a *Access) Downgrade() {
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("downgrade")
	if a.mode != ModeWrite {
		return
	}
	a.mode = ModeRead
	d.pulse(a.slot)
}

// DeclareSnapshot turns a read handle into a point-in-time view. Once pulsed
// it leaves the slot's queue and keeps its own reference to the buffer, so
// later writers proceed without waiting for its release.
func (a *Access) DeclareSnapshot() {
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("declare a snapshot on")
	if a.wasWrite {
		flushmanager.ContractViolation("block %d: only read handles can be snapshotted", a.slot.id)
	}
	if a.snapshotDeclared {
		return
	}
	a.snapshotDeclared = true
	if a.readFired {
		d.pulse(a.slot)
	}
}

// Release ends the handle. A handle released before it became ready is simply
// withdrawn from the queue. A write handle folds what it did into its
// transaction's footprint.
func (a *Access) Release() {
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()
	a.checkLive("release")
	a.released = true
	s := a.slot

	if a.spliced {
		s.keepalive--
		if a.snapshotBuf != nil {
			d.releaseSnapshot(a.snapshotBuf)
			a.snapshotBuf = nil
		}
	} else {
		s.remove(a)
	}

	if a.wasWrite {
		t := a.txn
		switch {
		case a.dirtied:
			page := transaction.DirtiedPage{
				Version: a.version,
				Recency: a.recency,
				Deleted: s.deleted,
			}
			if !s.deleted {
				s.buffer.AcquireSnapshot()
				page.Buffer = s.buffer
			}
			_, existed := t.footprint.Dirtied()[s.id]
			if dropped := t.footprint.RecordDirtied(s.id, page); dropped != nil {
				d.releaseSnapshot(dropped)
			}
			if !existed {
				d.dirtyDelta(1)
			}
		case a.recency > a.prevRecency:
			t.footprint.RecordTouched(s.id, transaction.TouchedPage{
				Version: a.version,
				Recency: a.recency,
			})
		}
	}

	d.pulse(s)
	if a.txn != nil {
		a.txn.liveAcquirers--
		d.maybeAnnounce(a.txn)
	}
	d.maybeDestroy(s)
	d.evicter.EvictIfNecessary()
}

func (a *Access) checkLive(op string) {
	if a.released {
		flushmanager.ContractViolation("block %d: %s a released handle", a.slot.id, op)
	}
}

// releaseSnapshot drops one snapshot reference. A buffer that nobody
// references anymore and that is no longer a slot's live buffer is forgotten.
func (d *Directory) releaseSnapshot(buf *pagemanager.Buffer) {
	if buf.ReleaseSnapshot() > 0 {
		return
	}
	if s, ok := d.slots[buf.BlockID()]; !ok || s.buffer != buf {
		d.evicter.RemovePage(buf)
	}
}

// load makes buf resident and returns its bytes. The caller holds d.mu; it is
// released while the serializer reads. The read itself is detached from ctx
// so that one caller giving up does not fail the others waiting on it.
func (d *Directory) load(ctx context.Context, buf *pagemanager.Buffer) ([]byte, error) {
	for {
		loaded, started := buf.BeginLoad()
		if buf.State() == pagemanager.BufferResident {
			d.evicter.Touch(buf)
			return buf.Data(), nil
		}
		if started {
			d.evicter.Recategorize(buf)
			go d.fetch(context.WithoutCancel(ctx), buf, buf.Token())
		}

		d.mu.Unlock()
		select {
		case <-loaded:
			d.mu.Lock()
		case <-ctx.Done():
			d.mu.Lock()
			return nil, ctx.Err()
		}
		if buf.State() != pagemanager.BufferResident && buf.LoadErr() != nil {
			return nil, buf.LoadErr()
		}
	}
}

// fetch reads buf's bytes and completes the load started for it.
func (d *Directory) fetch(ctx context.Context, buf *pagemanager.Buffer, token pagemanager.Token) {
	data, err := d.ser.Read(ctx, token)

	d.mu.Lock()
	defer d.mu.Unlock()
	buf.FinishLoad(data, err)
	d.evicter.Recategorize(buf)
	if err != nil {
		d.logger.Error("block load failed", zap.Uint64("block_id", uint64(buf.BlockID())), zap.Error(err))
		return
	}
	d.evicter.NoteLoaded(len(data))
	d.evicter.Touch(buf)
	d.recordLoad()
	d.evicter.EvictIfNecessary()
}
