package buffercache

import (
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// slot is the coordination point for one block id. All fields are guarded by
// the owning Directory's mutex.
type slot struct {
	id pagemanager.BlockID

	// acquirers is the FIFO queue of handles that have not released or been
	// spliced out as snapshots. Arrival order is queue order.
	acquirers []*Access

	// version and recency of the queue tail, or the committed state when the
	// queue is empty.
	version pagemanager.Version
	recency pagemanager.Recency

	buffer  *pagemanager.Buffer // nil once deleted
	deleted bool

	// lastWriteTxn is the flush graph node of the transaction that most
	// recently held write access. Zero or stale once that node is removed.
	lastWriteTxn flushmanager.NodeID

	// keepalive counts outstanding snapshot handles.
	keepalive int
}

func newSlot(id pagemanager.BlockID, buf *pagemanager.Buffer, recency pagemanager.Recency) *slot {
	return &slot{id: id, buffer: buf, recency: recency}
}

// admit assigns a the version and recency it sees and appends it to the queue.
func (d *Directory) admit(s *slot, a *Access) {
	prevRecency := s.recency
	if a.mode == ModeWrite {
		t := a.txn
		a.version = s.version.Next()
		a.recency = pagemanager.SupersedingRecency(prevRecency, t.timestamp)
		s.version, s.recency = a.version, a.recency

		if d.graph.Live(s.lastWriteTxn) && s.lastWriteTxn != t.node {
			if d.graph.AddEdge(t.node, s.lastWriteTxn) {
				d.logger.Debug("added flush dependency",
					zap.Uint64("block_id", uint64(s.id)),
					zap.Uint64("txn_id", uint64(t.id)),
					zap.Uint64("preceder_txn_id", uint64(d.graph.Payload(s.lastWriteTxn).id)))
			}
		}
		s.lastWriteTxn = t.node
		t.writeSlots[s.id] = struct{}{}
	} else {
		a.version = s.version
		a.recency = s.recency
	}
	a.prevRecency = prevRecency

	if a.txn != nil {
		a.txn.liveAcquirers++
	}
	s.acquirers = append(s.acquirers, a)
	d.recordAdmission(a.mode)
	d.pulse(s)
}

// pulse walks the queue from its head granting every signal that has become
// grantable. Consecutive readers are released together; a write handle only
// gets write access at the head and stops the walk.
func (d *Directory) pulse(s *slot) {
	for i := 0; i < len(s.acquirers); {
		a := s.acquirers[i]
		if i > 0 {
			pred := s.acquirers[i-1]
			if pred.mode != ModeRead || !pred.readFired {
				return
			}
		}
		a.fireRead()

		if a.mode == ModeRead && a.snapshotDeclared {
			d.spliceSnapshot(s, i)
			continue
		}
		if a.mode == ModeWrite {
			if i == 0 {
				a.fireWrite()
			}
			return
		}
		i++
	}
}

// spliceSnapshot removes the read handle at position i from the queue and lets
// it keep a private reference to the current buffer.
func (d *Directory) spliceSnapshot(s *slot, i int) {
	a := s.acquirers[i]
	s.acquirers = append(s.acquirers[:i], s.acquirers[i+1:]...)
	a.spliced = true
	a.snapshotBuf = s.buffer
	if a.snapshotBuf != nil {
		a.snapshotBuf.AcquireSnapshot()
	}
	s.keepalive++
}

// remove takes a out of the queue. It reports false if a was not queued.
func (s *slot) remove(a *Access) bool {
	for i, q := range s.acquirers {
		if q == a {
			s.acquirers = append(s.acquirers[:i], s.acquirers[i+1:]...)
			return true
		}
	}
	return false
}

// idle reports whether nothing references the slot beyond the index itself.
func (d *Directory) idle(s *slot) bool {
	return len(s.acquirers) == 0 && s.keepalive == 0 && !d.graph.Live(s.lastWriteTxn)
}

// maybeDestroy drops s from the index once it is idle and its state is fully
// recoverable from durable storage. A destroyed deleted slot frees its id.
func (d *Directory) maybeDestroy(s *slot) {
	if d.slots[s.id] != s || !d.idle(s) {
		return
	}
	switch {
	case s.deleted:
		delete(d.slots, s.id)
		d.pushFree(s.id)
		d.logger.Debug("destroyed deleted block slot", zap.Uint64("block_id", uint64(s.id)))
	case s.buffer != nil && s.buffer.State() == pagemanager.BufferUnloaded && s.buffer.HasToken():
		delete(d.slots, s.id)
		d.evicter.RemovePage(s.buffer)
		d.logger.Debug("destroyed evicted block slot", zap.Uint64("block_id", uint64(s.id)))
	}
}
