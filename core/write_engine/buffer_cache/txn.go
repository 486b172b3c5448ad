package buffercache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/blockcache/core/transaction"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// Txn is a write transaction. Its write handles fold their changes into its
// footprint on release; once End has been called and every handle is
// released, the transaction is handed to the flush scheduler.
type Txn struct {
	d         *Directory
	id        transaction.TxnID
	node      flushmanager.NodeID
	timestamp pagemanager.Recency
	weight    int64 // throttle units held until the flush completes

	footprint  *transaction.Footprint
	writeSlots map[pagemanager.BlockID]struct{}

	// liveAcquirers counts outstanding handles plus one for the transaction
	// itself until End is called.
	liveAcquirers int
	ended         bool
	state         transaction.TransactionState

	flushComplete chan struct{}
	err           error
}

func (t *Txn) ID() transaction.TxnID { return t.id }

// Timestamp is the recency this transaction stamps on the blocks it writes.
func (t *Txn) Timestamp() pagemanager.Recency { return t.timestamp }

// State returns the transaction's lifecycle state.
func (t *Txn) State() transaction.TransactionState {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	return t.state
}

// Acquire requests access to an existing block. Acquiring a deleted block is
// a contract violation.
func (t *Txn) Acquire(id pagemanager.BlockID, mode Mode) (*Access, error) {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()
	t.checkRunning("acquire")

	s, err := d.lookupSlot(id)
	if err != nil {
		return nil, err
	}
	// lookupSlot may have dropped the lock.
	t.checkRunning("acquire")
	if s.deleted {
		flushmanager.ContractViolation("block %d acquired after it was deleted", id)
	}
	a := newAccess(d, s, t, mode)
	d.admit(s, a)
	return a, nil
}

// Create allocates a new zeroed block and returns a write handle that already
// holds exclusive access to it.
func (t *Txn) Create() *Access {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()
	t.checkRunning("create a block in")

	id := d.allocID()
	buf := pagemanager.NewZeroed(id, d.ser.BlockSize())
	s := newSlot(id, buf, pagemanager.InvalidRecency)
	d.slots[id] = s
	d.evicter.AddPage(buf)

	a := newAccess(d, s, t, ModeWrite)
	a.dirtied = true
	d.admit(s, a)
	d.logger.Debug("block created", zap.Uint64("block_id", uint64(id)), zap.Uint64("txn_id", uint64(t.id)))
	return a
}

// End declares that the transaction will acquire no more blocks. The
// transaction becomes flush-ready once its handles are released too.
func (t *Txn) End() {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()
	t.checkRunning("end")
	t.ended = true
	t.liveAcquirers--
	d.maybeAnnounce(t)
}

// FlushComplete is closed once the transaction's flush batch finished,
// successfully or not.
func (t *Txn) FlushComplete() <-chan struct{} { return t.flushComplete }

// Wait blocks until the flush completes and returns its error.
func (t *Txn) Wait(ctx context.Context) error {
	select {
	case <-t.flushComplete:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the flush error, or nil while the flush is pending or succeeded.
func (t *Txn) Err() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	return t.err
}

func (t *Txn) checkRunning(op string) {
	if t.ended {
		flushmanager.ContractViolation("txn %d: %s an ended transaction", t.id, op)
	}
}

func (t *Txn) String() string {
	return fmt.Sprintf("txn(%d)", t.id)
}

// maybeAnnounce hands t to the scheduler once nothing can add to its
// footprint anymore.
func (d *Directory) maybeAnnounce(t *Txn) {
	if t.liveAcquirers < 0 {
		flushmanager.ContractViolation("txn %d released more handles than it acquired", t.id)
	}
	if t.liveAcquirers > 0 || t.state != transaction.TxnStateRunning {
		return
	}
	t.state = transaction.TxnStateFlushReady
	d.graph.MarkFlushReady(t.node)
	d.logger.Debug("transaction flush-ready",
		zap.Uint64("txn_id", uint64(t.id)),
		zap.Int("dirtied", t.footprint.DirtyCount()),
		zap.Int("touched", len(t.footprint.Touched())))
	d.schedule(t.node)
}
