package transaction

import (
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// TxnID identifies a write transaction within one cache shard.
type TxnID uint64

// TransactionState represents the lifecycle of a write transaction.
type TransactionState int

const (
	TxnStateRunning    TransactionState = iota // Access handles may still be acquired or outstanding
	TxnStateFlushReady                         // Every access handle is released; waiting for its flush batch
	TxnStateFlushing                           // Part of a flush batch in flight
	TxnStateFlushed                            // Batch durably written
	TxnStateFailed                             // Batch failed; Err reports why
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateFlushReady:
		return "flush_ready"
	case TxnStateFlushing:
		return "flushing"
	case TxnStateFlushed:
		return "flushed"
	case TxnStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DirtiedPage is a block a transaction actually mutated (or deleted), with
// the copy-on-write snapshot of its content at release time.
type DirtiedPage struct {
	Version pagemanager.Version
	Buffer  *pagemanager.Buffer // nil when Deleted
	Recency pagemanager.Recency
	Deleted bool
}

// TouchedPage is a block whose recency changed while its bytes did not.
type TouchedPage struct {
	Version pagemanager.Version
	Recency pagemanager.Recency
}

// Footprint is the set of blocks one write transaction dirtied or touched.
type Footprint struct {
	dirtied map[pagemanager.BlockID]DirtiedPage
	touched map[pagemanager.BlockID]TouchedPage
}

func NewFootprint() *Footprint {
	return &Footprint{
		dirtied: make(map[pagemanager.BlockID]DirtiedPage),
		touched: make(map[pagemanager.BlockID]TouchedPage),
	}
}

// RecordDirtied stores page for id unless an entry with a higher version is
// already present. It returns the snapshot buffer that is no longer
// referenced by the footprint (the superseded one, or page's own when it
// lost), which the caller must release. It returns nil if nothing was dropped.
func (f *Footprint) RecordDirtied(id pagemanager.BlockID, page DirtiedPage) *pagemanager.Buffer {
	prev, ok := f.dirtied[id]
	if ok && prev.Version >= page.Version {
		return page.Buffer
	}
	f.dirtied[id] = page
	if ok {
		return prev.Buffer
	}
	return nil
}

// RecordTouched stores page for id unless a higher-version entry exists.
func (f *Footprint) RecordTouched(id pagemanager.BlockID, page TouchedPage) {
	if prev, ok := f.touched[id]; ok && prev.Version >= page.Version {
		return
	}
	f.touched[id] = page
}

func (f *Footprint) Dirtied() map[pagemanager.BlockID]DirtiedPage { return f.dirtied }
func (f *Footprint) Touched() map[pagemanager.BlockID]TouchedPage { return f.touched }

// DirtyCount is the number of distinct blocks with dirty content.
func (f *Footprint) DirtyCount() int { return len(f.dirtied) }

// Empty reports whether the transaction left no trace at all.
func (f *Footprint) Empty() bool { return len(f.dirtied) == 0 && len(f.touched) == 0 }

// ReleaseSnapshots drops every snapshot the footprint holds and returns the
// buffers that are no longer referenced by any snapshot holder.
func (f *Footprint) ReleaseSnapshots() []*pagemanager.Buffer {
	var unreferenced []*pagemanager.Buffer
	for id, d := range f.dirtied {
		if d.Buffer != nil && d.Buffer.ReleaseSnapshot() == 0 {
			unreferenced = append(unreferenced, d.Buffer)
		}
		d.Buffer = nil
		f.dirtied[id] = d
	}
	return unreferenced
}
