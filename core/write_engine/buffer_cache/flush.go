package buffercache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/blockcache/core/transaction"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// batch is one flush of a maximal flushable set of transactions.
type batch struct {
	seq    uint64
	ticket flushmanager.Ticket
	txns   []*Txn
	part   transaction.Partition

	// Captured under the lock when the batch is spawned.
	writes []flushmanager.WriteRequest
	ops    []flushmanager.IndexOp // everything except the byte writes' updates
}

// schedule flushes the maximal flushable set containing node, if any. The
// caller holds d.mu.
func (d *Directory) schedule(node flushmanager.NodeID) {
	set := d.graph.MaximalFlushableSet(node)
	if len(set) == 0 {
		return
	}

	d.flushBatches++
	b := &batch{seq: d.flushBatches}
	footprints := make([]*transaction.Footprint, 0, len(set))
	for _, id := range set {
		d.graph.MarkSpawned(id)
		t := d.graph.Payload(id)
		t.state = transaction.TxnStateFlushing
		b.txns = append(b.txns, t)
		footprints = append(footprints, t.footprint)
	}

	b.part = transaction.PartitionChanges(transaction.ComputeChanges(footprints...))
	for _, c := range b.part.ByteWrites {
		b.writes = append(b.writes, flushmanager.WriteRequest{BlockID: c.BlockID, Data: c.Buffer.Data()})
	}
	for _, c := range b.part.Deletes {
		b.ops = append(b.ops, flushmanager.IndexOp{BlockID: c.BlockID, Kind: flushmanager.IndexOpDelete, Recency: c.Recency})
	}
	for _, c := range b.part.IndexOnly {
		b.ops = append(b.ops, flushmanager.IndexOp{BlockID: c.BlockID, Kind: flushmanager.IndexOpUpdate, Token: c.Buffer.Token(), Recency: c.Recency})
	}
	for _, c := range b.part.Touches {
		b.ops = append(b.ops, flushmanager.IndexOp{BlockID: c.BlockID, Kind: flushmanager.IndexOpTouch, Recency: c.Recency})
	}

	// Tickets are issued in scheduling order.
	b.ticket = d.seq.Issue()
	d.inflight++

	d.logger.Debug("spawning flush batch",
		zap.Uint64("batch", b.seq),
		zap.Int("txns", len(b.txns)),
		zap.Int("byte_writes", len(b.writes)),
		zap.Int("index_ops", len(b.ops)+len(b.writes)))
	if d.metrics != nil {
		d.metrics.FlushBatchesCounter.Add(context.Background(), 1)
	}
	go d.runBatch(b)
}

// runBatch performs the durable part of a flush without holding d.mu: byte
// writes first, then the index write in ticket order.
func (d *Directory) runBatch(b *batch) {
	start := time.Now()
	ctx, span := d.tracer.Start(context.Background(), "buffercache.flush_batch",
		trace.WithAttributes(
			attribute.Int64("batch", int64(b.seq)),
			attribute.Int("txns", len(b.txns)),
			attribute.Int("byte_writes", len(b.writes))))
	defer span.End()

	var (
		tokens []pagemanager.Token
		err    error
	)
	if len(b.writes) > 0 {
		tokens, err = d.ser.Write(ctx, b.writes)
		if err == nil && len(tokens) != len(b.writes) {
			err = fmt.Errorf("%w: serializer returned %d tokens for %d writes", flushmanager.ErrShortWrite, len(tokens), len(b.writes))
		}
	}

	<-d.seq.Wait(b.ticket)
	if err == nil {
		ops := b.ops
		for i, c := range b.part.ByteWrites {
			ops = append(ops, flushmanager.IndexOp{BlockID: c.BlockID, Kind: flushmanager.IndexOpUpdate, Token: tokens[i], Recency: c.Recency})
		}
		if len(ops) > 0 {
			err = d.ser.IndexWrite(ctx, ops)
		}
	}
	d.seq.Done(b.ticket)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	d.mu.Lock()
	d.completeBatch(b, tokens, err)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.FlushLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
	}
}

// completeBatch attaches the new tokens, tears the batch's transactions out
// of the graph, fires their completion signals and reschedules transactions
// that lost their last blocking preceder. The caller holds d.mu.
func (d *Directory) completeBatch(b *batch, tokens []pagemanager.Token, err error) {
	if err == nil {
		for i, c := range b.part.ByteWrites {
			c.Buffer.SetToken(tokens[i])
		}
	} else {
		if d.flushErr == nil {
			d.flushErr = err
		}
		d.logger.Error("flush batch failed", zap.Uint64("batch", b.seq), zap.Int("txns", len(b.txns)), zap.Error(err))
		if d.metrics != nil {
			d.metrics.FlushFailuresCounter.Add(context.Background(), 1)
		}
	}

	var touched []*slot
	var released []flushmanager.NodeID
	for _, t := range b.txns {
		for _, buf := range t.footprint.ReleaseSnapshots() {
			if s, ok := d.slots[buf.BlockID()]; !ok || s.buffer != buf {
				d.evicter.RemovePage(buf)
			}
		}
		d.dirtyDelta(-int64(t.footprint.DirtyCount()))

		for id := range t.writeSlots {
			if s, ok := d.slots[id]; ok {
				if s.lastWriteTxn == t.node {
					s.lastWriteTxn = flushmanager.NodeID{}
				}
				touched = append(touched, s)
			}
		}
		released = append(released, d.graph.Remove(t.node)...)

		if err != nil {
			t.state = transaction.TxnStateFailed
			t.err = fmt.Errorf("%w: %v", flushmanager.ErrFlushFailed, err)
		} else {
			t.state = transaction.TxnStateFlushed
		}
		delete(d.txns, t.id)
		d.throttle.Release(t.weight)
		close(t.flushComplete)
	}

	d.flushedTxns += uint64(len(b.txns))
	if d.metrics != nil && err == nil {
		ctx := context.Background()
		d.metrics.FlushedTxnsCounter.Add(ctx, int64(len(b.txns)))
		d.metrics.FlushedBlocksCounter.Add(ctx, int64(len(b.writes)+len(b.ops)))
	}
	d.logger.Debug("flush batch complete", zap.Uint64("batch", b.seq), zap.Bool("ok", err == nil))

	for _, s := range touched {
		d.maybeDestroy(s)
	}
	d.evicter.EvictIfNecessary()

	for _, id := range released {
		if d.graph.Live(id) && d.graph.FlushReady(id) && !d.graph.Spawned(id) {
			d.schedule(id)
		}
	}

	d.inflight--
	if d.inflight == 0 && d.drained != nil {
		close(d.drained)
		d.drained = nil
	}
}
