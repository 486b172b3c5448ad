package buffercache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/blockcache/core/transaction"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
	"github.com/sushant-115/blockcache/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/blockcache/internal/telemetry"
)

const testBlockSize = 8

// --- Test Helpers ---

// setupDirectory opens a Directory over ser and closes it when the test ends.
func setupDirectory(t *testing.T, ser *wal.MemorySerializer, opts Options) *Directory {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	metrics, err := internaltelemetry.NewCacheMetrics(noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)

	opts.Serializer = ser
	opts.Logger = logger
	opts.Metrics = metrics
	d, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close(context.Background())) })
	return d
}

func fill(b byte) []byte { return bytes.Repeat([]byte{b}, testBlockSize) }

func fired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func begin(t *testing.T, d *Directory) *Txn {
	t.Helper()
	txn, err := d.BeginTxn(context.Background(), 1)
	require.NoError(t, err)
	return txn
}

func acquire(t *testing.T, txn *Txn, id pagemanager.BlockID, mode Mode) *Access {
	t.Helper()
	a, err := txn.Acquire(id, mode)
	require.NoError(t, err)
	return a
}

func acquireRead(t *testing.T, d *Directory, id pagemanager.BlockID) *Access {
	t.Helper()
	a, err := d.AcquireRead(id)
	require.NoError(t, err)
	return a
}

// writeBlock overwrites the block behind a with b's bytes.
func writeBlock(t *testing.T, a *Access, b byte) {
	t.Helper()
	data, err := a.Write(context.Background())
	require.NoError(t, err)
	copy(data, fill(b))
}

func readBlock(t *testing.T, a *Access) []byte {
	t.Helper()
	data, err := a.Read(context.Background())
	require.NoError(t, err)
	return append([]byte(nil), data...)
}

func commit(t *testing.T, txn *Txn) {
	t.Helper()
	txn.End()
	require.NoError(t, txn.Wait(context.Background()))
}

// --- Test Cases ---

// TestDirectory_CreateWriteFlush creates a block, writes it in one
// transaction and expects a flush of that transaction alone.
func TestDirectory_CreateWriteFlush(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{})

	txn := begin(t, d)
	a := txn.Create()
	require.True(t, fired(a.WriteReady()))
	writeBlock(t, a, 'A')
	a.Release()
	commit(t, txn)

	data, recency, ok := ser.Lookup(a.BlockID())
	require.True(t, ok)
	require.Equal(t, fill('A'), data)
	require.Equal(t, txn.Timestamp(), recency)
	require.Equal(t, transaction.TxnStateFlushed, txn.State())
	require.Len(t, ser.IndexWrites(), 1)

	stats := d.Stats()
	require.Equal(t, 0, stats.LiveTxns)
	require.Equal(t, uint64(1), stats.FlushBatches)
	require.Equal(t, int64(0), stats.DirtyPages)
}

// TestDirectory_DependentTransactionsFlushTogether has T2 overwrite a block
// that T1 dirtied. T2 becomes flush-ready first but must wait for T1, and the
// merged batch keeps T2's bytes.
func TestDirectory_DependentTransactionsFlushTogether(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(7, fill('0'), 0)
	d := setupDirectory(t, ser, Options{})

	t1 := begin(t, d)
	a1 := acquire(t, t1, 7, ModeWrite)
	writeBlock(t, a1, '1')
	a1.Release()

	t2 := begin(t, d)
	a2 := acquire(t, t2, 7, ModeWrite)
	require.True(t, fired(a2.WriteReady()))
	require.Greater(t, a2.Version(), a1.Version())
	writeBlock(t, a2, '2')
	a2.Release()
	t2.End()

	require.Equal(t, transaction.TxnStateFlushReady, t2.State())
	require.False(t, fired(t2.FlushComplete()))
	require.Empty(t, ser.IndexWrites())

	t1.End()
	require.NoError(t, t1.Wait(context.Background()))
	require.NoError(t, t2.Wait(context.Background()))

	batches := ser.IndexWrites()
	require.Len(t, batches, 1, "T1 and T2 flush in one batch")
	require.Len(t, batches[0], 1)
	require.Equal(t, t2.Timestamp(), batches[0][0].Recency)

	data, _, ok := ser.Lookup(7)
	require.True(t, ok)
	require.Equal(t, fill('2'), data)
	require.Zero(t, d.graph.Len())
}

// TestDirectory_SnapshotSurvivesLaterWriter pins a reader's view of a block
// while a later writer changes and flushes it.
func TestDirectory_SnapshotSurvivesLaterWriter(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(3, fill('0'), 0)
	d := setupDirectory(t, ser, Options{})

	for i := 1; i <= 5; i++ {
		txn := begin(t, d)
		a := acquire(t, txn, 3, ModeWrite)
		writeBlock(t, a, byte('0'+i))
		a.Release()
		commit(t, txn)
	}

	r1 := acquireRead(t, d, 3)
	require.Equal(t, pagemanager.Version(5), r1.Version())
	r1.DeclareSnapshot()
	require.Equal(t, fill('5'), readBlock(t, r1))

	w := begin(t, d)
	wa := acquire(t, w, 3, ModeWrite)
	require.True(t, fired(wa.WriteReady()), "a snapshot does not hold back writers")
	require.Equal(t, pagemanager.Version(6), wa.Version())
	writeBlock(t, wa, '6')
	wa.Release()
	commit(t, w)

	require.Equal(t, fill('5'), readBlock(t, r1))
	data, _, _ := ser.Lookup(3)
	require.Equal(t, fill('6'), data)
	r1.Release()

	r2 := acquireRead(t, d, 3)
	require.Equal(t, fill('6'), readBlock(t, r2))
	r2.Release()
}

// TestDirectory_FIFOWithReaderBatching checks that signals fire in arrival
// order and consecutive readers are granted together.
func TestDirectory_FIFOWithReaderBatching(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(1, fill('a'), 0)
	d := setupDirectory(t, ser, Options{})

	txn := begin(t, d)
	r1 := acquireRead(t, d, 1)
	r2 := acquireRead(t, d, 1)
	w := acquire(t, txn, 1, ModeWrite)
	r3 := acquireRead(t, d, 1)

	require.True(t, fired(r1.ReadReady()))
	require.True(t, fired(r2.ReadReady()))
	require.True(t, fired(w.ReadReady()))
	require.False(t, fired(w.WriteReady()))
	require.False(t, fired(r3.ReadReady()))

	r1.Release()
	require.False(t, fired(w.WriteReady()))
	r2.Release()
	require.True(t, fired(w.WriteReady()))
	require.False(t, fired(r3.ReadReady()))

	w.Release()
	require.True(t, fired(r3.ReadReady()))
	require.Equal(t, w.Version(), r3.Version())
	require.Equal(t, w.Recency(), r3.Recency())
	r3.Release()
	commit(t, txn)

	// The writer changed no bytes, so only its recency was flushed.
	batches := ser.IndexWrites()
	require.Len(t, batches, 1)
	require.Equal(t, flushmanager.IndexOpTouch, batches[0][0].Kind)
	_, recency, _ := ser.Lookup(1)
	require.Equal(t, txn.Timestamp(), recency)
}

// TestDirectory_ReleaseBeforeReadyWithdrawsHandle cancels a queued writer and
// lets the reader behind it through.
func TestDirectory_ReleaseBeforeReadyWithdrawsHandle(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(4, fill('a'), 0)
	d := setupDirectory(t, ser, Options{})

	t1 := begin(t, d)
	t2 := begin(t, d)
	w1 := acquire(t, t1, 4, ModeWrite)
	w2 := acquire(t, t2, 4, ModeWrite)
	r := acquireRead(t, d, 4)
	require.True(t, fired(w1.WriteReady()))
	require.False(t, fired(w2.ReadReady()))

	w2.Release()
	require.False(t, fired(r.ReadReady()))
	w1.Release()
	require.True(t, fired(r.ReadReady()))
	r.Release()

	commit(t, t1)
	commit(t, t2)
}

// TestDirectory_IndexWritesFollowScheduleOrder lets a later batch finish its
// byte writes first; its index update must still apply second.
func TestDirectory_IndexWritesFollowScheduleOrder(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{})

	gate := make(chan struct{})
	secondWrote := make(chan struct{})
	ser.SetWriteHook(func(ctx context.Context, reqs []flushmanager.WriteRequest) error {
		if reqs[0].Data[0] == 'x' {
			<-gate
		} else {
			close(secondWrote)
		}
		return nil
	})

	t1 := begin(t, d)
	a1 := t1.Create()
	writeBlock(t, a1, 'x')
	a1.Release()
	t1.End()

	t2 := begin(t, d)
	a2 := acquire(t, t2, a1.BlockID(), ModeWrite)
	writeBlock(t, a2, 'y')
	a2.Release()
	t2.End()

	<-secondWrote
	require.Empty(t, ser.IndexWrites())
	close(gate)

	require.NoError(t, t1.Wait(context.Background()))
	require.NoError(t, t2.Wait(context.Background()))
	batches := ser.IndexWrites()
	require.Len(t, batches, 2)
	require.Equal(t, t1.Timestamp(), batches[0][0].Recency)
	require.Equal(t, t2.Timestamp(), batches[1][0].Recency)

	data, _, _ := ser.Lookup(a1.BlockID())
	require.Equal(t, fill('y'), data)
	require.Zero(t, d.graph.Len())
}

// TestDirectory_DowngradeLetsReadersThrough downgrades a writer so the reader
// queued behind it sees the new bytes, while the next writer keeps waiting.
func TestDirectory_DowngradeLetsReadersThrough(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(2, fill('o'), 0)
	d := setupDirectory(t, ser, Options{})

	t1 := begin(t, d)
	w := acquire(t, t1, 2, ModeWrite)
	writeBlock(t, w, 'n')
	r := acquireRead(t, d, 2)
	t2 := begin(t, d)
	w2 := acquire(t, t2, 2, ModeWrite)
	require.False(t, fired(r.ReadReady()))

	w.Downgrade()
	require.Equal(t, ModeRead, w.Mode())
	require.True(t, fired(r.ReadReady()))
	require.Equal(t, fill('n'), readBlock(t, r))
	require.False(t, fired(w2.WriteReady()))

	w.Release()
	require.False(t, fired(w2.WriteReady()))
	r.Release()
	require.True(t, fired(w2.WriteReady()))
	w2.Release()

	t2.End()
	commit(t, t1)
	require.NoError(t, t2.Wait(context.Background()))
	data, _, _ := ser.Lookup(2)
	require.Equal(t, fill('n'), data)
}

// TestDirectory_DeleteFreesIDAfterFlush deletes a block and expects its id to
// be reused only once the deletion is durable.
func TestDirectory_DeleteFreesIDAfterFlush(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{})

	t1 := begin(t, d)
	a := t1.Create()
	id := a.BlockID()
	writeBlock(t, a, 'd')
	a.Release()
	commit(t, t1)

	t2 := begin(t, d)
	del := acquire(t, t2, id, ModeWrite)
	require.NoError(t, del.Delete(context.Background()))
	del.Release()
	require.Panics(t, func() { _, _ = d.AcquireRead(id) })

	commit(t, t2)
	require.True(t, ser.Deleted(id))
	require.Equal(t, 1, d.Stats().FreeIDs)
	require.Panics(t, func() { _, _ = d.AcquireRead(id) }, "a deleted block stays deleted after its slot is gone")
	_, err := d.AcquireRead(id + 100)
	require.ErrorIs(t, err, flushmanager.ErrBlockNotFound)

	t3 := begin(t, d)
	again := t3.Create()
	require.Equal(t, id, again.BlockID())
	again.Release()
	commit(t, t3)
}

// TestDirectory_EvictsAndRecreatesSlots keeps one block resident under a tiny
// memory limit and reloads an evicted block on demand.
func TestDirectory_EvictsAndRecreatesSlots(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(0, fill('a'), 1)
	ser.Seed(1, fill('b'), 2)
	d := setupDirectory(t, ser, Options{MemoryLimitBytes: testBlockSize})

	r0 := acquireRead(t, d, 0)
	require.Equal(t, fill('a'), readBlock(t, r0))
	r0.Release()
	r1 := acquireRead(t, d, 1)
	require.Equal(t, fill('b'), readBlock(t, r1))
	r1.Release()

	stats := d.Stats()
	require.Equal(t, 1, stats.Slots, "evicted idle slot is destroyed")
	require.Equal(t, uint64(testBlockSize), stats.ResidentBytes)
	require.Equal(t, uint64(1), stats.Evictions)

	again := acquireRead(t, d, 0)
	require.Equal(t, pagemanager.Recency(1), again.Recency())
	require.Equal(t, fill('a'), readBlock(t, again))
	again.Release()
	require.Equal(t, 3, ser.Reads())
}

func TestDirectory_ReadAheadFirstCreatorWins(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(4, fill('4'), 1)
	token := ser.Seed(5, fill('5'), 1)
	d := setupDirectory(t, ser, Options{ReadAhead: true})

	require.True(t, d.OfferReadAhead(5, fill('5'), token, 1))
	require.False(t, d.OfferReadAhead(5, fill('5'), token, 1), "slot already exists")
	require.False(t, d.OfferReadAhead(10, fill('?'), token, 1), "unknown block")

	r := acquireRead(t, d, 5)
	require.Equal(t, fill('5'), readBlock(t, r))
	r.Release()
	require.Zero(t, ser.Reads())

	d.DisableReadAhead()
	require.False(t, d.OfferReadAhead(4, fill('4'), token, 1))
	require.Equal(t, uint64(1), d.Stats().ReadAheadTaken)
}

func TestDirectory_OpenSeedsFreeListAndClock(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.SeedDeleted(0)
	ser.Seed(1, fill('1'), 40)
	ser.SeedDeleted(2)
	d := setupDirectory(t, ser, Options{})
	require.Equal(t, 2, d.Stats().FreeIDs)

	txn := begin(t, d)
	require.Equal(t, pagemanager.Recency(41), txn.Timestamp())
	var ids []pagemanager.BlockID
	for i := 0; i < 3; i++ {
		a := txn.Create()
		ids = append(ids, a.BlockID())
		a.Release()
	}
	require.Equal(t, []pagemanager.BlockID{0, 2, 3}, ids)
	commit(t, txn)
}

type shortRecencies struct{ *wal.MemorySerializer }

func (shortRecencies) AllRecencies() ([]pagemanager.Recency, error) { return nil, nil }

func TestDirectory_OpenRejectsInconsistentSerializer(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(0, fill('0'), 1)
	_, err := Open(context.Background(), Options{Serializer: shortRecencies{ser}})
	require.Error(t, err)
}

// TestDirectory_FlushFailureStopsWrites fails the index write and expects
// every transaction of the batch and every later BeginTxn to see it.
func TestDirectory_FlushFailureStopsWrites(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	boom := errors.New("index device gone")
	ser.FailIndexWrites(boom)
	d := setupDirectory(t, ser, Options{})

	txn := begin(t, d)
	a := txn.Create()
	writeBlock(t, a, 'f')
	a.Release()
	txn.End()

	err := txn.Wait(context.Background())
	require.ErrorIs(t, err, flushmanager.ErrFlushFailed)
	require.Equal(t, transaction.TxnStateFailed, txn.State())
	require.Zero(t, d.graph.Len())

	_, err = d.BeginTxn(context.Background(), 1)
	require.ErrorIs(t, err, flushmanager.ErrFlushFailed)
}

func TestDirectory_ThrottlesDirtyPages(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{MaxDirtyPages: 2})

	t1, err := d.BeginTxn(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.BeginTxn(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	commit(t, t1)
	t2, err := d.BeginTxn(context.Background(), 1)
	require.NoError(t, err)
	commit(t, t2)
}

func TestDirectory_CloseWaitsForInflightFlushes(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{})
	gate := make(chan struct{})
	ser.SetWriteHook(func(context.Context, []flushmanager.WriteRequest) error {
		<-gate
		return nil
	})

	txn := begin(t, d)
	a := txn.Create()
	writeBlock(t, a, 'c')
	a.Release()
	txn.End()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	_, err := d.BeginTxn(context.Background(), 1)
	require.ErrorIs(t, err, flushmanager.ErrDirectoryClosed)

	close(gate)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, txn.Err())
}

func TestDirectory_FlushAll(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	d := setupDirectory(t, ser, Options{})

	for _, b := range []byte{'p', 'q'} {
		txn := begin(t, d)
		a := txn.Create()
		writeBlock(t, a, b)
		a.Release()
		txn.End()
	}
	require.NoError(t, d.FlushAll(context.Background()))
	require.Equal(t, uint64(2), d.Stats().FlushedTxns)
}

func TestAccess_ContractViolationsPanic(t *testing.T) {
	ser := wal.NewMemorySerializer(testBlockSize)
	ser.Seed(0, fill('0'), 0)
	d := setupDirectory(t, ser, Options{})

	r := acquireRead(t, d, 0)
	require.Panics(t, func() { _ = r.WaitWrite(context.Background()) })
	r.Release()
	require.Panics(t, func() { r.Release() })

	txn := begin(t, d)
	txn.End()
	require.Panics(t, func() { txn.Create() })
	require.NoError(t, txn.Wait(context.Background()))
}
