package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

func snapshot(id pagemanager.BlockID, data string) *pagemanager.Buffer {
	b := pagemanager.NewResident(id, []byte(data))
	b.AcquireSnapshot()
	return b
}

func TestFootprint_RecordDirtiedKeepsHighestVersion(t *testing.T) {
	f := NewFootprint()
	first := snapshot(7, "one")
	second := snapshot(7, "two")

	require.Nil(t, f.RecordDirtied(7, DirtiedPage{Version: 1, Buffer: first, Recency: 10}))
	dropped := f.RecordDirtied(7, DirtiedPage{Version: 2, Buffer: second, Recency: 10})
	require.Same(t, first, dropped)
	require.Equal(t, pagemanager.Version(2), f.Dirtied()[7].Version)

	stale := snapshot(7, "old")
	require.Same(t, stale, f.RecordDirtied(7, DirtiedPage{Version: 1, Buffer: stale, Recency: 10}))
	require.Same(t, second, f.Dirtied()[7].Buffer)
	require.Equal(t, 1, f.DirtyCount())
}

func TestFootprint_ReleaseSnapshots(t *testing.T) {
	f := NewFootprint()
	shared := snapshot(1, "a")
	shared.AcquireSnapshot() // someone else also holds it
	private := snapshot(2, "b")
	f.RecordDirtied(1, DirtiedPage{Version: 1, Buffer: shared})
	f.RecordDirtied(2, DirtiedPage{Version: 1, Buffer: private})
	f.RecordDirtied(3, DirtiedPage{Version: 1, Deleted: true})

	unreferenced := f.ReleaseSnapshots()
	require.Equal(t, []*pagemanager.Buffer{private}, unreferenced)
	require.Equal(t, 1, shared.SnapshotRefs())
}

func TestComputeChanges_HigherVersionWins(t *testing.T) {
	t1, t2 := NewFootprint(), NewFootprint()
	t1.RecordDirtied(7, DirtiedPage{Version: 1, Buffer: snapshot(7, "T1"), Recency: 1})
	t2.RecordDirtied(7, DirtiedPage{Version: 2, Buffer: snapshot(7, "T2"), Recency: 2})
	t1.RecordDirtied(8, DirtiedPage{Version: 4, Buffer: snapshot(8, "only"), Recency: 1})

	changes := ComputeChanges(t2, t1)
	require.Len(t, changes, 2)
	require.Equal(t, []byte("T2"), changes[7].Buffer.Data())
	require.Equal(t, pagemanager.Version(2), changes[7].Version)
	require.True(t, changes[8].Modified)
}

func TestComputeChanges_TouchAdvancesRecencyButKeepsContent(t *testing.T) {
	t1, t2 := NewFootprint(), NewFootprint()
	t1.RecordDirtied(5, DirtiedPage{Version: 3, Buffer: snapshot(5, "data"), Recency: 4})
	t2.RecordTouched(5, TouchedPage{Version: 4, Recency: 9})
	t2.RecordTouched(6, TouchedPage{Version: 1, Recency: 9})

	changes := ComputeChanges(t1, t2)
	c := changes[5]
	require.True(t, c.Modified)
	require.Equal(t, pagemanager.Version(4), c.Version)
	require.Equal(t, pagemanager.Recency(9), c.Recency)
	require.Equal(t, []byte("data"), c.Buffer.Data())

	require.False(t, changes[6].Modified)
}

func TestComputeChanges_OlderTouchIgnored(t *testing.T) {
	t1, t2 := NewFootprint(), NewFootprint()
	t1.RecordTouched(5, TouchedPage{Version: 2, Recency: 3})
	t2.RecordDirtied(5, DirtiedPage{Version: 3, Buffer: snapshot(5, "x"), Recency: 3})

	c := ComputeChanges(t1, t2)[5]
	require.Equal(t, pagemanager.Version(3), c.Version)
	require.True(t, c.Modified)
}

func TestComputeChanges_RecencyRegressionPanics(t *testing.T) {
	t1, t2 := NewFootprint(), NewFootprint()
	t1.RecordDirtied(5, DirtiedPage{Version: 1, Buffer: snapshot(5, "a"), Recency: 8})
	t2.RecordDirtied(5, DirtiedPage{Version: 2, Buffer: snapshot(5, "b"), Recency: 3})
	require.Panics(t, func() { ComputeChanges(t1, t2) })
}

func TestPartitionChanges(t *testing.T) {
	tokened := snapshot(2, "on disk")
	tokened.SetToken(pagemanager.Token{Segment: 1, Length: 7})

	changes := map[pagemanager.BlockID]Change{
		4: {BlockID: 4, Version: 1, Modified: true, Buffer: snapshot(4, "new")},
		1: {BlockID: 1, Version: 2, Modified: true, Deleted: true},
		2: {BlockID: 2, Version: 1, Modified: true, Buffer: tokened},
		3: {BlockID: 3, Version: 5, Recency: 2},
		0: {BlockID: 0, Version: 1, Modified: true, Buffer: snapshot(0, "also new")},
	}
	p := PartitionChanges(changes)
	require.Len(t, p.Deletes, 1)
	require.Len(t, p.IndexOnly, 1)
	require.Len(t, p.Touches, 1)
	require.Len(t, p.ByteWrites, 2)
	require.Equal(t, pagemanager.BlockID(0), p.ByteWrites[0].BlockID, "sorted by block id")
	require.Equal(t, pagemanager.BlockID(4), p.ByteWrites[1].BlockID)
}
