package transaction

import (
	"fmt"
	"sort"

	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// Change is the merged effect of a flush batch on one block.
type Change struct {
	BlockID  pagemanager.BlockID
	Version  pagemanager.Version
	Modified bool // content changed (or the block was deleted)
	Deleted  bool
	Buffer   *pagemanager.Buffer
	Recency  pagemanager.Recency
}

// ComputeChanges merges the footprints of a flush batch, keeping for every
// block the entry with the highest version. Touched entries only ever advance
// version and recency; the content of a dirtied entry is kept. Versions of a
// block are generated serially, so two entries never share one.
//
// Recency must not decrease as version increases. A regression is a broken
// invariant and panics.
func ComputeChanges(footprints ...*Footprint) map[pagemanager.BlockID]Change {
	changes := make(map[pagemanager.BlockID]Change)

	for _, f := range footprints {
		for id, d := range f.dirtied {
			next := Change{
				BlockID:  id,
				Version:  d.Version,
				Modified: true,
				Deleted:  d.Deleted,
				Buffer:   d.Buffer,
				Recency:  d.Recency,
			}
			cur, ok := changes[id]
			if !ok {
				changes[id] = next
				continue
			}
			checkOrder(id, cur.Version, cur.Recency, next.Version, next.Recency)
			if next.Version > cur.Version {
				changes[id] = next
			}
		}
	}

	for _, f := range footprints {
		for id, tp := range f.touched {
			cur, ok := changes[id]
			if !ok {
				changes[id] = Change{BlockID: id, Version: tp.Version, Recency: tp.Recency}
				continue
			}
			checkOrder(id, cur.Version, cur.Recency, tp.Version, tp.Recency)
			if tp.Version > cur.Version {
				cur.Version = tp.Version
				cur.Recency = tp.Recency
				changes[id] = cur
			}
		}
	}
	return changes
}

func checkOrder(id pagemanager.BlockID, v1 pagemanager.Version, r1 pagemanager.Recency, v2 pagemanager.Version, r2 pagemanager.Recency) {
	if v1 == v2 {
		panic(fmt.Sprintf("transaction: block %d has two flush entries at version %d", id, v1))
	}
	if (v1 < v2 && r1 > r2) || (v2 < v1 && r2 > r1) {
		panic(fmt.Sprintf("transaction: block %d recency regressed across versions (v%d r%d, v%d r%d)", id, v1, r1, v2, r2))
	}
}

// Partition splits a batch's changes by the durable work they need.
type Partition struct {
	Deletes    []Change // index delete
	IndexOnly  []Change // content already has a token; index update only
	ByteWrites []Change // content must be written to obtain a token
	Touches    []Change // recency-only index update
}

// PartitionChanges sorts changes by block id and buckets them.
func PartitionChanges(changes map[pagemanager.BlockID]Change) Partition {
	ids := make([]pagemanager.BlockID, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var p Partition
	for _, id := range ids {
		c := changes[id]
		switch {
		case c.Deleted:
			p.Deletes = append(p.Deletes, c)
		case !c.Modified:
			p.Touches = append(p.Touches, c)
		case c.Buffer.HasToken():
			p.IndexOnly = append(p.IndexOnly, c)
		default:
			p.ByteWrites = append(p.ByteWrites, c)
		}
	}
	return p
}
