package pagemanager

import "fmt"

// --- Block Addressing ---

// BlockID is a dense, reusable block address.
type BlockID uint64

const NullBlockID BlockID = ^BlockID(0)

// Version is the per-block version counter. It is advanced once for every
// write access admitted on the block.
type Version uint64

const InvalidVersion Version = 0

// Next returns the version that follows v.
func (v Version) Next() Version { return v + 1 }

// Recency is a logical last-modified timestamp.
type Recency uint64

const InvalidRecency Recency = 0

// SupersedingRecency returns the recency a write sees when it follows a block
// whose recency is prev, issued by a transaction stamped with txn.
func SupersedingRecency(prev, txn Recency) Recency {
	if txn > prev {
		return txn
	}
	return prev
}

// Token locates a block's bytes in durable storage.
type Token struct {
	Segment uint64
	Offset  int64
	Length  uint32
}

// Valid reports whether the token points at durable bytes.
func (t Token) Valid() bool { return t.Length > 0 }

func (t Token) String() string {
	if !t.Valid() {
		return "token(none)"
	}
	return fmt.Sprintf("token(%d:%d+%d)", t.Segment, t.Offset, t.Length)
}
