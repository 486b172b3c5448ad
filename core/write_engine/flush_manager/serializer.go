package flushmanager

import (
	"context"

	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// IndexOpKind selects what an IndexOp does to a block's durable index entry.
type IndexOpKind byte

const (
	IndexOpDelete IndexOpKind = iota + 1 // Mark the block deleted
	IndexOpUpdate                        // Point the block at a new token and recency
	IndexOpTouch                         // Advance only the recency
)

func (k IndexOpKind) String() string {
	switch k {
	case IndexOpDelete:
		return "delete"
	case IndexOpUpdate:
		return "update"
	case IndexOpTouch:
		return "touch"
	default:
		return "unknown"
	}
}

// IndexOp is one entry of an atomic durable index update.
type IndexOp struct {
	BlockID pagemanager.BlockID
	Kind    IndexOpKind
	Token   pagemanager.Token
	Recency pagemanager.Recency
}

// WriteRequest asks the serializer to persist one block's bytes.
type WriteRequest struct {
	BlockID pagemanager.BlockID
	Data    []byte
}

// Serializer is the durable log the cache flushes to.
type Serializer interface {
	// BlockSize is the fixed size of every block.
	BlockSize() int
	// Read loads the bytes a token points at.
	Read(ctx context.Context, token pagemanager.Token) ([]byte, error)
	// Write persists block bytes and returns one token per request, in order.
	Write(ctx context.Context, reqs []WriteRequest) ([]pagemanager.Token, error)
	// IndexWrite applies ops atomically.
	IndexWrite(ctx context.Context, ops []IndexOp) error
	// IndexRead returns the durable token and recency of a live block.
	IndexRead(id pagemanager.BlockID) (pagemanager.Token, pagemanager.Recency, bool, error)
	// AllRecencies returns the recency of every block id below MaxBlockID.
	AllRecencies() ([]pagemanager.Recency, error)
	// DeleteBit reports whether id is deleted (or was never written).
	DeleteBit(id pagemanager.BlockID) (bool, error)
	// MaxBlockID is one past the highest block id ever written.
	MaxBlockID() (pagemanager.BlockID, error)
}
