package wal

import (
	"context"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// WriteHook runs before a MemorySerializer stores a write batch. Returning an
// error fails the batch. Hooks may block to reorder batch completion.
type WriteHook func(ctx context.Context, reqs []flushmanager.WriteRequest) error

// ReadHook runs before a MemorySerializer serves a Read. Returning an error
// fails the read. Hooks may block to hold a load in flight.
type ReadHook func(ctx context.Context, token pagemanager.Token) error

// MemorySerializer keeps blocks and the index in memory. It is meant for
// tests and tools and supports failure injection.
type MemorySerializer struct {
	mu        sync.Mutex
	blockSize int

	blobs  map[int64][]byte // keyed by token offset
	next   int64
	index  map[pagemanager.BlockID]indexEntry
	maxID  pagemanager.BlockID
	closed bool

	writeHook     WriteHook
	readHook      ReadHook
	readErr       error
	indexWriteErr error

	reads       int
	indexWrites [][]flushmanager.IndexOp
}

var _ flushmanager.Serializer = (*MemorySerializer)(nil)

func NewMemorySerializer(blockSize int) *MemorySerializer {
	return &MemorySerializer{
		blockSize: blockSize,
		blobs:     make(map[int64][]byte),
		next:      1,
		index:     make(map[pagemanager.BlockID]indexEntry),
	}
}

// SetWriteHook installs h for subsequent Write calls; nil removes it.
func (m *MemorySerializer) SetWriteHook(h WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = h
}

// SetReadHook installs h for subsequent Read calls; nil removes it.
func (m *MemorySerializer) SetReadHook(h ReadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHook = h
}

// FailReads makes every Read return err until cleared with nil.
func (m *MemorySerializer) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailIndexWrites makes every IndexWrite return err until cleared with nil.
func (m *MemorySerializer) FailIndexWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexWriteErr = err
}

// Seed stores a durable block directly, bypassing the cache.
func (m *MemorySerializer) Seed(id pagemanager.BlockID, data []byte, recency pagemanager.Recency) pagemanager.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.store(data)
	m.index[id] = indexEntry{token: token, recency: recency}
	if id+1 > m.maxID {
		m.maxID = id + 1
	}
	return token
}

// SeedDeleted records id as a deleted block.
func (m *MemorySerializer) SeedDeleted(id pagemanager.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index[id] = indexEntry{deleted: true}
	if id+1 > m.maxID {
		m.maxID = id + 1
	}
}

func (m *MemorySerializer) store(data []byte) pagemanager.Token {
	cp := append([]byte(nil), data...)
	offset := m.next
	m.next += int64(len(cp))
	m.blobs[offset] = cp
	return pagemanager.Token{Segment: 1, Offset: offset, Length: uint32(len(cp))}
}

func (m *MemorySerializer) BlockSize() int { return m.blockSize }

func (m *MemorySerializer) Read(ctx context.Context, token pagemanager.Token) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.reads++
	hook := m.readHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, token); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	data, ok := m.blobs[token.Offset]
	if !ok || uint32(len(data)) != token.Length {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrInvalidToken, token)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySerializer) Write(ctx context.Context, reqs []flushmanager.WriteRequest) ([]pagemanager.Token, error) {
	m.mu.Lock()
	hook := m.writeHook
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, flushmanager.ErrSerializerClosed
	}
	if hook != nil {
		if err := hook(ctx, reqs); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]pagemanager.Token, 0, len(reqs))
	for _, req := range reqs {
		if len(req.Data) != m.blockSize {
			return nil, fmt.Errorf("%w: block %d has %d bytes", flushmanager.ErrBlockSizeMismatch, req.BlockID, len(req.Data))
		}
		tokens = append(tokens, m.store(req.Data))
	}
	return tokens, nil
}

func (m *MemorySerializer) IndexWrite(ctx context.Context, ops []flushmanager.IndexOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return flushmanager.ErrSerializerClosed
	}
	if m.indexWriteErr != nil {
		return m.indexWriteErr
	}
	for _, op := range ops {
		cur := m.index[op.BlockID]
		switch op.Kind {
		case flushmanager.IndexOpDelete:
			cur = indexEntry{recency: op.Recency, deleted: true}
		case flushmanager.IndexOpUpdate:
			cur = indexEntry{token: op.Token, recency: op.Recency}
		case flushmanager.IndexOpTouch:
			cur.recency = op.Recency
		default:
			return fmt.Errorf("unknown index op %d for block %d", op.Kind, op.BlockID)
		}
		m.index[op.BlockID] = cur
		if op.BlockID+1 > m.maxID {
			m.maxID = op.BlockID + 1
		}
	}
	m.indexWrites = append(m.indexWrites, append([]flushmanager.IndexOp(nil), ops...))
	return nil
}

func (m *MemorySerializer) IndexRead(id pagemanager.BlockID) (pagemanager.Token, pagemanager.Recency, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	if !ok || e.deleted || !e.token.Valid() {
		return pagemanager.Token{}, pagemanager.InvalidRecency, false, nil
	}
	return e.token, e.recency, true, nil
}

func (m *MemorySerializer) AllRecencies() ([]pagemanager.Recency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pagemanager.Recency, m.maxID)
	for id, e := range m.index {
		if !e.deleted {
			out[id] = e.recency
		}
	}
	return out, nil
}

func (m *MemorySerializer) DeleteBit(id pagemanager.BlockID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	return !ok || e.deleted, nil
}

func (m *MemorySerializer) MaxBlockID() (pagemanager.BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxID, nil
}

// Lookup returns the durable bytes and recency of id, if present.
func (m *MemorySerializer) Lookup(id pagemanager.BlockID) ([]byte, pagemanager.Recency, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[id]
	if !ok || e.deleted || !e.token.Valid() {
		return nil, pagemanager.InvalidRecency, false
	}
	return append([]byte(nil), m.blobs[e.token.Offset]...), e.recency, true
}

// Deleted reports whether the index marks id deleted.
func (m *MemorySerializer) Deleted(id pagemanager.BlockID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index[id].deleted
}

// IndexWrites returns every applied index batch in application order.
func (m *MemorySerializer) IndexWrites() [][]flushmanager.IndexOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]flushmanager.IndexOp(nil), m.indexWrites...)
}

// Reads is the number of Read calls served.
func (m *MemorySerializer) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *MemorySerializer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
