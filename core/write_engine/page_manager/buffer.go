package pagemanager

import (
	"container/list" // For LRU
	"fmt"
)

// BufferState describes where a buffer's bytes currently live.
type BufferState int

const (
	BufferUnloaded BufferState = iota // Only the durable token is known
	BufferLoading                     // A read from durable storage is in flight
	BufferResident                    // Bytes are in memory
)

func (s BufferState) String() string {
	switch s {
	case BufferUnloaded:
		return "unloaded"
	case BufferLoading:
		return "loading"
	case BufferResident:
		return "resident"
	default:
		return fmt.Sprintf("BufferState(%d)", int(s))
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Buffer is the in-memory representation of one block's bytes.
//
// A Buffer is not safe for concurrent use. It is owned by a cache shard and
// must only be touched while holding that shard's lock. The channel returned
// by BeginLoad may be waited on without the lock.
type Buffer struct {
	blockID BlockID
	data    []byte
	token   Token
	state   BufferState

	loaded  chan struct{}
	loadErr error

	// snapshotRefs counts write-transaction snapshots and snapshotted access
	// handles that reference this exact buffer. A shared buffer is immutable.
	snapshotRefs int
	discarded    bool

	// For LRU
	lruElement  *list.Element
	accessCount uint64
}

// NewResident creates a buffer holding data. The buffer takes ownership of data.
func NewResident(id BlockID, data []byte) *Buffer {
	return &Buffer{
		blockID: id,
		data:    data,
		state:   BufferResident,
	}
}

// NewZeroed creates a resident buffer of size zero bytes.
func NewZeroed(id BlockID, size int) *Buffer {
	return NewResident(id, make([]byte, size))
}

// NewUnloaded creates a buffer that is only backed by durable storage.
func NewUnloaded(id BlockID, token Token) *Buffer {
	if !token.Valid() {
		panic(fmt.Sprintf("pagemanager: unloaded buffer for block %d needs a valid token", id))
	}
	return &Buffer{
		blockID: id,
		token:   token,
		state:   BufferUnloaded,
	}
}

func (b *Buffer) BlockID() BlockID                 { return b.blockID }
func (b *Buffer) State() BufferState               { return b.state }
func (b *Buffer) Token() Token                     { return b.token }
func (b *Buffer) HasToken() bool                   { return b.token.Valid() }
func (b *Buffer) SnapshotRefs() int                { return b.snapshotRefs }
func (b *Buffer) Shared() bool                     { return b.snapshotRefs > 0 }
func (b *Buffer) Discarded() bool                  { return b.discarded }
func (b *Buffer) GetLruElement() *list.Element     { return b.lruElement }
func (b *Buffer) SetLruElement(elem *list.Element) { b.lruElement = elem }
func (b *Buffer) AccessCount() uint64              { return b.accessCount }
func (b *Buffer) Touch()                           { b.accessCount++ }

// Data returns the resident bytes. Calling Data on a non-resident buffer is a
// programming error.
func (b *Buffer) Data() []byte {
	if b.state != BufferResident {
		panic(fmt.Sprintf("pagemanager: block %d buffer is %s, not resident", b.blockID, b.state))
	}
	return b.data
}

// Size is the number of bytes the buffer occupies, or would occupy once loaded.
func (b *Buffer) Size() int {
	if b.state == BufferResident {
		return len(b.data)
	}
	return int(b.token.Length)
}

// SetToken attaches a durable token to the buffer's current content.
func (b *Buffer) SetToken(t Token) { b.token = t }

// ClearToken drops the durable token. Called before the bytes are mutated.
func (b *Buffer) ClearToken() { b.token = Token{} }

// BeginLoad returns a channel that is closed once the buffer is resident or
// the load failed. started is true when the caller is responsible for
// fetching the bytes and calling FinishLoad.
func (b *Buffer) BeginLoad() (loaded <-chan struct{}, started bool) {
	switch b.state {
	case BufferResident:
		return closedChan, false
	case BufferLoading:
		return b.loaded, false
	}
	if !b.token.Valid() {
		panic(fmt.Sprintf("pagemanager: block %d has neither bytes nor a token", b.blockID))
	}
	b.state = BufferLoading
	b.loaded = make(chan struct{})
	b.loadErr = nil
	return b.loaded, true
}

// FinishLoad completes a load started by BeginLoad.
func (b *Buffer) FinishLoad(data []byte, err error) {
	if b.state != BufferLoading {
		panic(fmt.Sprintf("pagemanager: block %d finished a load it never started", b.blockID))
	}
	if err != nil {
		b.state = BufferUnloaded
		b.loadErr = err
	} else {
		b.data = data
		b.state = BufferResident
	}
	close(b.loaded)
}

// LoadErr is the error of the most recent failed load, if any.
func (b *Buffer) LoadErr() error { return b.loadErr }

// Unload drops the resident bytes while keeping the durable token. It
// reports false if the buffer cannot be unloaded.
func (b *Buffer) Unload() bool {
	if b.state != BufferResident || !b.token.Valid() || b.snapshotRefs > 0 {
		return false
	}
	b.data = nil
	b.state = BufferUnloaded
	return true
}

// AcquireSnapshot registers one more holder of this exact content.
func (b *Buffer) AcquireSnapshot() { b.snapshotRefs++ }

// ReleaseSnapshot drops one snapshot holder and returns the remaining count.
func (b *Buffer) ReleaseSnapshot() int {
	if b.snapshotRefs == 0 {
		panic(fmt.Sprintf("pagemanager: block %d snapshot released more times than acquired", b.blockID))
	}
	b.snapshotRefs--
	return b.snapshotRefs
}

// Copy returns a private resident duplicate without a durable token.
func (b *Buffer) Copy() *Buffer {
	data := make([]byte, len(b.Data()))
	copy(data, b.data)
	return NewResident(b.blockID, data)
}

// MarkDiscarded flags a buffer whose block was deleted. It is kept only for
// the snapshot holders that still reference it.
func (b *Buffer) MarkDiscarded() { b.discarded = true }
