package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/blockcache/core/storage_engine/common"
	flushmanager "github.com/sushant-115/blockcache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
)

// --- Block Log Constants and Types ---

const (
	// frameHeaderSize: blockID (8) + data length (4) + crc32c (4)
	frameHeaderSize = 16
	indexEntrySize  = 8 + 8 + 4 + 8 + 1

	segmentPrefix = "blocks_"
	segmentSuffix = ".log"
	indexFileName = "index.db"

	defaultSegmentSizeLimit = 64 * 1024 * 1024
	maxWriteRetries         = 3
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	maxIDKey     = []byte("max_block_id")
	instanceKey  = []byte("instance_id")

	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// FileSerializerConfig configures a FileSerializer.
type FileSerializerConfig struct {
	Dir              string
	BlockSize        int
	SegmentSizeLimit int64 // roll to a new segment beyond this many bytes
	WriteBytesPerSec int64 // 0 disables write throttling
	Sync             bool  // fsync segments after every write batch
	// DirectRead reads frames with O_DIRECT through block-aligned windows.
	// Segment tails are padded to directio.BlockSize after every batch.
	DirectRead bool
}

// FileSerializer is a durable block log. Block bytes are appended as framed
// records to segment files (blocks_00001.log, ...) and located by tokens; the
// block id -> (token, recency, deleted) index lives in a bolt database so that
// every IndexWrite is applied atomically.
type FileSerializer struct {
	cfg      FileSerializerConfig
	logger   *zap.Logger
	throttle *common.Throttle

	mu                       sync.Mutex
	segments                 map[uint64]*os.File
	directSegments           map[uint64]*os.File // O_DIRECT read handles, opened lazily
	directUnsupported        bool
	currentSegmentID         uint64
	currentSegmentFileOffset int64
	closed                   bool

	index      *bolt.DB
	instanceID string
}

var _ flushmanager.Serializer = (*FileSerializer)(nil)

// OpenFileSerializer opens or creates a block log in cfg.Dir.
func OpenFileSerializer(cfg FileSerializerConfig, logger *zap.Logger) (*FileSerializer, error) {
	if cfg.BlockSize <= 0 {
		return nil, flushmanager.ErrInvalidBlockSize
	}
	if cfg.SegmentSizeLimit <= 0 {
		cfg.SegmentSizeLimit = defaultSegmentSizeLimit
	}
	if cfg.SegmentSizeLimit < int64(frameHeaderSize+cfg.BlockSize) {
		return nil, fmt.Errorf("segment size limit (%d) must hold at least one block frame (%d)", cfg.SegmentSizeLimit, frameHeaderSize+cfg.BlockSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create serializer directory %s: %w", cfg.Dir, err)
	}

	fs := &FileSerializer{
		cfg:      cfg,
		logger:   logger.Named("file_serializer"),
		throttle: common.NewThrottle(cfg.WriteBytesPerSec, frameHeaderSize+cfg.BlockSize),
		segments:       make(map[uint64]*os.File),
		directSegments: make(map[uint64]*os.File),
	}
	if err := fs.openSegments(); err != nil {
		fs.closeSegments()
		return nil, err
	}
	if err := fs.openIndex(); err != nil {
		fs.closeSegments()
		return nil, err
	}

	fs.logger.Info("file serializer opened",
		zap.String("dir", cfg.Dir),
		zap.String("instance_id", fs.instanceID),
		zap.Uint64("segment", fs.currentSegmentID),
		zap.Int64("segment_offset", fs.currentSegmentFileOffset))
	return fs, nil
}

// openSegments opens every existing segment for reading and positions the
// writer at the end of the latest one.
func (fs *FileSerializer) openSegments() error {
	entries, err := os.ReadDir(fs.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", fs.cfg.Dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, parseErr := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		f, err := os.OpenFile(fs.segmentPath(id), os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open segment %d: %w", id, err)
		}
		fs.segments[id] = f
		if fs.cfg.DirectRead {
			if err := alignSegment(f); err != nil {
				return fmt.Errorf("failed to align segment %d: %w", id, err)
			}
		}
	}

	if len(ids) == 0 {
		return fs.rollSegment(1)
	}
	last := ids[len(ids)-1]
	info, err := fs.segments[last].Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment %d: %w", last, err)
	}
	fs.currentSegmentID = last
	fs.currentSegmentFileOffset = info.Size()
	return nil
}

func (fs *FileSerializer) openIndex() error {
	db, err := bolt.Open(filepath.Join(fs.cfg.Dir, indexFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open block index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if id := meta.Get(instanceKey); id != nil {
			fs.instanceID = string(id)
			return nil
		}
		fs.instanceID = uuid.NewString()
		return meta.Put(instanceKey, []byte(fs.instanceID))
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize block index: %w", err)
	}
	fs.index = db
	return nil
}

func (fs *FileSerializer) segmentPath(id uint64) string {
	return filepath.Join(fs.cfg.Dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

// rollSegment starts segment id. This method MUST be called with fs.mu locked
// (or before the serializer is shared).
func (fs *FileSerializer) rollSegment(id uint64) error {
	f, err := os.OpenFile(fs.segmentPath(id), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment %d: %w", id, err)
	}
	fs.segments[id] = f
	fs.currentSegmentID = id
	fs.currentSegmentFileOffset = 0
	fs.logger.Debug("rolled to new segment", zap.Uint64("segment", id))
	return nil
}

// InstanceID identifies this block log across restarts.
func (fs *FileSerializer) InstanceID() string { return fs.instanceID }

func (fs *FileSerializer) BlockSize() int { return fs.cfg.BlockSize }

// Write appends one frame per request and returns their tokens.
func (fs *FileSerializer) Write(ctx context.Context, reqs []flushmanager.WriteRequest) ([]pagemanager.Token, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, flushmanager.ErrSerializerClosed
	}

	tokens := make([]pagemanager.Token, 0, len(reqs))
	touched := make(map[uint64]*os.File)
	for _, req := range reqs {
		if len(req.Data) != fs.cfg.BlockSize {
			return nil, fmt.Errorf("%w: block %d has %d bytes, want %d", flushmanager.ErrBlockSizeMismatch, req.BlockID, len(req.Data), fs.cfg.BlockSize)
		}
		frame := encodeFrame(req.BlockID, req.Data)
		if fs.currentSegmentFileOffset+int64(len(frame)) > fs.cfg.SegmentSizeLimit {
			if err := fs.padTail(); err != nil {
				return nil, err
			}
			if err := fs.rollSegment(fs.currentSegmentID + 1); err != nil {
				return nil, err
			}
		}
		if err := fs.throttle.WaitN(ctx, len(frame)); err != nil {
			return nil, err
		}

		f := fs.segments[fs.currentSegmentID]
		offset := fs.currentSegmentFileOffset
		if err := writeWithRetry(ctx, f, frame, offset); err != nil {
			fs.logger.Error("block write failed", zap.Uint64("block_id", uint64(req.BlockID)), zap.Error(err))
			return nil, fmt.Errorf("%w: writing block %d: %v", flushmanager.ErrIO, req.BlockID, err)
		}
		fs.currentSegmentFileOffset += int64(len(frame))
		touched[fs.currentSegmentID] = f
		tokens = append(tokens, pagemanager.Token{
			Segment: fs.currentSegmentID,
			Offset:  offset,
			Length:  uint32(len(req.Data)),
		})
	}
	if err := fs.padTail(); err != nil {
		return nil, err
	}

	if fs.cfg.Sync {
		g, _ := errgroup.WithContext(ctx)
		for id, f := range touched {
			id, f := id, f
			g.Go(func() error {
				if err := f.Sync(); err != nil {
					return fmt.Errorf("%w: syncing segment %d: %v", flushmanager.ErrIO, id, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

func writeWithRetry(ctx context.Context, f *os.File, frame []byte, offset int64) error {
	b := retry.NewFibonacci(10 * time.Millisecond)
	return retry.Do(ctx, retry.WithMaxRetries(maxWriteRetries, b), func(ctx context.Context) error {
		if _, err := f.WriteAt(frame, offset); err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

func alignDown(n int64) int64 { return n &^ (directio.BlockSize - 1) }
func alignUp(n int64) int64   { return alignDown(n + directio.BlockSize - 1) }

// alignSegment extends f with zeros up to the next aligned size, so that every
// aligned read window over its frames lies inside the file.
func alignSegment(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if end := alignUp(info.Size()); end != info.Size() {
		return f.Truncate(end)
	}
	return nil
}

// padTail aligns the end of the current segment when direct reads are on.
// This method MUST be called with fs.mu locked.
func (fs *FileSerializer) padTail() error {
	if !fs.cfg.DirectRead {
		return nil
	}
	end := alignUp(fs.currentSegmentFileOffset)
	if end == fs.currentSegmentFileOffset {
		return nil
	}
	if err := fs.segments[fs.currentSegmentID].Truncate(end); err != nil {
		return fmt.Errorf("%w: padding segment %d: %v", flushmanager.ErrIO, fs.currentSegmentID, err)
	}
	fs.currentSegmentFileOffset = end
	return nil
}

// directSegment returns an O_DIRECT handle for segment id. It reports false
// when direct I/O is off or the filesystem refused it. This method MUST be
// called with fs.mu locked.
func (fs *FileSerializer) directSegment(id uint64) (*os.File, bool) {
	if !fs.cfg.DirectRead || fs.directUnsupported {
		return nil, false
	}
	if f, ok := fs.directSegments[id]; ok {
		return f, true
	}
	f, err := directio.OpenFile(fs.segmentPath(id), os.O_RDONLY, 0)
	if err != nil {
		fs.directUnsupported = true
		fs.logger.Warn("direct reads unavailable, falling back to buffered reads", zap.String("dir", fs.cfg.Dir), zap.Error(err))
		return nil, false
	}
	fs.directSegments[id] = f
	return f, true
}

func encodeFrame(id pagemanager.BlockID, data []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint64(frame[0:8], uint64(id))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(frame[12:16], crc32.Checksum(data, castagnoli))
	copy(frame[frameHeaderSize:], data)
	return frame
}

// Read loads and verifies the frame a token points at.
func (fs *FileSerializer) Read(ctx context.Context, token pagemanager.Token) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !token.Valid() {
		return nil, flushmanager.ErrInvalidToken
	}
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil, flushmanager.ErrSerializerClosed
	}
	f, ok := fs.segments[token.Segment]
	var direct *os.File
	if ok {
		direct, _ = fs.directSegment(token.Segment)
	}
	fs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown segment in %s", flushmanager.ErrInvalidToken, token)
	}

	frameLen := int64(frameHeaderSize) + int64(token.Length)
	var frame []byte
	if direct != nil {
		start := alignDown(token.Offset)
		window := directio.AlignedBlock(int(alignUp(token.Offset+frameLen) - start))
		if _, err := direct.ReadAt(window, start); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", flushmanager.ErrIO, token, err)
		}
		frame = window[token.Offset-start : token.Offset-start+frameLen]
	} else {
		frame = make([]byte, frameLen)
		if _, err := f.ReadAt(frame, token.Offset); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", flushmanager.ErrIO, token, err)
		}
	}
	length := binary.LittleEndian.Uint32(frame[8:12])
	if length != token.Length {
		return nil, fmt.Errorf("%w: frame length %d at %s", flushmanager.ErrInvalidToken, length, token)
	}
	data := frame[frameHeaderSize:]
	if crc32.Checksum(data, castagnoli) != binary.LittleEndian.Uint32(frame[12:16]) {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrChecksumMismatch, token)
	}
	return data, nil
}

// --- Index ---

type indexEntry struct {
	token   pagemanager.Token
	recency pagemanager.Recency
	deleted bool
}

func encodeEntry(e indexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.token.Segment)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.token.Offset))
	binary.BigEndian.PutUint32(buf[16:20], e.token.Length)
	binary.BigEndian.PutUint64(buf[20:28], uint64(e.recency))
	if e.deleted {
		buf[28] = 1
	}
	return buf
}

func decodeEntry(buf []byte) (indexEntry, error) {
	if len(buf) != indexEntrySize {
		return indexEntry{}, fmt.Errorf("corrupt index entry of %d bytes", len(buf))
	}
	return indexEntry{
		token: pagemanager.Token{
			Segment: binary.BigEndian.Uint64(buf[0:8]),
			Offset:  int64(binary.BigEndian.Uint64(buf[8:16])),
			Length:  binary.BigEndian.Uint32(buf[16:20]),
		},
		recency: pagemanager.Recency(binary.BigEndian.Uint64(buf[20:28])),
		deleted: buf[28] == 1,
	}, nil
}

func blockKey(id pagemanager.BlockID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// IndexWrite applies ops in one bolt transaction.
func (fs *FileSerializer) IndexWrite(ctx context.Context, ops []flushmanager.IndexOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fs.isClosed() {
		return flushmanager.ErrSerializerClosed
	}
	return fs.index.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)
		meta := tx.Bucket(metaBucket)
		maxID := readMaxID(meta)
		for _, op := range ops {
			key := blockKey(op.BlockID)
			var cur indexEntry
			if raw := blocks.Get(key); raw != nil {
				var err error
				if cur, err = decodeEntry(raw); err != nil {
					return err
				}
			}
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
			if err := blocks.Put(key, encodeEntry(cur)); err != nil {
				return err
			}
			if op.BlockID+1 > maxID {
				maxID = op.BlockID + 1
			}
		}
		return meta.Put(maxIDKey, blockKey(maxID))
	})
}

func readMaxID(meta *bolt.Bucket) pagemanager.BlockID {
	raw := meta.Get(maxIDKey)
	if len(raw) != 8 {
		return 0
	}
	return pagemanager.BlockID(binary.BigEndian.Uint64(raw))
}

func (fs *FileSerializer) lookup(id pagemanager.BlockID) (indexEntry, bool, error) {
	var (
		entry indexEntry
		found bool
	)
	err := fs.index.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blocksBucket).Get(blockKey(id))
		if raw == nil {
			return nil
		}
		var err error
		entry, err = decodeEntry(raw)
		found = err == nil
		return err
	})
	return entry, found, err
}

func (fs *FileSerializer) IndexRead(id pagemanager.BlockID) (pagemanager.Token, pagemanager.Recency, bool, error) {
	entry, found, err := fs.lookup(id)
	if err != nil || !found || entry.deleted || !entry.token.Valid() {
		return pagemanager.Token{}, pagemanager.InvalidRecency, false, err
	}
	return entry.token, entry.recency, true, nil
}

func (fs *FileSerializer) DeleteBit(id pagemanager.BlockID) (bool, error) {
	entry, found, err := fs.lookup(id)
	if err != nil {
		return false, err
	}
	return !found || entry.deleted, nil
}

func (fs *FileSerializer) MaxBlockID() (pagemanager.BlockID, error) {
	var maxID pagemanager.BlockID
	err := fs.index.View(func(tx *bolt.Tx) error {
		maxID = readMaxID(tx.Bucket(metaBucket))
		return nil
	})
	return maxID, err
}

func (fs *FileSerializer) AllRecencies() ([]pagemanager.Recency, error) {
	var out []pagemanager.Recency
	err := fs.index.View(func(tx *bolt.Tx) error {
		out = make([]pagemanager.Recency, readMaxID(tx.Bucket(metaBucket)))
		return tx.Bucket(blocksBucket).ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			id := binary.BigEndian.Uint64(k)
			if id < uint64(len(out)) && !entry.deleted {
				out[id] = entry.recency
			}
			return nil
		})
	})
	return out, err
}

// Archive copies every sealed segment into dstDir and returns the copied paths.
func (fs *FileSerializer) Archive(ctx context.Context, dstDir string) ([]string, error) {
	fs.mu.Lock()
	var sealed []uint64
	for id := range fs.segments {
		if id != fs.currentSegmentID {
			sealed = append(sealed, id)
		}
	}
	fs.mu.Unlock()
	sort.Slice(sealed, func(i, j int) bool { return sealed[i] < sealed[j] })

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dstDir, err)
	}
	var copied []string
	for _, id := range sealed {
		dst := filepath.Join(dstDir, filepath.Base(fs.segmentPath(id)))
		if _, err := common.CopyThrottled(ctx, fs.segmentPath(id), dst, fs.throttle, false); err != nil {
			return copied, fmt.Errorf("archiving segment %d: %w", id, err)
		}
		copied = append(copied, dst)
	}
	fs.logger.Info("archived sealed segments", zap.Int("count", len(copied)), zap.String("dst", dstDir))
	return copied, nil
}

func (fs *FileSerializer) isClosed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

func (fs *FileSerializer) closeSegments() {
	for id, f := range fs.segments {
		if err := f.Close(); err != nil {
			fs.logger.Warn("failed to close segment", zap.Uint64("segment", id), zap.Error(err))
		}
	}
	for _, f := range fs.directSegments {
		_ = f.Close()
	}
	fs.segments = make(map[uint64]*os.File)
	fs.directSegments = make(map[uint64]*os.File)
}

// Close syncs and closes all segments and the index.
func (fs *FileSerializer) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	var firstErr error
	if f, ok := fs.segments[fs.currentSegmentID]; ok {
		if err := f.Sync(); err != nil {
			firstErr = err
		}
	}
	fs.closeSegments()
	if err := fs.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	fs.logger.Info("file serializer closed")
	return firstErr
}
