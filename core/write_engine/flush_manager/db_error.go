package flushmanager

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrBlockNotFound     = errors.New("block not found in durable index")
	ErrSerializerClosed  = errors.New("serializer is closed")
	ErrChecksumMismatch  = errors.New("block checksum mismatch, data corruption suspected")
	ErrInvalidToken      = errors.New("invalid block token")
	ErrShortWrite        = errors.New("serializer returned fewer tokens than requested writes")
	ErrIO                = errors.New("i/o error")
	ErrFlushFailed       = errors.New("flush batch failed; cache refuses new writes")
	ErrDirectoryClosed   = errors.New("block directory is closed")
	ErrInvalidBlockSize  = errors.New("block size must be positive")
	ErrBlockSizeMismatch = errors.New("buffer size does not match serializer block size")
)

// ContractViolation aborts on a caller bug. Recovering from one could silently
// corrupt block versions or recencies, so it is never returned as an error.
func ContractViolation(format string, args ...any) {
	panic(fmt.Sprintf("blockcache contract violation: "+format, args...))
}
