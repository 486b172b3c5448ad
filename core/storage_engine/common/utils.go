package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Throttle limits I/O bandwidth in bytes per second. A nil Throttle does not limit.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
}

// NewThrottle returns a throttle for bytesPerSec, or nil when bytesPerSec <= 0.
// burst is the largest single request that will be issued.
func NewThrottle(bytesPerSec int64, burst int) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	if burst < chunkSize {
		burst = chunkSize
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

// WaitN blocks until n bytes may be transferred.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > t.burst {
			step = t.burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		n -= step
	}
	return nil
}

// CopyThrottled copies srcPath to dstPath at no more than the throttle's rate
// and returns the sha256 of the copied bytes when verify is set.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, throttle *Throttle, verify bool) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var (
		readOff int64
		sum     = sha256.New()
	)

	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if err := throttle.WaitN(ctx, n); err != nil {
				bufPool.Put(buf)
				return nil, err
			}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				bufPool.Put(buf)
				return nil, fmt.Errorf("write error: %w", werr)
			}
			if verify {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		bufPool.Put(buf)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	if !verify {
		return nil, nil
	}
	return sum.Sum(nil), nil
}
