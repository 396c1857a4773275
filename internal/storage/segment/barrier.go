package segment

import (
	"context"
	"sync"
	"time"

	"github.com/historio/historian/internal/errors"
)

// rwBarrier is the rotation barrier: an RWMutex whose exclusive side can
// give up after a bounded wait. Sealing must not park forever behind a
// slow reader; the caller retries with backoff instead.
type rwBarrier struct {
	sync.RWMutex
}

const barrierPollInterval = 2 * time.Millisecond

func (b *rwBarrier) lockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if b.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.ErrRotationTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(barrierPollInterval):
		}
	}
}
