package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// handle is the cancellation handle of one generation request. It is acquired when the request opens
// and released exactly once, on whichever exit path comes first.
type handle struct {
	id      string
	started time.Time

	cancel context.CancelFunc
	once   sync.Once
}

func acquireHandle(timeout time.Duration) (context.Context, *handle) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	return ctx, &handle{
		id:      uuid.New().String(),
		started: time.Now(),
		cancel:  cancel,
	}
}

// release aborts the transport call if it is still running. Calling it again does nothing.
func (h *handle) release() {
	h.once.Do(h.cancel)
}
