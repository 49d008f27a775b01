package rma

import (
	"context"
	"fmt"
	"sync"

	"github.com/dash-project/dartrt/pkg/dtype"
	"github.com/dash-project/dartrt/pkg/gptr"
)

// Handle tracks one non-blocking operation. Handles are one-shot:
// created by a *Handle call, consumed by exactly one successful Wait or
// Test. Waiting twice is an error, and an abandoned handle leaks the
// underlying request.
type Handle struct {
	done chan struct{}
	err  error

	mu       sync.Mutex
	consumed bool
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *Handle) consume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return fmt.Errorf("rma: handle already consumed")
	}
	h.consumed = true
	return nil
}

// Wait blocks until the operation completes and invalidates the handle.
func (h *Handle) Wait(ctx context.Context) error {
	if h == nil {
		return fmt.Errorf("rma: wait on nil handle")
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("rma: wait interrupted: %w", ctx.Err())
	}
	if err := h.consume(); err != nil {
		return err
	}
	return h.err
}

// Test reports whether the operation has completed; on true the handle
// is consumed and the operation's error returned.
func (h *Handle) Test(ctx context.Context) (bool, error) {
	if h == nil {
		return false, fmt.Errorf("rma: test on nil handle")
	}
	select {
	case <-h.done:
	default:
		return false, nil
	}
	if err := h.consume(); err != nil {
		return true, err
	}
	return true, h.err
}

// WaitAll completes every handle, reporting the first error.
func WaitAll(ctx context.Context, handles ...*Handle) error {
	var first error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// TestAll reports whether every handle has completed; when true all
// handles are consumed.
func TestAll(ctx context.Context, handles ...*Handle) (bool, error) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		select {
		case <-h.done:
		default:
			return false, nil
		}
	}
	var first error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.consume(); err == nil {
			if h.err != nil && first == nil {
				first = h.err
			}
		}
	}
	return true, first
}

// PutHandle issues a put without blocking; the returned handle
// completes it.
func (e *Engine) PutHandle(ctx context.Context, dst gptr.GPtr, src []byte, nelem int64, srcT, dstT *dtype.Descriptor) *Handle {
	h := newHandle()
	go func() {
		h.finish(e.Put(ctx, dst, src, nelem, srcT, dstT))
	}()
	return h
}

// GetHandle issues a get without blocking.
func (e *Engine) GetHandle(ctx context.Context, dst []byte, src gptr.GPtr, nelem int64, srcT, dstT *dtype.Descriptor) *Handle {
	h := newHandle()
	go func() {
		h.finish(e.Get(ctx, dst, src, nelem, srcT, dstT))
	}()
	return h
}

// PutNB issues an implicit non-blocking put, completed only by the
// flush family on dst's segment.
func (e *Engine) PutNB(ctx context.Context, dst gptr.GPtr, src []byte, nelem int64, srcT, dstT *dtype.Descriptor) error {
	we, _, _, err := e.resolve(dst, 0)
	if err != nil {
		return err
	}
	we.implicit.Add(1)
	go func() {
		defer we.implicit.Done()
		we.recordErr(e.Put(ctx, dst, src, nelem, srcT, dstT))
	}()
	return nil
}

// GetNB issues an implicit non-blocking get, completed only by the
// flush family on src's segment.
func (e *Engine) GetNB(ctx context.Context, dst []byte, src gptr.GPtr, nelem int64, srcT, dstT *dtype.Descriptor) error {
	we, _, _, err := e.resolve(src, 0)
	if err != nil {
		return err
	}
	we.implicit.Add(1)
	go func() {
		defer we.implicit.Done()
		we.recordErr(e.Get(ctx, dst, src, nelem, srcT, dstT))
	}()
	return nil
}
