package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/example/cancer-check/internal/imageprocessor"
)

// Handle is an invocation-ready classifier. Implementations must be safe
// for concurrent Infer calls.
type Handle interface {
	Infer(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error)
	Close() error
}

// State describes how far model loading has progressed.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned while the model is still loading.
	ErrNotReady = errors.New("model is still loading")
	// ErrLoadFailed is returned after loading gave up.
	ErrLoadFailed = errors.New("model failed to load")
	// ErrAlreadyResolved is returned when Set or Fail is called twice.
	ErrAlreadyResolved = errors.New("model holder already resolved")
)

type snapshot struct {
	state  State
	handle Handle
	err    error
}

// Holder is the single shared reference to the loaded model. It is written
// once, by the loader, and read lock-free by every request.
type Holder struct {
	current atomic.Pointer[snapshot]

	mu        sync.Mutex
	observers []func(State)
}

// NewHolder returns a Holder in the loading state.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(&snapshot{state: StateLoading})
	return h
}

// Current returns the ready handle, or an error explaining why there is none.
func (h *Holder) Current() (Handle, error) {
	snap := h.current.Load()
	switch snap.state {
	case StateReady:
		return snap.handle, nil
	case StateFailed:
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, snap.err)
	default:
		return nil, ErrNotReady
	}
}

// State reports the current loading state.
func (h *Holder) State() State {
	return h.current.Load().state
}

// Set publishes a loaded handle.
func (h *Holder) Set(handle Handle) error {
	if handle == nil {
		return errors.New("nil model handle")
	}
	return h.resolve(&snapshot{state: StateReady, handle: handle})
}

// Fail records that loading gave up with err.
func (h *Holder) Fail(err error) error {
	if err == nil {
		err = errors.New("unknown load error")
	}
	return h.resolve(&snapshot{state: StateFailed, err: err})
}

func (h *Holder) resolve(next *snapshot) error {
	h.mu.Lock()
	if h.current.Load().state != StateLoading {
		h.mu.Unlock()
		return ErrAlreadyResolved
	}
	h.current.Store(next)
	observers := append([]func(State){}, h.observers...)
	h.mu.Unlock()

	for _, fn := range observers {
		fn(next.state)
	}
	return nil
}

// Observe registers fn to be called on resolution. fn is also called once
// immediately with the current state. The first call happens under the
// holder lock so it can never arrive after the resolution callback; fn must
// not call Observe, Set or Fail.
func (h *Holder) Observe(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, fn)
	fn(h.current.Load().state)
}

// Close releases the handle if one was loaded.
func (h *Holder) Close() error {
	snap := h.current.Load()
	if snap.state != StateReady {
		return nil
	}
	return snap.handle.Close()
}
