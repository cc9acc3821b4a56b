// Package interrupt scopes handling of process signals (SIGINT, SIGTERM).
//
// Each Handle has its own signal channel, so that handles acquired
// by concurrent operations in one process do not clobber each other.
// The Context of a Handle is the cancellation token of the operation.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrInterrupted is the cause of cancellation of Handle.Context by a signal.
var ErrInterrupted = errors.New("interrupted")

type Handle struct {
	signals []os.Signal
	reraise bool
	raise   func(os.Signal) error

	sigCh  chan os.Signal
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelCauseFunc

	interrupted atomic.Bool

	mu             sync.Mutex
	sig            os.Signal
	blocked        int
	cancelDeferred bool
	releasePending bool
	raiseErr       error

	releaseOnce sync.Once
}

type Option func(*Handle)

// WithSignals replaces signals to be handled. Default: SIGINT and SIGTERM.
func WithSignals(sigs ...os.Signal) Option {
	return func(h *Handle) {
		h.signals = sigs
	}
}

// WithReraise makes Release deliver the signal again to the process, if interrupted.
//
// After Release, the default behaviour of the signal (termination, usually) takes effect.
func WithReraise() Option {
	return func(h *Handle) {
		h.reraise = true
	}
}

// Acquire starts handling signals.
//
// Callers must call Release when the operation is over.
func Acquire(parent context.Context, options ...Option) *Handle {
	h := &Handle{
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		raise:   raiseToSelf,
		sigCh:   make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	h.ctx, h.cancel = context.WithCancelCause(parent)

	signal.Notify(h.sigCh, h.signals...)
	go h.loop()
	return h
}

func raiseToSelf(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func (h *Handle) loop() {
	for {
		select {
		case <-h.done:
			return
		case sig := <-h.sigCh:
			h.onSignal(sig)
		}
	}
}

func (h *Handle) onSignal(sig os.Signal) {
	h.mu.Lock()
	if h.sig == nil {
		h.sig = sig
	}
	h.interrupted.Store(true)
	if 0 < h.blocked {
		h.cancelDeferred = true
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.cancel(fmt.Errorf("%w: %s", ErrInterrupted, sig))
}

// Interrupted reports whether a signal has been received.
//
// It becomes true even while blocked.
func (h *Handle) Interrupted() bool {
	return h.interrupted.Load()
}

// Signal returns the first signal received, or nil.
func (h *Handle) Signal() os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sig
}

// Context is cancelled by a signal (with cause ErrInterrupted), or by Release.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Block enters the blocked mode.
//
// While blocked, signals are recorded but Context is not cancelled,
// and Release is deferred until the last Unblock.
// Block can be nested.
func (h *Handle) Block() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked++
}

// Unblock leaves the blocked mode.
//
// Effects deferred while blocked (cancellation, Release) take place now.
func (h *Handle) Unblock() {
	h.mu.Lock()
	if h.blocked == 0 {
		h.mu.Unlock()
		return
	}
	h.blocked--
	if 0 < h.blocked {
		h.mu.Unlock()
		return
	}
	fire, sig := h.cancelDeferred, h.sig
	release := h.releasePending
	h.cancelDeferred = false
	h.releasePending = false
	h.mu.Unlock()

	if fire {
		h.cancel(fmt.Errorf("%w: %s", ErrInterrupted, sig))
	}
	if release {
		h.release()
	}
}

// Release stops handling signals, and cancels Context.
// The signal handler before Acquire is restored exactly once.
//
// When the handle is blocked, Release takes place at the last Unblock.
// Release can be called twice or more.
func (h *Handle) Release() {
	h.mu.Lock()
	if 0 < h.blocked {
		h.releasePending = true
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.release()
}

func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		signal.Stop(h.sigCh)
		close(h.done)
		h.cancel(nil)

		h.mu.Lock()
		sig := h.sig
		h.mu.Unlock()
		if h.reraise && sig != nil {
			if err := h.raise(sig); err != nil {
				h.mu.Lock()
				h.raiseErr = fmt.Errorf("re-raise %s: %w", sig, err)
				h.mu.Unlock()
			}
		}
	})
}

// RaiseErr returns the error of delivering the signal again on Release, if any.
func (h *Handle) RaiseErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.raiseErr
}

// Released is closed when the handle is released.
func (h *Handle) Released() <-chan struct{} {
	return h.done
}
