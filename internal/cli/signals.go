package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SignalHandler turns SIGINT/SIGTERM into a graceful shutdown: the
// first signal cancels the run context and fires the registered
// shutdown callbacks in order; a second signal exits immediately.
type SignalHandler struct {
	signals  chan os.Signal
	shutdown chan struct{} // closed once shutdown callbacks have run
	stopCh   chan struct{} // closed by Stop to end the goroutine
	done     chan struct{} // closed when the goroutine exits
	stopOnce sync.Once
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu         sync.Mutex
	onShutdown []func()
}

// NewSignalHandler creates a signal handler bound to the given context
// cancel function.
func NewSignalHandler(cancel context.CancelFunc, logger *zap.Logger) *SignalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalHandler{
		signals:  make(chan os.Signal, 2),
		shutdown: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logger,
	}
}

// Start begins listening for SIGINT and SIGTERM.
func (h *SignalHandler) Start() {
	h.StartWithNotify(true)
}

// StartWithNotify begins the handler goroutine. Pass false for notify
// in unit tests to stay out of the process-global signal state; tests
// deliver signals on h.signals directly.
func (h *SignalHandler) StartWithNotify(notify bool) {
	if notify {
		signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	}

	started := make(chan struct{})
	go func() {
		defer close(h.done)
		close(started)

		select {
		case sig := <-h.signals:
			h.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			if h.cancel != nil {
				h.cancel()
			}
			h.runCallbacks()
			close(h.shutdown)

			// A second signal aborts without waiting for cleanup.
			select {
			case <-h.signals:
				h.logger.Warn("second signal, exiting immediately")
				os.Exit(1)
			case <-h.stopCh:
			}
		case <-h.stopCh:
		}
	}()

	<-started
}

func (h *SignalHandler) runCallbacks() {
	h.mu.Lock()
	callbacks := make([]func(), len(h.onShutdown))
	copy(callbacks, h.onShutdown)
	h.mu.Unlock()

	// Registration order; components register outermost first.
	for _, fn := range callbacks {
		fn()
	}
}

// OnShutdown registers a callback to run after the context is cancelled.
func (h *SignalHandler) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = append(h.onShutdown, fn)
}

// Wait blocks until shutdown callbacks have run.
func (h *SignalHandler) Wait() {
	<-h.shutdown
}

// Stop unregisters the handler and ends its goroutine. Safe to call
// whether or not a signal arrived.
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
		// The goroutine may still be inside a shutdown callback;
		// cleanup is already done on our side.
	}
}
