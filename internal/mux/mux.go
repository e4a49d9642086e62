// Package mux overlays a request/response protocol on the line-oriented
// stdio stream of the supervised child process: bounded-concurrency
// dispatch with priority, correlation by id with FIFO fallback,
// timeouts with retry, cancellation, streaming, and metrics.
package mux

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/metrics"
	"github.com/forgecrew/foreman/internal/supervisor"
)

// Source is the slice of the supervisor the multiplexer consumes.
type Source interface {
	Subscribe(buffer int) (<-chan supervisor.Event, func())
	Stdin() io.Writer
	IsRunning() bool
}

// Config controls multiplexer behavior.
type Config struct {
	// MaxConcurrent is the number of in-flight command slots
	MaxConcurrent int

	// DefaultTimeout applies when a send specifies none
	DefaultTimeout time.Duration

	// RetryAttempts caps per-command retries for retry-on-error sends
	RetryAttempts int

	// RetryDelay is the fixed wait before a retransmission
	RetryDelay time.Duration

	// Window sizes the queue-wait moving average (default 64)
	Window int

	// Registerer receives the prometheus collectors; nil uses a
	// private registry
	Registerer prometheus.Registerer
}

type outcome struct {
	resp Response
	err  error
}

// command is one pending request record. All fields are guarded by the
// mux mutex after construction.
type command struct {
	id           string
	prompt       string
	priority     int
	timeout      time.Duration
	retryOnError bool
	retryCount   int
	enqueuedAt   time.Time
	dispatchedAt time.Time
	timer        *time.Timer
	done         chan outcome
	resolved     bool

	// streaming
	onChunk func(string)
	chunks  []string
}

// Mux owns the set of in-flight commands and the priority wait queue.
type Mux struct {
	cfg    Config
	src    Source
	logger *zap.Logger
	col    *metrics.Mux

	mu       sync.Mutex
	waiting  []*command
	inflight map[string]*command
	order    []string // dispatch order, oldest first, for FIFO fallback
	lineBuf  string
	closed   bool

	total        int
	successful   int
	failed       int
	timeouts     int
	retries      int
	uncorrelated int
	execTotal    time.Duration
	execCount    int
	queueWait    movingWindow
	lastCommand  time.Time
	startedAt    time.Time

	unsubscribe func()
	readerDone  chan struct{}
}

var (
	respPrefixRe    = regexp.MustCompile(`^\[RESP:([^\]]+)\]\s*(.*)$`)
	cmdResponseRe   = regexp.MustCompile(`^\[CMD:([^\]]+)\]\s*RESPONSE:\s*(.*)$`)
	responseForRe   = regexp.MustCompile(`^Response for (\S+):\s*(.*)$`)
	streamEndMarker = "[STREAM_END]"
)

// New creates a multiplexer attached to the given supervisor source and
// starts consuming its event stream.
func New(src Source, cfg Config, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Window < 1 {
		cfg.Window = 64
	}

	m := &Mux{
		cfg:        cfg,
		src:        src,
		logger:     logger,
		col:        metrics.NewMux(cfg.Registerer),
		inflight:   make(map[string]*command),
		queueWait:  newMovingWindow(cfg.Window),
		startedAt:  time.Now(),
		readerDone: make(chan struct{}),
	}

	events, cancel := src.Subscribe(256)
	m.unsubscribe = cancel
	go m.readLoop(events)

	return m
}

func (m *Mux) readLoop(events <-chan supervisor.Event) {
	defer close(m.readerDone)
	for e := range events {
		switch e.Kind {
		case supervisor.EventOutput:
			m.handleOutput(e.Text)
		case supervisor.EventStderr:
			m.handleChildError(e.Text)
		case supervisor.EventStatus:
			m.handleStatus(e.Status)
		}
	}
}

// Send queues a command and blocks until it resolves, is rejected, or
// ctx is cancelled.
func (m *Mux) Send(ctx context.Context, prompt string, opts ...Option) (Response, error) {
	o := sendOptions{timeout: m.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = m.cfg.DefaultTimeout
	}

	cmd := &command{
		id:           uuid.NewString(),
		prompt:       prompt,
		priority:     o.priority,
		timeout:      o.timeout,
		retryOnError: o.retryOnError,
		onChunk:      o.onChunk,
		enqueuedAt:   time.Now(),
		done:         make(chan outcome, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Response{}, ErrClosed
	}
	m.total++
	m.lastCommand = cmd.enqueuedAt
	m.col.CommandsTotal.Inc()
	m.insertLocked(cmd)
	m.mu.Unlock()

	m.pump()

	select {
	case out := <-cmd.done:
		return out.resp, out.err
	case <-ctx.Done():
		m.Cancel(cmd.id)
		out := <-cmd.done
		return out.resp, out.err
	}
}

// insertLocked places cmd into the wait deque: after the last command
// of priority >= cmd.priority, so higher priority jumps ahead and ties
// keep FIFO order.
func (m *Mux) insertLocked(cmd *command) {
	idx := len(m.waiting)
	for i, w := range m.waiting {
		if w.priority < cmd.priority {
			idx = i
			break
		}
	}
	m.waiting = append(m.waiting, nil)
	copy(m.waiting[idx+1:], m.waiting[idx:])
	m.waiting[idx] = cmd
}

// pump dispatches waiting commands into free slots while the child is
// running. Stdin writes happen outside the lock.
func (m *Mux) pump() {
	for {
		m.mu.Lock()
		if m.closed || len(m.waiting) == 0 || len(m.inflight) >= m.cfg.MaxConcurrent || !m.src.IsRunning() {
			m.mu.Unlock()
			return
		}

		cmd := m.waiting[0]
		m.waiting = m.waiting[1:]

		stdin := m.src.Stdin()
		if stdin == nil {
			m.finishLocked(cmd, outcome{err: ErrStream})
			m.mu.Unlock()
			continue
		}

		cmd.dispatchedAt = time.Now()
		wait := cmd.dispatchedAt.Sub(cmd.enqueuedAt)
		m.queueWait.add(wait)
		m.col.QueueWaitSeconds.Observe(wait.Seconds())

		m.inflight[cmd.id] = cmd
		m.order = append(m.order, cmd.id)
		m.col.InFlight.Inc()
		m.armTimeoutLocked(cmd)
		m.mu.Unlock()

		if err := m.write(stdin, cmd); err != nil {
			m.logger.Warn("stdin write failed", zap.String("command", cmd.id), zap.Error(err))
			m.mu.Lock()
			if !cmd.resolved {
				m.finishLocked(cmd, outcome{err: ErrStream})
			}
			m.mu.Unlock()
		}
	}
}

// write frames the prompt as a single stdin line.
func (m *Mux) write(stdin io.Writer, cmd *command) error {
	prompt := strings.ReplaceAll(cmd.prompt, "\n", " ")
	_, err := fmt.Fprintf(stdin, "[CMD:%s] %s\n", cmd.id, prompt)
	return err
}

func (m *Mux) armTimeoutLocked(cmd *command) {
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	id := cmd.id
	cmd.timer = time.AfterFunc(cmd.timeout, func() {
		m.handleTimeout(id)
	})
}

// finishLocked settles a command exactly once: removes it from
// whichever set holds it, stops its timer, updates counters, and
// delivers the outcome. Caller holds the lock.
func (m *Mux) finishLocked(cmd *command, out outcome) {
	if cmd.resolved {
		return
	}
	cmd.resolved = true

	if cmd.timer != nil {
		cmd.timer.Stop()
		cmd.timer = nil
	}

	if _, ok := m.inflight[cmd.id]; ok {
		delete(m.inflight, cmd.id)
		m.col.InFlight.Dec()
		for i, id := range m.order {
			if id == cmd.id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	} else {
		for i, w := range m.waiting {
			if w.id == cmd.id {
				m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
				break
			}
		}
	}

	if !cmd.dispatchedAt.IsZero() {
		exec := time.Since(cmd.dispatchedAt)
		out.resp.ExecutionTime = exec
		m.execTotal += exec
		m.execCount++
		m.col.ExecSeconds.Observe(exec.Seconds())
	}
	out.resp.Timestamp = time.Now()

	if out.err == nil && out.resp.Success {
		m.successful++
		m.col.CommandsSucceeded.Inc()
	} else {
		m.failed++
		m.col.CommandsFailed.Inc()
	}

	cmd.done <- out
}

// handleOutput accumulates raw chunks into lines and processes each
// complete line.
func (m *Mux) handleOutput(text string) {
	m.mu.Lock()
	m.lineBuf += text
	var lines []string
	for {
		idx := strings.IndexByte(m.lineBuf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(m.lineBuf[:idx], "\r"))
		m.lineBuf = m.lineBuf[idx+1:]
	}
	m.mu.Unlock()

	for _, line := range lines {
		m.handleLine(line)
	}
}

// correlate extracts a correlation id and payload from a response line.
// Patterns are tried in priority order; ok is false when no id is
// present.
func correlate(line string) (id, payload string, ok bool) {
	if match := respPrefixRe.FindStringSubmatch(line); match != nil {
		return match[1], match[2], true
	}
	if match := cmdResponseRe.FindStringSubmatch(line); match != nil {
		return match[1], match[2], true
	}
	if match := responseForRe.FindStringSubmatch(line); match != nil {
		return match[1], match[2], true
	}
	return "", line, false
}

func (m *Mux) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	id, payload, hasID := correlate(line)

	m.mu.Lock()

	var target *command
	if hasID {
		target = m.inflight[id]
	}
	if target == nil {
		// FIFO fallback: oldest in-flight command.
		if len(m.order) > 0 {
			target = m.inflight[m.order[0]]
			m.uncorrelated++
			m.col.Uncorrelated.Inc()
		}
	}
	if target == nil {
		m.mu.Unlock()
		m.logger.Debug("response with no matching command", zap.String("line", line))
		return
	}

	if target.onChunk != nil {
		if strings.Contains(payload, streamEndMarker) {
			resp := Response{
				Success:        true,
				Text:           strings.Join(target.chunks, "\n"),
				Classification: ClassificationSuccess,
			}
			m.finishLocked(target, outcome{resp: resp})
			m.mu.Unlock()
			m.pump()
			return
		}
		target.chunks = append(target.chunks, payload)
		fn := target.onChunk
		m.mu.Unlock()
		fn(payload)
		return
	}

	resp := parsePayload(payload)
	m.finishLocked(target, outcome{resp: resp})
	m.mu.Unlock()
	m.pump()
}

// handleTimeout fires when a command's timer expires: retry when
// eligible, otherwise reject with ErrTimeout.
func (m *Mux) handleTimeout(id string) {
	m.mu.Lock()
	cmd, ok := m.inflight[id]
	if !ok || cmd.resolved {
		m.mu.Unlock()
		return
	}

	m.timeouts++
	m.col.Timeouts.Inc()

	if cmd.retryOnError && cmd.retryCount < m.cfg.RetryAttempts {
		m.scheduleRetryLocked(cmd)
		m.mu.Unlock()
		return
	}

	m.finishLocked(cmd, outcome{err: ErrTimeout})
	m.mu.Unlock()
	m.pump()
}

// scheduleRetryLocked re-arms a delayed retransmission for an in-flight
// command. The slot stays held. Caller holds the lock.
func (m *Mux) scheduleRetryLocked(cmd *command) {
	cmd.retryCount++
	m.retries++
	m.col.Retries.Inc()

	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	id := cmd.id
	cmd.timer = time.AfterFunc(m.cfg.RetryDelay, func() {
		m.resend(id)
	})
}

func (m *Mux) resend(id string) {
	m.mu.Lock()
	cmd, ok := m.inflight[id]
	if !ok || cmd.resolved {
		m.mu.Unlock()
		return
	}

	stdin := m.src.Stdin()
	if stdin == nil {
		m.finishLocked(cmd, outcome{err: ErrProcessUnavailable})
		m.mu.Unlock()
		m.pump()
		return
	}

	m.armTimeoutLocked(cmd)
	m.mu.Unlock()

	if err := m.write(stdin, cmd); err != nil {
		m.mu.Lock()
		if !cmd.resolved {
			m.finishLocked(cmd, outcome{err: ErrStream})
		}
		m.mu.Unlock()
		m.pump()
	}
}

// handleChildError applies the stderr policy: in-flight commands retry
// when eligible, otherwise reject.
func (m *Mux) handleChildError(text string) {
	m.mu.Lock()
	var settled bool
	for _, id := range append([]string(nil), m.order...) {
		cmd, ok := m.inflight[id]
		if !ok {
			continue
		}
		if cmd.retryOnError && cmd.retryCount < m.cfg.RetryAttempts {
			m.scheduleRetryLocked(cmd)
			continue
		}
		m.finishLocked(cmd, outcome{err: fmt.Errorf("%w: %s", ErrProcessUnavailable, strings.TrimSpace(text))})
		settled = true
	}
	m.mu.Unlock()

	if settled {
		m.pump()
	}
}

// handleStatus rejects all pending work when the child goes away and
// pumps when it comes up.
func (m *Mux) handleStatus(status supervisor.Status) {
	switch status {
	case supervisor.StatusError, supervisor.StatusStopped:
		m.mu.Lock()
		for _, cmd := range m.snapshotPendingLocked() {
			m.finishLocked(cmd, outcome{err: ErrProcessUnavailable})
		}
		m.lineBuf = ""
		m.mu.Unlock()
	case supervisor.StatusRunning:
		m.pump()
	}
}

// snapshotPendingLocked returns every unresolved command, in-flight
// first. Caller holds the lock.
func (m *Mux) snapshotPendingLocked() []*command {
	cmds := make([]*command, 0, len(m.inflight)+len(m.waiting))
	for _, id := range m.order {
		if cmd, ok := m.inflight[id]; ok {
			cmds = append(cmds, cmd)
		}
	}
	cmds = append(cmds, m.waiting...)
	return cmds
}

// Cancel removes a queued command or rejects an in-flight one.
// Returns false when the id is unknown or already settled.
func (m *Mux) Cancel(id string) bool {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.pump()
	}()

	if cmd, ok := m.inflight[id]; ok && !cmd.resolved {
		m.finishLocked(cmd, outcome{err: ErrCancelled})
		return true
	}
	for _, cmd := range m.waiting {
		if cmd.id == id {
			m.finishLocked(cmd, outcome{err: ErrCancelled})
			return true
		}
	}
	return false
}

// CancelAll cancels every queued and in-flight command.
func (m *Mux) CancelAll() int {
	m.mu.Lock()
	pending := m.snapshotPendingLocked()
	for _, cmd := range pending {
		m.finishLocked(cmd, outcome{err: ErrCancelled})
	}
	m.mu.Unlock()
	return len(pending)
}

// Cleanup cancels all pending work and detaches from the supervisor.
// The multiplexer accepts no further sends.
func (m *Mux) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.snapshotPendingLocked()
	for _, cmd := range pending {
		m.finishLocked(cmd, outcome{err: ErrCancelled})
	}
	m.mu.Unlock()

	m.unsubscribe()
	<-m.readerDone
}
