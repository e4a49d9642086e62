package mux

import "time"

// movingWindow is a fixed-window duration accumulator.
type movingWindow struct {
	buf  []time.Duration
	idx  int
	n    int
}

func newMovingWindow(size int) movingWindow {
	return movingWindow{buf: make([]time.Duration, size)}
}

func (w *movingWindow) add(d time.Duration) {
	w.buf[w.idx] = d
	w.idx = (w.idx + 1) % len(w.buf)
	if w.n < len(w.buf) {
		w.n++
	}
}

func (w *movingWindow) avg() time.Duration {
	if w.n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.n; i++ {
		total += w.buf[i]
	}
	return total / time.Duration(w.n)
}

// Metrics is a snapshot of the multiplexer counters.
type Metrics struct {
	TotalCommands         int           `json:"totalCommands"`
	SuccessfulCommands    int           `json:"successfulCommands"`
	FailedCommands        int           `json:"failedCommands"`
	TimeoutCount          int           `json:"timeoutCount"`
	RetryCount            int           `json:"retryCount"`
	UncorrelatedResponses int           `json:"uncorrelatedResponses"`
	AvgQueueWait          time.Duration `json:"avgQueueWait"`
	TotalExecTime         time.Duration `json:"totalExecTime"`
	AvgExecTime           time.Duration `json:"avgExecTime"`
	LastCommandAt         time.Time     `json:"lastCommandAt"`
}

// DetailedStats derives rates and throughput from the counters.
type DetailedStats struct {
	Metrics
	SuccessRate         float64 `json:"successRate"`
	TimeoutRate         float64 `json:"timeoutRate"`
	ThroughputPerMinute float64 `json:"throughputPerMinute"`
	InFlight            int     `json:"inFlight"`
	Queued              int     `json:"queued"`
}

// Status is the multiplexer's operational snapshot.
type Status struct {
	Running  bool `json:"running"`
	InFlight int  `json:"inFlight"`
	Queued   int  `json:"queued"`
	Closed   bool `json:"closed"`
}

// CommandState classifies a command id for CommandStatus.
type CommandState string

const (
	CommandPending  CommandState = "pending" // dispatched, awaiting response
	CommandQueued   CommandState = "queued"
	CommandNotFound CommandState = "not_found"
)

// CommandInfo describes a pending or queued command.
type CommandInfo struct {
	State      CommandState  `json:"state"`
	Prompt     string        `json:"prompt,omitempty"`
	Priority   int           `json:"priority,omitempty"`
	RetryCount int           `json:"retryCount,omitempty"`
	Age        time.Duration `json:"age,omitempty"`
}

// Metrics returns a snapshot of the counters.
func (m *Mux) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

func (m *Mux) metricsLocked() Metrics {
	snap := Metrics{
		TotalCommands:         m.total,
		SuccessfulCommands:    m.successful,
		FailedCommands:        m.failed,
		TimeoutCount:          m.timeouts,
		RetryCount:            m.retries,
		UncorrelatedResponses: m.uncorrelated,
		AvgQueueWait:          m.queueWait.avg(),
		TotalExecTime:         m.execTotal,
		LastCommandAt:         m.lastCommand,
	}
	if m.execCount > 0 {
		snap.AvgExecTime = m.execTotal / time.Duration(m.execCount)
	}
	return snap
}

// DetailedStats returns the counters with derived rates.
func (m *Mux) DetailedStats() DetailedStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := DetailedStats{
		Metrics:  m.metricsLocked(),
		InFlight: len(m.inflight),
		Queued:   len(m.waiting),
	}

	if m.total > 0 {
		stats.SuccessRate = float64(m.successful) / float64(m.total)
		stats.TimeoutRate = float64(m.timeouts) / float64(m.total)
	}
	if elapsed := time.Since(m.startedAt); elapsed > 0 {
		stats.ThroughputPerMinute = float64(m.successful) / elapsed.Minutes()
	}
	return stats
}

// Status returns the operational snapshot.
func (m *Mux) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:  m.src.IsRunning(),
		InFlight: len(m.inflight),
		Queued:   len(m.waiting),
		Closed:   m.closed,
	}
}

// CommandStatus reports where a command id currently sits.
func (m *Mux) CommandStatus(id string) CommandInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd, ok := m.inflight[id]; ok {
		return CommandInfo{
			State:      CommandPending,
			Prompt:     cmd.prompt,
			Priority:   cmd.priority,
			RetryCount: cmd.retryCount,
			Age:        time.Since(cmd.enqueuedAt),
		}
	}
	for _, cmd := range m.waiting {
		if cmd.id == id {
			return CommandInfo{
				State:    CommandQueued,
				Prompt:   cmd.prompt,
				Priority: cmd.priority,
				Age:      time.Since(cmd.enqueuedAt),
			}
		}
	}
	return CommandInfo{State: CommandNotFound}
}
