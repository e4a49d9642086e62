package mux

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/supervisor"
)

func testMux(t *testing.T, src Source, cfg Config) *Mux {
	t.Helper()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	m := New(src, cfg, zap.NewNop())
	t.Cleanup(m.Cleanup)
	return m
}

func TestSend_HappyPathJSON(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	go func() {
		if _, err := src.respond(`{"result":"hi"}`); err != nil {
			t.Error(err)
		}
	}()

	resp, err := m.Send(context.Background(), "hello")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, ClassificationJSON, resp.Classification)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "expected JSON object payload")
	assert.Equal(t, "hi", data["result"])
	assert.GreaterOrEqual(t, resp.ExecutionTime, time.Duration(0))

	metrics := m.Metrics()
	assert.Equal(t, 1, metrics.SuccessfulCommands)
	assert.Equal(t, 0, metrics.FailedCommands)
	assert.Equal(t, 0, metrics.UncorrelatedResponses)
}

func TestSend_PlainTextClassification(t *testing.T) {
	cases := []struct {
		payload     string
		wantSuccess bool
		wantClass   Classification
	}{
		{"operation completed", true, ClassificationSuccess},
		{"all good here", true, ClassificationSuccess},
		{"fatal error in module", false, ClassificationError},
		{"access denied", false, ClassificationError},
		// Error language neutralized by success language.
		{"recovered from error, done", true, ClassificationSuccess},
	}

	for _, tc := range cases {
		t.Run(tc.payload, func(t *testing.T) {
			src := newStubSource(true)
			m := testMux(t, src, Config{MaxConcurrent: 1})

			go src.respond(tc.payload)

			resp, err := m.Send(context.Background(), "prompt")
			require.NoError(t, err)
			assert.Equal(t, tc.wantSuccess, resp.Success)
			assert.Equal(t, tc.wantClass, resp.Classification)
			assert.Equal(t, tc.payload, resp.Text)
		})
	}
}

func TestSend_TimeoutThenRetryThenReject(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{
		MaxConcurrent: 1,
		RetryAttempts: 1,
		RetryDelay:    50 * time.Millisecond,
	})

	start := time.Now()
	_, err := m.Send(context.Background(), "no answer",
		WithTimeout(100*time.Millisecond), WithRetryOnError())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	// timeout + retry delay + timeout again
	assert.GreaterOrEqual(t, elapsed, 240*time.Millisecond)

	// The prompt must have been written twice.
	id1, _, err := src.nextWrite()
	require.NoError(t, err)
	id2, _, err := src.nextWrite()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	metrics := m.Metrics()
	assert.GreaterOrEqual(t, metrics.TimeoutCount, 1)
	assert.Equal(t, 1, metrics.RetryCount)
	assert.Equal(t, 1, metrics.FailedCommands)
}

func TestSend_PriorityPreemption(t *testing.T) {
	// Child not yet running: everything queues.
	src := newStubSource(false)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]string{}
	)
	sendAsync := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Send(context.Background(), name, WithPriority(priority))
			if err != nil {
				return
			}
			mu.Lock()
			results[name] = resp.Text
			mu.Unlock()
		}()
	}

	waitQueued := func(n int) {
		deadline := time.Now().Add(2 * time.Second)
		for m.Status().Queued < n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d queued commands", n)
			}
			time.Sleep(time.Millisecond)
		}
	}

	for i := 1; i <= 5; i++ {
		sendAsync(fmt.Sprintf("C%d", i), 0)
		waitQueued(i)
	}
	sendAsync("C6", 10)
	waitQueued(6)

	src.setRunning(true, supervisor.StatusRunning)

	// Answer each dispatched command in turn; R_1 goes to whichever
	// command got the sole slot first.
	for i := 1; i <= 6; i++ {
		_, err := src.respond(fmt.Sprintf(`R_%d`, i))
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, "R_1", results["C6"], "highest priority must be dispatched first")
	assert.Equal(t, "R_2", results["C1"], "ties keep FIFO order after the preempting command")
	assert.Equal(t, "R_6", results["C5"])
}

func TestSend_FIFOFallbackCountsUncorrelated(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 2})

	var wg sync.WaitGroup
	responses := make([]Response, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i], _ = m.Send(context.Background(), fmt.Sprintf("P%d", i))
		}()
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for both dispatches, then reply without any correlation id.
	_, _, err := src.nextWrite()
	require.NoError(t, err)
	_, _, err = src.nextWrite()
	require.NoError(t, err)

	src.emitOutput("first uncorrelated reply\n")
	src.emitOutput("second uncorrelated reply\n")
	wg.Wait()

	// FIFO fallback pairs replies with dispatch order.
	assert.Equal(t, "first uncorrelated reply", responses[0].Text)
	assert.Equal(t, "second uncorrelated reply", responses[1].Text)
	assert.Equal(t, 2, m.Metrics().UncorrelatedResponses)
}

func TestSend_CorrelationPatterns(t *testing.T) {
	patterns := []func(id string) string{
		func(id string) string { return fmt.Sprintf("[RESP:%s] payload-a", id) },
		func(id string) string { return fmt.Sprintf("[CMD:%s] RESPONSE: payload-a", id) },
		func(id string) string { return fmt.Sprintf("Response for %s: payload-a", id) },
	}

	for i, format := range patterns {
		t.Run(fmt.Sprintf("pattern_%d", i), func(t *testing.T) {
			src := newStubSource(true)
			m := testMux(t, src, Config{MaxConcurrent: 1})

			go func() {
				id, _, err := src.nextWrite()
				if err != nil {
					t.Error(err)
					return
				}
				src.emitOutput(format(id) + "\n")
			}()

			resp, err := m.Send(context.Background(), "prompt")
			require.NoError(t, err)
			assert.Equal(t, "payload-a", resp.Text)
			assert.Equal(t, 0, m.Metrics().UncorrelatedResponses)
		})
	}
}

func TestCancelAll_QueuedCommand(t *testing.T) {
	src := newStubSource(false) // nothing dispatches
	m := testMux(t, src, Config{MaxConcurrent: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "queued forever")
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Status().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("command never queued")
		}
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 1, m.CancelAll())
	require.ErrorIs(t, <-errCh, ErrCancelled)
	assert.Equal(t, 0, m.Status().Queued)
}

func TestCancel_InFlightCommand(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "slow")
		errCh <- err
	}()

	id, _, err := src.nextWrite()
	require.NoError(t, err)

	assert.Equal(t, CommandPending, m.CommandStatus(id).State)
	assert.True(t, m.Cancel(id))
	assert.False(t, m.Cancel(id), "second cancel must report not found")

	require.ErrorIs(t, <-errCh, ErrCancelled)
	assert.Equal(t, CommandNotFound, m.CommandStatus(id).State)

	// A late response for the cancelled id is discarded quietly.
	src.emitOutput(fmt.Sprintf("[RESP:%s] too late\n", id))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.Metrics().SuccessfulCommands)
}

func TestStatusChange_RejectsAllPending(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			_, err := m.Send(context.Background(), fmt.Sprintf("P%d", i))
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
	}
	_, _, err := src.nextWrite() // first is in flight, second queued
	require.NoError(t, err)

	src.setRunning(false, supervisor.StatusStopped)

	require.ErrorIs(t, <-errs, ErrProcessUnavailable)
	require.ErrorIs(t, <-errs, ErrProcessUnavailable)
}

func TestStderr_RejectsNonRetryableInFlight(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), "doomed")
		errCh <- err
	}()
	_, _, err := src.nextWrite()
	require.NoError(t, err)

	src.emitStderr("panic: child exploded\n")

	require.ErrorIs(t, <-errCh, ErrProcessUnavailable)
}

func TestStderr_RetriesEligibleInFlight(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{
		MaxConcurrent: 1,
		RetryAttempts: 1,
		RetryDelay:    20 * time.Millisecond,
	})

	type result struct {
		resp Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := m.Send(context.Background(), "flaky", WithRetryOnError())
		resCh <- result{resp, err}
	}()
	_, _, err := src.nextWrite()
	require.NoError(t, err)

	src.emitStderr("transient burp\n")

	// The retransmission arrives after the retry delay; answer it.
	_, err = src.respond("recovered fine, done")
	require.NoError(t, err)

	res := <-resCh
	require.NoError(t, res.err)
	assert.True(t, res.resp.Success)
	assert.Equal(t, 1, m.Metrics().RetryCount)
}

func TestSendStream_DeliversChunksUntilMarker(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	var chunks []string
	var chunksMu sync.Mutex

	type result struct {
		resp Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := m.SendStream(context.Background(), "stream it", func(chunk string) {
			chunksMu.Lock()
			chunks = append(chunks, chunk)
			chunksMu.Unlock()
		})
		resCh <- result{resp, err}
	}()

	id, _, err := src.nextWrite()
	require.NoError(t, err)

	src.emitOutput(fmt.Sprintf("[RESP:%s] chunk one\n", id))
	src.emitOutput(fmt.Sprintf("[RESP:%s] chunk two\n", id))
	src.emitOutput(fmt.Sprintf("[RESP:%s] [STREAM_END]\n", id))

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "chunk one\nchunk two", res.resp.Text)

	chunksMu.Lock()
	defer chunksMu.Unlock()
	assert.Equal(t, []string{"chunk one", "chunk two"}, chunks)
}

func TestSendExpectingJSON(t *testing.T) {
	type decomposition struct {
		Tasks []string `json:"tasks"`
	}

	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	go src.respond(`{"tasks":["a","b"]}`)

	result, err := SendExpectingJSON[decomposition](context.Background(), m, "decompose")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result.Tasks)
}

func TestSendExpectingJSON_ParseError(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	go src.respond("this is definitely not json, ok")

	_, err := SendExpectingJSON[map[string]any](context.Background(), m, "decompose")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestSendBatch_OrderedResultsAndProgress(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 4})

	prompts := []string{"one", "two", "three"}

	go func() {
		for range prompts {
			id, prompt, err := src.nextWrite()
			if err != nil {
				t.Error(err)
				return
			}
			src.emitOutput(fmt.Sprintf("[RESP:%s] echo %s\n", id, prompt))
		}
	}()

	var progressMu sync.Mutex
	var progress []int
	responses, err := m.SendBatch(context.Background(), prompts, BatchOptions{
		MaxConcurrency: 2,
		OnProgress: func(completed, total int) {
			progressMu.Lock()
			progress = append(progress, completed)
			progressMu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Len(t, responses, 3)
	assert.Equal(t, "echo one", responses[0].Text)
	assert.Equal(t, "echo two", responses[1].Text)
	assert.Equal(t, "echo three", responses[2].Text)

	progressMu.Lock()
	defer progressMu.Unlock()
	assert.ElementsMatch(t, []int{1, 2, 3}, progress)
}

func TestSendBatch_StopOnError(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	prompts := []string{"one", "two", "three"}

	go func() {
		// Fail the first command by stopping the child under it.
		_, _, err := src.nextWrite()
		if err != nil {
			t.Error(err)
			return
		}
		src.setRunning(false, supervisor.StatusStopped)
	}()

	_, err := m.SendBatch(context.Background(), prompts, BatchOptions{
		MaxConcurrency: 1,
		StopOnError:    true,
	})
	require.Error(t, err)
}

func TestSend_StreamErrorWhenStdinUnwritable(t *testing.T) {
	src := newStubSource(true)
	src.stdinNil = true
	m := testMux(t, src, Config{MaxConcurrent: 1})

	_, err := m.Send(context.Background(), "doomed")
	require.ErrorIs(t, err, ErrStream)
}

func TestCleanup_RejectsFurtherSends(t *testing.T) {
	src := newStubSource(true)
	m := New(src, Config{MaxConcurrent: 1, DefaultTimeout: time.Second}, zap.NewNop())

	m.Cleanup()
	m.Cleanup() // idempotent

	_, err := m.Send(context.Background(), "too late")
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, m.Status().Closed)
}

func TestMetrics_FIFOOverManyEqualPriorityInserts(t *testing.T) {
	src := newStubSource(false)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	// Direct exercise of the deque insert: 10k equal-priority inserts
	// must preserve FIFO order.
	m.mu.Lock()
	for i := 0; i < 10000; i++ {
		m.insertLocked(&command{id: fmt.Sprintf("c%d", i), done: make(chan outcome, 1)})
	}
	ordered := true
	for i, cmd := range m.waiting {
		if cmd.id != fmt.Sprintf("c%d", i) {
			ordered = false
			break
		}
	}
	m.waiting = nil
	m.mu.Unlock()

	assert.True(t, ordered, "equal priority inserts must stay FIFO")
}

func TestContextCancellation(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, "never answered")
		errCh <- err
	}()

	_, _, err := src.nextWrite()
	require.NoError(t, err)
	cancel()

	require.ErrorIs(t, <-errCh, ErrCancelled)
}

func TestDetailedStats(t *testing.T) {
	src := newStubSource(true)
	m := testMux(t, src, Config{MaxConcurrent: 1})

	go src.respond(`{"onward":true}`)
	_, err := m.Send(context.Background(), "one")
	require.NoError(t, err)

	stats := m.DetailedStats()
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 0.0, stats.TimeoutRate)
	assert.Greater(t, stats.ThroughputPerMinute, 0.0)
}
