package cli

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/boss"
	"github.com/forgecrew/foreman/internal/mux"
	"github.com/forgecrew/foreman/internal/queue"
	"github.com/forgecrew/foreman/internal/shellexec"
	"github.com/forgecrew/foreman/internal/task"
)

type fakeTaskQueue struct {
	added []task.Task
}

func (q *fakeTaskQueue) AddTask(ctx context.Context, t task.Task, opts queue.AddOptions) (string, error) {
	q.added = append(q.added, t)
	return "job-" + t.ID, nil
}

// fakeResults hands out queued work results, then reports a drained
// store.
type fakeResults struct {
	mu      sync.Mutex
	pending []task.WorkResult
	stats   queue.Stats
}

func (f *fakeResults) NextResult(ctx context.Context) (*task.WorkResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, false, nil
	}
	wr := f.pending[0]
	f.pending = f.pending[1:]
	return &wr, true, nil
}

func (f *fakeResults) Stats(ctx context.Context) (queue.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func decompositionReply() task.DecompositionResult {
	return task.DecompositionResult{
		Tasks: []task.Task{
			{ID: "t-1", Title: "Add function", Description: "Implement add(a, b)", Priority: 5},
			{ID: "t-2", Title: "Add CLI", Description: "Wire add into the CLI", Priority: 5, Dependencies: []string{"t-1"}},
		},
		Complexity: "low",
	}
}

func workResultFor(taskID string) task.WorkResult {
	return task.WorkResult{
		TaskID:         taskID,
		AgentID:        "w-1",
		CompletionTime: time.Now(),
		CodeChanges: []task.CodeChange{
			{FilePath: "main.go", Action: task.ActionUpdate, Content: "package main"},
		},
	}
}

func TestRunBoss_ReviewsEveryResult(t *testing.T) {
	sender := &scriptedSender{responses: []mux.Response{
		textResponse("ready: " + shellexec.ReadySentinel),
		jsonResponse(decompositionReply()),
		jsonResponse(task.ReviewResult{Approved: true, Feedback: "solid", Score: 90}),
		jsonResponse(task.ReviewResult{Approved: true, Feedback: "solid", Score: 88}),
	}}
	fq := &fakeTaskQueue{}
	b := boss.New(boss.Deps{Sender: sender, Queue: fq, Exec: &fakePinger{}}, boss.Config{
		AgentID:       "boss-1",
		WorkspacePath: t.TempDir(),
	}, zap.NewNop())

	src := &fakeResults{
		pending: []task.WorkResult{workResultFor("t-1"), workResultFor("t-2")},
		stats:   queue.Stats{Completed: 2},
	}

	stats, err := runBoss(context.Background(), b, src, "build a calculator", 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Completed)
	require.Len(t, fq.added, 2)
	assert.Equal(t, "t-1", fq.added[0].ID)
	assert.Equal(t, "t-2", fq.added[1].ID)
	assert.Equal(t, 4, sender.calls())

	require.Len(t, b.Reviews("t-1"), 1)
	assert.True(t, b.Reviews("t-1")[0].Approved)
	require.Len(t, b.Reviews("t-2"), 1)
}

func TestRunBoss_PingFailureAborts(t *testing.T) {
	b := boss.New(boss.Deps{
		Sender: &scriptedSender{},
		Queue:  &fakeTaskQueue{},
		Exec:   &fakePinger{err: shellexec.ErrCliUnavailable},
	}, boss.Config{AgentID: "boss-1", WorkspacePath: t.TempDir()}, zap.NewNop())

	_, err := runBoss(context.Background(), b, &fakeResults{}, "do it", time.Millisecond, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, shellexec.ErrCliUnavailable)
}

func TestRunBoss_WaitsForQueueToDrain(t *testing.T) {
	sender := &scriptedSender{responses: []mux.Response{
		textResponse(shellexec.ReadySentinel),
		jsonResponse(decompositionReply()),
		jsonResponse(task.ReviewResult{Approved: true, Feedback: "ok", Score: 85}),
		jsonResponse(task.ReviewResult{Approved: true, Feedback: "ok", Score: 85}),
	}}
	b := boss.New(boss.Deps{Sender: sender, Queue: &fakeTaskQueue{}, Exec: &fakePinger{}}, boss.Config{
		AgentID:       "boss-1",
		WorkspacePath: t.TempDir(),
	}, zap.NewNop())

	// One task still active on the first drain check; a second result
	// plus idle stats arrive while the loop is polling.
	src := &fakeResults{
		pending: []task.WorkResult{workResultFor("t-1")},
		stats:   queue.Stats{Active: 1, Completed: 1},
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		src.mu.Lock()
		src.pending = append(src.pending, workResultFor("t-2"))
		src.stats = queue.Stats{Completed: 2}
		src.mu.Unlock()
	}()

	stats, err := runBoss(context.Background(), b, src, "build a calculator", 5*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, 4, sender.calls())
}
