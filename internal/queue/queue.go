// Package queue is the durable task queue: a Redis-backed priority
// FIFO with DAG dependency gating, at-most-one claim semantics, stall
// reclaim, and a result side-queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/events"
	"github.com/forgecrew/foreman/internal/metrics"
	"github.com/forgecrew/foreman/internal/task"
)

// bandStride separates priority bands in the waiting score: score =
// band*bandStride + enqueue sequence, so lower scores dispatch sooner
// and ties within a band stay FIFO.
const bandStride = 1e13

// claimScanLimit bounds how many waiting jobs one claim inspects while
// looking past dependency-blocked heads.
const claimScanLimit = 128

// Options configures a queue instance.
type Options struct {
	// Client is an existing connection; when nil one is created from
	// Addr/Password/DB and owned by the queue
	Client   *redis.Client
	Addr     string
	Password string
	DB       int

	// Namespace prefixes every key; defaults to "foreman"
	Namespace string

	// MaxAttempts is the default per-job delivery budget (default 3)
	MaxAttempts int

	// BackoffBase scales the exponential retry delay (default 1s)
	BackoffBase time.Duration

	// StallTimeout is how long a claim may hold a job (default 5m)
	StallTimeout time.Duration

	// ReclaimInterval paces the janitor (default 15s); 0 disables it
	ReclaimInterval time.Duration

	// Bus receives an in-process mirror of the queue events
	Bus *events.Bus

	// Registerer receives the prometheus collectors; nil uses a
	// private registry
	Registerer prometheus.Registerer
}

// AddOptions tunes a single enqueue.
type AddOptions struct {
	// Delay postpones readiness
	Delay time.Duration

	// Attempts overrides the default delivery budget
	Attempts int
}

// Queue owns the durable job store. Tasks are value objects copied in
// and out; all mutation happens through the store.
type Queue struct {
	rdb        *redis.Client
	ownsClient bool
	k          keys
	opts       Options
	logger     *zap.Logger
	col        *metrics.Queue

	// now is swapped in tests
	now func() time.Time

	mu     sync.Mutex
	closed bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New connects, verifies the store, and starts the janitor. The caller
// must Close the queue to release it.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 5 * time.Minute
	}

	rdb := opts.Client
	owns := false
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		owns = true
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		if owns {
			rdb.Close()
		}
		return nil, &StoreError{Op: "connect", Err: err}
	}

	q := &Queue{
		rdb:        rdb,
		ownsClient: owns,
		k:          newKeys(opts.Namespace),
		opts:       opts,
		logger:     logger,
		col:        metrics.NewQueue(opts.Registerer),
		now:        time.Now,
	}

	if opts.ReclaimInterval > 0 {
		q.janitorStop = make(chan struct{})
		q.janitorDone = make(chan struct{})
		go q.janitor(opts.ReclaimInterval)
	}

	q.publish(ctx, events.NewEvent(events.QueueReady, ""))
	return q, nil
}

// AddTask persists a task and returns its job id. The queue priority
// is derived from the task priority; Delay parks the job in delayed
// until due.
func (q *Queue) AddTask(ctx context.Context, t task.Task, opts AddOptions) (string, error) {
	if err := q.checkOpen(); err != nil {
		return "", err
	}
	if err := task.ValidateTask(t); err != nil {
		return "", err
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = q.opts.MaxAttempts
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	jobID := ulid.Make().String()

	// Claim the task id first so duplicates never get a job record.
	ok, err := q.rdb.SetNX(ctx, q.k.taskIndex(t.ID), jobID, 0).Result()
	if err != nil {
		return "", q.storeErr("add", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	seq, err := q.rdb.Incr(ctx, q.k.seq()).Result()
	if err != nil {
		return "", q.storeErr("add", err)
	}
	band := task.QueuePriorityFor(t.Priority).Band()
	score := float64(band)*bandStride + float64(seq)

	now := q.now()
	state := "waiting"
	if opts.Delay > 0 {
		state = "delayed"
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.k.job(jobID), map[string]any{
		"taskId":      t.ID,
		"task":        payload,
		"state":       state,
		"attempts":    0,
		"maxAttempts": attempts,
		"assignedTo":  t.AssignedTo,
		"priority":    band,
		"score":       score,
		"deps":        strings.Join(t.Dependencies, ","),
		"createdAt":   now.UnixMilli(),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.k.delayed(), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.ZAdd(ctx, q.k.waiting(), redis.Z{Score: score, Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", q.storeErr("add", err)
	}

	q.col.JobsAdded.Inc()
	q.publish(ctx, events.NewEvent(events.JobAdded, "").WithTask(t.ID))
	q.logger.Debug("task queued",
		zap.String("task", t.ID),
		zap.String("job", jobID),
		zap.String("priority", string(task.QueuePriorityFor(t.Priority))))
	return jobID, nil
}

// GetNextTask claims the highest-priority ready task for the agent, or
// returns nil when none is claimable. The claim is atomic; at most one
// agent wins a given job.
func (q *Queue) GetNextTask(ctx context.Context, agentID string) (*task.Task, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	deadline := q.now().Add(q.opts.StallTimeout).UnixMilli()
	res, err := q.runScript(ctx, "claim", claimScript,
		[]string{q.k.waiting(), q.k.active()},
		q.k.prefix, agentID, deadline, claimScanLimit)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.storeErr("claim", err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, &StoreError{Op: "claim", Err: fmt.Errorf("unexpected script reply %T", res)}
	}
	raw, _ := pair[1].(string)

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, &StoreError{Op: "claim", Err: fmt.Errorf("decode job payload: %w", err)}
	}
	t.Status = task.StatusInProgress
	t.AssignedTo = agentID

	q.col.JobsAssigned.Inc()
	q.publish(ctx, events.NewEvent(events.JobAssigned, agentID).WithTask(t.ID))
	return &t, nil
}

// CompleteTask moves an active job to completed and pushes the work
// result onto the side-queue.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, wr task.WorkResult) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if wr.TaskID != taskID {
		return fmt.Errorf("%w: result for %s, expected %s", ErrResultMismatch, wr.TaskID, taskID)
	}
	if err := task.ValidateWorkResult(wr); err != nil {
		return err
	}

	jobID, err := q.jobIDFor(ctx, taskID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wr)
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", taskID, err)
	}

	res, err := q.runScript(ctx, "complete", completeScript,
		[]string{q.k.active(), q.k.completed(), q.k.results()},
		q.k.prefix, jobID, q.now().UnixMilli(), payload)
	if err != nil {
		return q.storeErr("complete", err)
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("%w: %s", ErrNotActive, taskID)
	}

	q.col.JobsCompleted.Inc()
	q.publish(ctx, events.NewEvent(events.JobCompleted, wr.AgentID).WithTask(taskID))
	return nil
}

// FailTask consumes an attempt. The job is rescheduled with
// exponential back-off while budget remains, otherwise parked in
// failed and a terminal event is emitted.
func (q *Queue) FailTask(ctx context.Context, taskID string, cause error) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	jobID, err := q.jobIDFor(ctx, taskID)
	if err != nil {
		return err
	}

	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.runScript(ctx, "fail", failScript,
		[]string{q.k.active(), q.k.failed(), q.k.delayed()},
		q.k.prefix, jobID, q.now().UnixMilli(), q.opts.BackoffBase.Milliseconds(), msg)
	if err != nil {
		return q.storeErr("fail", err)
	}

	switch n, _ := res.(int64); {
	case n < 0:
		return fmt.Errorf("%w: %s", ErrNotActive, taskID)
	case n == 0:
		q.col.JobsFailed.Inc()
		q.publish(ctx, events.NewEvent(events.JobFailed, "").WithTask(taskID).WithError(cause))
		q.logger.Warn("task failed terminally", zap.String("task", taskID), zap.String("cause", msg))
	default:
		q.logger.Info("task rescheduled",
			zap.String("task", taskID),
			zap.Int64("attempts", n),
			zap.String("cause", msg))
	}
	return nil
}

// SubmitResult pushes a work result onto the side-queue without
// touching job state. Used by worker-side submission paths.
func (q *Queue) SubmitResult(ctx context.Context, wr task.WorkResult) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := task.ValidateWorkResult(wr); err != nil {
		return err
	}
	payload, err := json.Marshal(wr)
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", wr.TaskID, err)
	}
	if err := q.rdb.RPush(ctx, q.k.results(), payload).Err(); err != nil {
		return q.storeErr("submit-result", err)
	}
	return nil
}

// NextResult pops the oldest submitted work result. ok is false when
// the side-queue is empty.
func (q *Queue) NextResult(ctx context.Context) (wr *task.WorkResult, ok bool, err error) {
	if err := q.checkOpen(); err != nil {
		return nil, false, err
	}
	raw, err := q.rdb.LPop(ctx, q.k.results()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, q.storeErr("next-result", err)
	}
	var result task.WorkResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, &StoreError{Op: "next-result", Err: fmt.Errorf("decode result: %w", err)}
	}
	return &result, true, nil
}

// RemoveTask deletes a job in any state. Returns false when the task
// id is unknown.
func (q *Queue) RemoveTask(ctx context.Context, taskID string) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	jobID, err := q.rdb.GetDel(ctx, q.k.taskIndex(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, q.storeErr("remove", err)
	}

	pipe := q.rdb.TxPipeline()
	for _, key := range []string{q.k.waiting(), q.k.delayed(), q.k.active(), q.k.completed(), q.k.failed()} {
		pipe.ZRem(ctx, key, jobID)
	}
	pipe.Del(ctx, q.k.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, q.storeErr("remove", err)
	}
	return true, nil
}

// Close stops the janitor and releases the client when owned.
// Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if q.janitorStop != nil {
		close(q.janitorStop)
		<-q.janitorDone
	}
	if q.ownsClient {
		return q.rdb.Close()
	}
	return nil
}

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *Queue) jobIDFor(ctx context.Context, taskID string) (string, error) {
	jobID, err := q.rdb.Get(ctx, q.k.taskIndex(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return "", q.storeErr("lookup", err)
	}
	return jobID, nil
}

// runScript evaluates a script with one transparent retry on transient
// transport errors.
func (q *Queue) runScript(ctx context.Context, op string, script *redis.Script, scriptKeys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, q.rdb, scriptKeys, args...).Result()
	if err != nil && isTransient(err) {
		q.logger.Warn("transient store error, retrying once",
			zap.String("op", op), zap.Error(err))
		res, err = script.Run(ctx, q.rdb, scriptKeys, args...).Result()
	}
	return res, err
}

// storeErr wraps a store failure and mirrors it as a queue:error
// event. redis.Nil is never wrapped here.
func (q *Queue) storeErr(op string, err error) error {
	serr := &StoreError{Op: op, Err: err}
	if q.opts.Bus != nil {
		q.opts.Bus.Emit(events.NewEvent(events.QueueError, "").WithError(serr))
	}
	return serr
}

func isTransient(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// publish mirrors an event on the in-process bus and the store's
// pub/sub channel. Publish failures are logged, never surfaced.
func (q *Queue) publish(ctx context.Context, e events.Event) {
	if q.opts.Bus != nil {
		q.opts.Bus.Emit(e)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, q.k.events(), payload).Err(); err != nil {
		q.logger.Debug("event publish failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
