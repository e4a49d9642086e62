package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgecrew/foreman/internal/task"
)

// Stats is a point-in-time census of the job store.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Results   int64 `json:"results"`
}

// JobInfo is the stored view of one job.
type JobInfo struct {
	JobID       string    `json:"jobId"`
	Task        task.Task `json:"task"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Stats counts jobs per state and refreshes the state gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if err := q.checkOpen(); err != nil {
		return Stats{}, err
	}

	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.k.waiting())
	delayed := pipe.ZCard(ctx, q.k.delayed())
	active := pipe.ZCard(ctx, q.k.active())
	completed := pipe.ZCard(ctx, q.k.completed())
	failed := pipe.ZCard(ctx, q.k.failed())
	results := pipe.LLen(ctx, q.k.results())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, q.storeErr("stats", err)
	}

	s := Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Results:   results.Val(),
	}

	q.col.JobsByState.WithLabelValues("waiting").Set(float64(s.Waiting))
	q.col.JobsByState.WithLabelValues("delayed").Set(float64(s.Delayed))
	q.col.JobsByState.WithLabelValues("active").Set(float64(s.Active))
	q.col.JobsByState.WithLabelValues("completed").Set(float64(s.Completed))
	q.col.JobsByState.WithLabelValues("failed").Set(float64(s.Failed))
	return s, nil
}

// AllTasks returns the stored view of every tracked job, waiting
// first, then delayed, active, completed, failed.
func (q *Queue) AllTasks(ctx context.Context) ([]JobInfo, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var jobs []JobInfo
	for _, key := range []string{q.k.waiting(), q.k.delayed(), q.k.active(), q.k.completed(), q.k.failed()} {
		ids, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, q.storeErr("all-tasks", err)
		}
		for _, id := range ids {
			info, err := q.jobInfo(ctx, id)
			if err != nil {
				return nil, err
			}
			if info != nil {
				jobs = append(jobs, *info)
			}
		}
	}
	return jobs, nil
}

func (q *Queue) jobInfo(ctx context.Context, jobID string) (*JobInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, q.k.job(jobID)).Result()
	if err != nil {
		return nil, q.storeErr("all-tasks", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := JobInfo{
		JobID:      jobID,
		State:      fields["state"],
		AssignedTo: fields["assignedTo"],
		Error:      fields["error"],
	}
	info.Attempts, _ = strconv.Atoi(fields["attempts"])
	info.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	if err := json.Unmarshal([]byte(fields["task"]), &info.Task); err != nil {
		return nil, &StoreError{Op: "all-tasks", Err: err}
	}
	return &info, nil
}

// Cleanup removes completed and failed jobs older than maxAge and
// returns how many were purged.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := strconv.FormatInt(q.now().Add(-maxAge).UnixMilli(), 10)
	purged := 0

	for _, key := range []string{q.k.completed(), q.k.failed()} {
		ids, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return purged, q.storeErr("cleanup", err)
		}
		for _, jobID := range ids {
			taskID, err := q.rdb.HGet(ctx, q.k.job(jobID), "taskId").Result()
			if err != nil && err != redis.Nil {
				return purged, q.storeErr("cleanup", err)
			}

			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, key, jobID)
			pipe.Del(ctx, q.k.job(jobID))
			if taskID != "" {
				pipe.Del(ctx, q.k.taskIndex(taskID))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return purged, q.storeErr("cleanup", err)
			}
			purged++
		}
	}
	return purged, nil
}
