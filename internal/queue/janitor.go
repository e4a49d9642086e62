package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/events"
)

// janitor periodically promotes due delayed jobs and reclaims stalled
// active ones. It runs until Close.
func (q *Queue) janitor(interval time.Duration) {
	defer close(q.janitorDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.janitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			q.sweep(ctx)
			cancel()
		}
	}
}

// sweep runs one promotion plus reclaim pass. Exported to tests via
// Sweep; errors surface as queue:error events.
func (q *Queue) sweep(ctx context.Context) {
	now := q.now().UnixMilli()

	promoted, err := q.runScript(ctx, "promote", promoteScript,
		[]string{q.k.delayed(), q.k.waiting()}, q.k.prefix, now)
	if err != nil {
		q.storeErr("promote", err)
		return
	}
	if n, _ := promoted.(int64); n > 0 {
		q.logger.Debug("delayed jobs promoted", zap.Int64("count", n))
	}

	res, err := q.runScript(ctx, "reclaim", reclaimScript,
		[]string{q.k.active(), q.k.waiting(), q.k.failed()}, q.k.prefix, now)
	if err != nil {
		q.storeErr("reclaim", err)
		return
	}

	counts, _ := res.([]any)
	if len(counts) != 2 {
		return
	}
	reclaimed, _ := counts[0].(int64)
	stalledOut, _ := counts[1].(int64)

	if reclaimed > 0 {
		q.col.JobsReclaimed.Add(float64(reclaimed))
		q.publish(ctx, events.NewEvent(events.JobReclaimed, ""))
		q.logger.Warn("stalled jobs reclaimed", zap.Int64("count", reclaimed))
	}
	if stalledOut > 0 {
		q.col.JobsFailed.Add(float64(stalledOut))
		q.publish(ctx, events.NewEvent(events.JobFailed, ""))
		q.logger.Warn("stalled jobs failed terminally", zap.Int64("count", stalledOut))
	}
}

// Sweep forces one janitor pass. Useful for callers that disable the
// background interval and drive promotion themselves.
func (q *Queue) Sweep(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	q.sweep(ctx)
	return nil
}
