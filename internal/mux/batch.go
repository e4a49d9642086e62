package mux

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Sender is the send-only surface of the multiplexer, for callers
// that never manage its lifecycle.
type Sender interface {
	Send(ctx context.Context, prompt string, opts ...Option) (Response, error)
}

// SendExpectingJSON sends a prompt and decodes the payload into T.
// A non-JSON payload rejects with a ParseError.
func SendExpectingJSON[T any](ctx context.Context, s Sender, prompt string, opts ...Option) (T, error) {
	var result T

	resp, err := s.Send(ctx, prompt, opts...)
	if err != nil {
		return result, err
	}
	if !resp.Success {
		return result, &ParseError{Payload: resp.Text, Err: ErrProcessUnavailable}
	}

	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return result, &ParseError{Payload: resp.Text, Err: err}
	}
	return result, nil
}

// SendMany fans out prompts concurrently with all-or-none error
// propagation: the first failure cancels the rest.
func (m *Mux) SendMany(ctx context.Context, prompts []string, opts ...Option) ([]Response, error) {
	responses := make([]Response, len(prompts))

	g, ctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			resp, err := m.Send(ctx, prompt, opts...)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// SendBatch sends prompts with bounded concurrency and ordered results.
// Failures are recorded in place unless StopOnError aborts the batch.
func (m *Mux) SendBatch(ctx context.Context, prompts []string, opts BatchOptions) ([]Response, error) {
	concurrency := opts.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(concurrency))
	responses := make([]Response, len(prompts))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		firstErr  error
	)

	for i, prompt := range prompts {
		i, prompt := i, prompt
		if err := sem.Acquire(batchCtx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			resp, err := m.Send(batchCtx, prompt, opts.Options...)

			mu.Lock()
			if err != nil {
				resp.Success = false
				resp.Error = err.Error()
				if opts.StopOnError && firstErr == nil {
					firstErr = err
					cancel()
				}
			}
			responses[i] = resp
			completed++
			done := completed
			mu.Unlock()

			if opts.OnProgress != nil {
				opts.OnProgress(done, len(prompts))
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return responses, firstErr
	}
	return responses, nil
}

// SendStream delivers line-partitioned output to onChunk as it arrives
// and resolves once the child emits the end-of-stream marker.
func (m *Mux) SendStream(ctx context.Context, prompt string, onChunk func(string), opts ...Option) (Response, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	opts = append(opts, withChunkHandler(onChunk))
	return m.Send(ctx, prompt, opts...)
}
