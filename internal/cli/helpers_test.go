package cli

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/forgecrew/foreman/internal/mux"
)

// scriptedSender replays canned responses in call order. Safe for use
// from a single goroutine per instance; the mutex guards inspection
// from the test goroutine.
type scriptedSender struct {
	mu        sync.Mutex
	prompts   []string
	responses []mux.Response
	errs      []error
}

func (s *scriptedSender) Send(ctx context.Context, prompt string, opts ...mux.Option) (mux.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	var resp mux.Response
	var err error
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return resp, err
}

func (s *scriptedSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func jsonResponse(v any) mux.Response {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return mux.Response{
		Success:        true,
		Text:           string(payload),
		Classification: mux.ClassificationJSON,
	}
}

func textResponse(text string) mux.Response {
	return mux.Response{
		Success:        true,
		Text:           text,
		Classification: mux.ClassificationSuccess,
	}
}

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }
