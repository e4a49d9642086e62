package mux

import (
	"fmt"
	"io"
	"regexp"
	"sync"

	"github.com/forgecrew/foreman/internal/supervisor"
)

// stubSource is a scriptable supervisor stand-in. Written stdin lines
// are published on writes; tests emit child output through emit*.
type stubSource struct {
	mu       sync.Mutex
	running  bool
	stdinNil bool
	subs     []chan supervisor.Event

	writes chan string
}

func newStubSource(running bool) *stubSource {
	return &stubSource{
		running: running,
		writes:  make(chan string, 64),
	}
}

func (s *stubSource) Subscribe(buffer int) (<-chan supervisor.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan supervisor.Event, buffer)
	s.subs = append(s.subs, ch)
	idx := len(s.subs) - 1
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs[idx] = nil
			close(ch)
		})
	}
}

func (s *stubSource) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stdinNil {
		return nil
	}
	return &stubStdin{src: s}
}

func (s *stubSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *stubSource) emit(e supervisor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		if ch != nil {
			ch <- e
		}
	}
}

func (s *stubSource) emitOutput(text string) {
	s.emit(supervisor.Event{Kind: supervisor.EventOutput, Text: text})
}

func (s *stubSource) emitStderr(text string) {
	s.emit(supervisor.Event{Kind: supervisor.EventStderr, Text: text})
}

func (s *stubSource) setRunning(running bool, status supervisor.Status) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	s.emit(supervisor.Event{Kind: supervisor.EventStatus, Status: status})
}

type stubStdin struct {
	src *stubSource
}

func (w *stubStdin) Write(p []byte) (int, error) {
	w.src.writes <- string(p)
	return len(p), nil
}

var cmdLineRe = regexp.MustCompile(`^\[CMD:([^\]]+)\] (.*)\n$`)

// nextWrite blocks for the next stdin line and returns its command id
// and prompt.
func (s *stubSource) nextWrite() (id, prompt string, err error) {
	line := <-s.writes
	match := cmdLineRe.FindStringSubmatch(line)
	if match == nil {
		return "", "", fmt.Errorf("unexpected stdin line: %q", line)
	}
	return match[1], match[2], nil
}

// respond reads the next dispatched command and answers it with the
// given payload via the correlated RESP pattern.
func (s *stubSource) respond(payload string) (id string, err error) {
	id, _, err = s.nextWrite()
	if err != nil {
		return "", err
	}
	s.emitOutput(fmt.Sprintf("[RESP:%s] %s\n", id, payload))
	return id, nil
}
