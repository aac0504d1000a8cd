// Package transcript implements the best-effort, back-pressure-tolerant
// streaming of human-readable events to the backend: a bounded
// queue feeding one dedicated sender goroutine, drop-oldest overflow policy,
// and swallowed publish failures. An optional Pulse/Redis mirror can fan the
// same events out alongside the backend POST.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/stderrobserver"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

// Event is one transcript-worthy occurrence submitted to the sink.
type Event struct {
	RunID string         `json:"run_id,omitempty"`
	Kind  string         `json:"kind"`
	Text  string         `json:"text,omitempty"`
	At    string         `json:"at"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Publisher delivers one Event somewhere. Every implementation's Publish must
// be safe to call from the sink's single sender goroutine; failures are
// logged and swallowed by the caller, never propagated into the run that
// produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// directPublisher POSTs each event to the backend's transcript-event endpoint
//.
type directPublisher struct {
	backend *backendclient.Client
}

// NewDirectPublisher wraps a backend client as a Publisher.
func NewDirectPublisher(backend *backendclient.Client) Publisher {
	return &directPublisher{backend: backend}
}

func (p *directPublisher) Publish(ctx context.Context, ev Event) error {
	if p.backend == nil {
		return nil
	}
	body := map[string]any{
		"run_id": ev.RunID,
		"kind":   ev.Kind,
		"text":   ev.Text,
		"at":     ev.At,
	}
	for k, v := range ev.Extra {
		body[k] = v
	}
	_, err := p.backend.PostTranscriptEvent(ctx, body)
	return err
}

// Sink is a bounded queue draining into one
// or two Publishers (direct + optional mirror). Submissions that would exceed
// the cap evict the oldest queued event before enqueueing the new one: fresh
// events are worth more than a stale backlog.
type Sink struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	cap     int
	closed  bool
	backend Publisher
	mirror  Publisher
	log     telemetry.Logger
	wg      sync.WaitGroup
}

// New constructs a Sink and starts its sender goroutine. backend is the
// required baseline publisher; mirror, if non-nil, is an additive fan-out
// publisher invoked after backend on every event. A non-positive cap falls
// back to 1024.
func New(cap int, backend, mirror Publisher, log telemetry.Logger) *Sink {
	if cap <= 0 {
		cap = 1024
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	s := &Sink{cap: cap, backend: backend, mirror: mirror, log: log}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit enqueues ev, stamping At if unset. It never blocks: on overflow the
// oldest queued event is dropped to make room for this one. Submit on a
// closed Sink is a no-op.
func (s *Sink) Submit(ev Event) {
	if ev.At == "" {
		ev.At = model.NowISO(time.Now())
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cap {
		s.log.Warn(context.Background(), "transcript queue full, dropping oldest event", "cap", s.cap)
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// Observe implements stderrobserver.Sink, letting the Sink double as the
// destination for stderr-observer signals.
func (s *Sink) Observe(obs stderrobserver.Observation) {
	s.Submit(Event{RunID: obs.RunID, Kind: string(obs.Kind), Text: obs.Text})
}

var _ stderrobserver.Sink = (*Sink)(nil)

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.deliver(ev)
	}
}

func (s *Sink) deliver(ev Event) {
	ctx := context.Background()
	if s.backend != nil {
		if err := s.backend.Publish(ctx, ev); err != nil {
			s.log.Warn(ctx, "transcript backend publish failed", "kind", ev.Kind, "run_id", ev.RunID, "error", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, ev); err != nil {
			s.log.Warn(ctx, "transcript mirror publish failed", "kind", ev.Kind, "run_id", ev.RunID, "error", err)
		}
	}
}

// Close drains no further submissions, lets the sender finish any queued
// events, and waits for the sender goroutine to exit.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

// defaultSink is the process-wide Sink instance used by components that do
// not thread an explicit Sink through their constructors. InitDefault installs
// or replaces it; TeardownDefault clears it.
var (
	defaultMu   sync.Mutex
	defaultSink *Sink
)

// InitDefault installs sink as the process-wide default, closing and
// replacing any previously installed default.
func InitDefault(sink *Sink) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSink != nil {
		defaultSink.Close()
	}
	defaultSink = sink
}

// Default returns the process-wide default Sink, or nil if none was
// installed via InitDefault.
func Default() *Sink {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSink
}

// TeardownDefault closes and clears the process-wide default Sink, if any.
func TeardownDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSink != nil {
		defaultSink.Close()
	}
	defaultSink = nil
}
