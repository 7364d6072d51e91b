// Package events delivers structured run events to an opaque transport. The
// engine only depends on the Sink interface; the API layer plugs in its
// pub/sub transport, tests plug in the memory sink.
package events

import (
	"sync"
	"time"

	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// Sink accepts run events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ev types.Event)
}

// New stamps and builds an event.
func New(runID string, step int, state, message string, metadata map[string]any) types.Event {
	return types.Event{
		Timestamp: time.Now(),
		RunID:     runID,
		Step:      step,
		State:     state,
		Message:   message,
		Metadata:  metadata,
	}
}

// LogSink writes events to the run log category.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ev types.Event) {
	logging.Get(logging.CategoryRun).Infow(ev.Message,
		"run_id", ev.RunID,
		"step", ev.Step,
		"state", ev.State,
		"metadata", ev.Metadata,
	)
}

// MemorySink buffers events in order, for tests and result assembly.
type MemorySink struct {
	mu     sync.Mutex
	events []types.Event
}

// Emit implements Sink.
func (s *MemorySink) Emit(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

// States returns the emitted state names in order.
func (s *MemorySink) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.State)
	}
	return out
}

// AsyncSink wraps a sink with a bounded mailbox so emission never blocks the
// pipeline. When the mailbox is full the oldest event is dropped; events
// emitted after Close are dropped.
type AsyncSink struct {
	inner Sink
	ch    chan types.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewAsyncSink starts the delivery goroutine.
func NewAsyncSink(inner Sink, mailbox int) *AsyncSink {
	if mailbox <= 0 {
		mailbox = 256
	}
	s := &AsyncSink{
		inner: inner,
		ch:    make(chan types.Event, mailbox),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for ev := range s.ch {
		s.inner.Emit(ev)
	}
}

// Emit implements Sink; drop-oldest on a full mailbox. The mutex orders
// Emit against Close so a late emission never hits a closed channel.
func (s *AsyncSink) Emit(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Close drains and stops the delivery goroutine. Safe to call more than
// once.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
