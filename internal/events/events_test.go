package events

import (
	"sync"
	"testing"

	"uirunner/internal/types"
)

func TestAsyncSinkDeliversInOrder(t *testing.T) {
	mem := &MemorySink{}
	s := NewAsyncSink(mem, 16)
	for i := 0; i < 5; i++ {
		s.Emit(New("run-1", i, "STEP", "step", nil))
	}
	s.Close()

	evs := mem.Events()
	if len(evs) != 5 {
		t.Fatalf("delivered = %d, want 5", len(evs))
	}
	for i, ev := range evs {
		if ev.Step != i {
			t.Errorf("event %d has step %d", i, ev.Step)
		}
	}
}

func TestAsyncSinkDropsOldestWhenFull(t *testing.T) {
	blocked := make(chan struct{})
	mem := &MemorySink{}
	gate := sinkFunc(func(ev types.Event) {
		<-blocked
		mem.Emit(ev)
	})
	s := NewAsyncSink(gate, 2)

	// The delivery goroutine stalls on the first event; the rest fill and
	// overflow the mailbox.
	for i := 0; i < 6; i++ {
		s.Emit(New("run-1", i, "STEP", "step", nil))
	}
	close(blocked)
	s.Close()

	evs := mem.Events()
	if len(evs) >= 6 {
		t.Fatalf("delivered = %d, want drops under pressure", len(evs))
	}
	last := evs[len(evs)-1]
	if last.Step != 5 {
		t.Errorf("newest event dropped; last delivered step = %d", last.Step)
	}
}

func TestAsyncSinkEmitAfterCloseIsDropped(t *testing.T) {
	mem := &MemorySink{}
	s := NewAsyncSink(mem, 4)
	s.Emit(New("run-1", 1, "STEP", "before close", nil))
	s.Close()

	// Must not panic, must not deliver.
	s.Emit(New("run-1", 2, "STEP", "after close", nil))
	s.Close()

	if got := len(mem.Events()); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestAsyncSinkEmitRacingClose(t *testing.T) {
	mem := &MemorySink{}
	s := NewAsyncSink(mem, 8)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Emit(New("run-1", i, "STEP", "racing", nil))
			}
		}(g)
	}
	s.Close()
	wg.Wait()
}

type sinkFunc func(types.Event)

func (f sinkFunc) Emit(ev types.Event) { f(ev) }
