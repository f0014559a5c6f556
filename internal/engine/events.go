package engine

import (
	"sync"

	"go.uber.org/zap"

	"recleaner/internal/optimizer"
	"recleaner/internal/saturation"
	"recleaner/internal/types"
)

// EventKind identifies a progress event.
type EventKind string

const (
	EventChunkStarted        EventKind = "chunk_started"
	EventIterationResult     EventKind = "iteration_result"
	EventFunctionAccepted    EventKind = "function_accepted"
	EventChunkOutcome        EventKind = "chunk_outcome"
	EventSaturationTriggered EventKind = "saturation_triggered"
	EventConsolidation       EventKind = "consolidation_result"
)

// Event is one progress notification. Fields irrelevant to Kind are zero.
type Event struct {
	Kind        EventKind
	ChunkIndex  int
	TotalChunks int
	Iteration   int
	Stage       Stage
	Function    string
	Issues      []types.Issue
	Error       string
	DryRun      bool
	Outcome     *types.ChunkOutcome
	Saturation  *saturation.Signal
	Group       *optimizer.GroupResult
}

// Sink receives progress events. Implementations must return promptly.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// emit delivers e, swallowing sink panics.
func (e *Engine) emit(ev Event) {
	if e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("progress sink panicked", zap.Any("panic", r), zap.String("event", string(ev.Kind)))
		}
	}()
	e.sink.Emit(ev)
}

// BufferedSink hands events to inner on a separate goroutine. When the buffer
// is full events are dropped rather than blocking the run.
type BufferedSink struct {
	inner   Sink
	events  chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewBufferedSink starts delivering to inner. Close must be called to flush.
func NewBufferedSink(inner Sink, size int) *BufferedSink {
	if size <= 0 {
		size = 64
	}
	b := &BufferedSink{inner: inner, events: make(chan Event, size), done: make(chan struct{})}
	go b.loop()
	return b
}

func (b *BufferedSink) loop() {
	defer close(b.done)
	for ev := range b.events {
		func() {
			defer func() { _ = recover() }()
			b.inner.Emit(ev)
		}()
	}
}

func (b *BufferedSink) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.dropped++
	}
}

// Close flushes pending events and stops the delivery goroutine. It returns
// the number of dropped events.
func (b *BufferedSink) Close() int {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.events)
		b.mu.Unlock()
	})
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
