// Package batch debounces change events per project and hands each settled
// batch to a delivery sink.
package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// DefaultDebounce is the quiet period after the most recent event before a
// batch is flushed.
const DefaultDebounce = 1000 * time.Millisecond

// Sink receives settled batches. events are ordered most recent first and
// newestMillis is the timestamp of the most recent event.
type Sink interface {
	Flush(projectID string, events []model.ChangeEvent, newestMillis int64)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(projectID string, events []model.ChangeEvent, newestMillis int64)

// Flush implements Sink.
func (f SinkFunc) Flush(projectID string, events []model.ChangeEvent, newestMillis int64) {
	f(projectID, events, newestMillis)
}

// Config holds configuration for a Batcher.
type Config struct {
	// Debounce is the quiet period before flushing (default: 1s).
	Debounce time.Duration

	// Logger for batch activity (default: log.Default()).
	Logger *log.Logger
}

// Batcher collects the change events of one project and flushes them once
// no new events have arrived for the debounce window. Every call to
// AddChangedFiles restarts the window.
type Batcher struct {
	projectID string
	sink      Sink
	debounce  time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	pending  []model.ChangeEvent
	timer    *time.Timer
	gen      uint64 // bumped on every reschedule; only the latest timer flushes
	disposed bool
}

// New creates a Batcher for projectID flushing into sink.
func New(projectID string, sink Sink, config Config) *Batcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	return &Batcher{
		projectID: projectID,
		sink:      sink,
		debounce:  config.Debounce,
		logger:    logging.Component(config.Logger, "batch").With("project", projectID),
	}
}

// AddChangedFiles queues events and reschedules the flush to one debounce
// window after this call.
func (b *Batcher) AddChangedFiles(events []model.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	b.pending = append(b.pending, events...)

	// Stop may lose the race with a timer that already fired; that fire
	// sees a stale generation and leaves the events to the new timer.
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.debounce, func() { b.fire(gen) })
}

// Pending returns the number of events waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dispose cancels the pending flush and drops queued events. Safe to call
// more than once.
func (b *Batcher) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}

// fire drains the pending events and hands them to the sink, unless a
// newer timer has been scheduled since gen. A panicking sink is logged and
// does not affect later batches.
func (b *Batcher) fire(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Batch flush failed", "panic", r)
		}
	}()

	b.mu.Lock()
	if b.disposed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	events = Prepare(events)
	b.logger.Debug("Flushing batch", "events", len(events))
	b.sink.Flush(b.projectID, events, events[0].TimestampMillis)
}

// Prepare orders events oldest first, removes repeated CREATE and DELETE
// events per path, then returns them most recent first.
func Prepare(events []model.ChangeEvent) []model.ChangeEvent {
	out := make([]model.ChangeEvent, len(events))
	copy(out, events)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMillis < out[j].TimestampMillis
	})

	out = Dedup(out, model.EventCreate)
	out = Dedup(out, model.EventDelete)

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Dedup drops an event of type typ when the previous event for the same
// path also had type typ. Events of other types for that path reset the
// run; MODIFY events pass through untouched unless typ is MODIFY. events
// must be in ascending time order.
func Dedup(events []model.ChangeEvent, typ model.EventType) []model.ChangeEvent {
	last := make(map[string]model.EventType, len(events))
	out := events[:0:0]
	for _, ev := range events {
		prev, seen := last[ev.Path]
		last[ev.Path] = ev.Type
		if ev.Type == typ && seen && prev == typ {
			continue
		}
		out = append(out, ev)
	}
	return out
}
