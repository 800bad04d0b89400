// Package delivery sends flushed change batches to the server in chunks,
// with per-chunk acknowledgment and retry.
//
// Each batch becomes a ChunkGroup. Groups are serviced oldest first by a
// small pool of workers; a chunk moves AVAILABLE -> IN_FLIGHT -> ACKED, or
// back to AVAILABLE when its POST fails. A group leaves the queue only once
// all of its chunks are ACKED.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

const (
	DefaultChunkSize      = 625
	DefaultWorkers        = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 16 * time.Second
)

// Poster sends one chunk. chunk is 1-based.
type Poster interface {
	PostFileChanges(ctx context.Context, projectID string, timestamp int64, chunk, total int, msg string) error
}

// Config holds configuration for a Queue.
type Config struct {
	// Workers is the number of concurrent senders (default: 3).
	Workers int

	// ChunkSize is the maximum number of entries per chunk (default: 625).
	ChunkSize int

	// InitialBackoff and MaxBackoff bound each worker's retry delay
	// (default: 500ms doubling up to 16s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger for delivery activity (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers,
		ChunkSize:      DefaultChunkSize,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// Stats is a snapshot of queue contents.
type Stats struct {
	Groups   int   `json:"groups"`
	Chunks   int   `json:"chunks"`
	InFlight int   `json:"inFlight"`
	Acked    int   `json:"acked"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
}

// Queue delivers chunk groups to the server.
type Queue struct {
	poster Poster
	config Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	groups   []*ChunkGroup // ordered by (Timestamp, seq)
	seq      uint64
	sent     int64
	failed   int64
	disposed bool

	disposeOnce sync.Once
}

// New creates a Queue and starts its workers.
func New(poster Poster, config Config) *Queue {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		poster: poster,
		config: config,
		logger: logging.Component(config.Logger, "delivery"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < config.Workers; i++ {
		id := i
		g.Go(func() error {
			q.work(gctx, id)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(q.done)
	}()

	return q
}

// Flush implements batch.Sink.
func (q *Queue) Flush(projectID string, events []model.ChangeEvent, newestMillis int64) {
	if err := q.Enqueue(projectID, events, newestMillis); err != nil {
		q.logger.Error("Dropping batch", "project", projectID, "err", err)
	}
}

// Enqueue encodes events (most recent first) into a new ChunkGroup keyed
// by (projectID, timestamp) and wakes the workers.
func (q *Queue) Enqueue(projectID string, events []model.ChangeEvent, timestamp int64) error {
	if len(events) == 0 {
		return nil
	}

	payloads, err := EncodeChunks(events, q.config.ChunkSize)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	g := &ChunkGroup{ProjectID: projectID, Timestamp: timestamp}
	for i, p := range payloads {
		g.Chunks = append(g.Chunks, &Chunk{Index: i, Total: len(payloads), Payload: p})
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil
	}

	q.seq++
	g.seq = q.seq
	i := sort.Search(len(q.groups), func(i int) bool { return g.before(q.groups[i]) })
	q.groups = append(q.groups, nil)
	copy(q.groups[i+1:], q.groups[i:])
	q.groups[i] = g

	q.logger.Debug("Queued batch", "project", projectID, "timestamp", timestamp,
		"events", len(events), "chunks", len(g.Chunks))
	q.cond.Broadcast()
	return nil
}

// Pending returns a snapshot of the queue.
func (q *Queue) Pending() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Groups: len(q.groups), Sent: q.sent, Failed: q.failed}
	for _, g := range q.groups {
		for _, c := range g.Chunks {
			s.Chunks++
			switch c.Status {
			case ChunkInFlight:
				s.InFlight++
			case ChunkAcked:
				s.Acked++
			}
		}
	}
	return s
}

// Done is closed once every worker has exited after Dispose.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Dispose stops the workers without waiting for them. Queued and in-flight
// chunks are abandoned. Safe to call more than once.
func (q *Queue) Dispose() {
	q.disposeOnce.Do(func() {
		q.cancel()
		q.mu.Lock()
		q.disposed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// work is the loop of a single worker. Its backoff is private, so a
// failing chunk only slows down the worker that sent it.
func (q *Queue) work(ctx context.Context, id int) {
	logger := q.logger.With("worker", id)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.config.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = q.config.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		g, c, ok := q.acquire()
		if !ok {
			return
		}

		if q.send(ctx, logger, g, c) {
			bo.Reset()
			continue
		}

		delay := bo.NextBackOff()
		logger.Debug("Backing off", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// acquire blocks until a chunk is available or the queue is disposed. The
// returned chunk is marked IN_FLIGHT.
func (q *Queue) acquire() (*ChunkGroup, *Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.disposed {
			return nil, nil, false
		}
		q.sweepLocked()
		for _, g := range q.groups {
			if c := g.next(); c != nil {
				c.Status = ChunkInFlight
				return g, c, true
			}
		}
		q.cond.Wait()
	}
}

// sweepLocked drops completed groups. Caller must hold q.mu.
func (q *Queue) sweepLocked() {
	kept := q.groups[:0]
	for _, g := range q.groups {
		if g.Complete() {
			q.logger.Debug("Batch delivered", "project", g.ProjectID, "timestamp", g.Timestamp)
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(q.groups); i++ {
		q.groups[i] = nil
	}
	q.groups = kept
}

// send posts one chunk outside the lock and records the outcome.
func (q *Queue) send(ctx context.Context, logger *log.Logger, g *ChunkGroup, c *Chunk) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Chunk send panicked", "panic", r)
			ok = false
		}
		q.complete(c, ok)
	}()

	err := q.poster.PostFileChanges(ctx, g.ProjectID, g.Timestamp, c.Index+1, c.Total, c.Payload)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Chunk send failed", "project", g.ProjectID, "timestamp", g.Timestamp,
				"chunk", c.Index+1, "total", c.Total, "err", err)
		}
		return false
	}
	return true
}

// complete moves c to ACKED or back to AVAILABLE.
func (q *Queue) complete(c *Chunk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ok {
		c.Status = ChunkAcked
		q.sent++
	} else {
		c.Status = ChunkAvailable
		q.failed++
	}
	q.cond.Broadcast()
}
