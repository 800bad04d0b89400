package watchlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/client"
	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

const (
	DefaultPollInterval     = 120 * time.Second
	DefaultRetryInitial     = 4000 * time.Millisecond
	DefaultRetryMaxInterval = 120 * time.Second
)

// Fetcher retrieves the full watch list.
type Fetcher interface {
	GetWatchList(ctx context.Context) ([]model.ProjectToWatch, error)
}

// PollerConfig holds configuration for a Poller.
type PollerConfig struct {
	// Interval between unconditional refreshes (default: 120s).
	Interval time.Duration

	// RetryInitial and RetryMax bound the delay between failed GETs
	// (default: 4s doubling up to 120s).
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Logger for poll activity (default: log.Default()).
	Logger *log.Logger
}

// Poller refreshes the watch list periodically and on request, feeding
// every successful result to the Reconciler as a full snapshot.
type Poller struct {
	fetcher    Fetcher
	reconciler *Reconciler
	config     PollerConfig
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	pending   bool
	lastOK    time.Time
	lastErr   error
	refreshes int

	disposeOnce sync.Once
}

// NewPoller creates a Poller and starts its goroutine. The first refresh
// happens immediately.
func NewPoller(fetcher Fetcher, reconciler *Reconciler, config PollerConfig) *Poller {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMaxInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		fetcher:    fetcher,
		reconciler: reconciler,
		config:     config,
		logger:     logging.Component(config.Logger, "poller"),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		pending:    true,
	}
	go p.loop()
	return p
}

// QueueStatusUpdate requests an immediate refresh. Calls made before the
// refresh runs are coalesced into one.
func (p *Poller) QueueStatusUpdate() {
	p.mu.Lock()
	if p.pending {
		p.mu.Unlock()
		return
	}
	p.pending = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastRefresh returns the time of the last successful refresh and the
// error of the last failed attempt since then.
func (p *Poller) LastRefresh() (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOK, p.lastErr
}

// Refreshes returns the number of successful refreshes.
func (p *Poller) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// Dispose stops the poller without waiting. Safe to call more than once.
func (p *Poller) Dispose() {
	p.disposeOnce.Do(p.cancel)
}

// Done is closed when the poller goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.refreshUntilSuccess()

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// refreshUntilSuccess retries the GET with exponential backoff until it
// succeeds or the poller is disposed.
func (p *Poller) refreshUntilSuccess() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.RetryInitial
	bo.Multiplier = 2
	bo.MaxInterval = p.config.RetryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	op := func() error {
		if err := p.refreshSafely(); err != nil {
			if !client.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			p.logger.Warn("Watch list refresh failed", "err", err)
			return err
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(bo, p.ctx))
	if err != nil && p.ctx.Err() == nil {
		p.logger.Error("Giving up on watch list refresh until next request", "err", err)
	}
}

// refreshSafely performs one GET and applies the result.
func (p *Poller) refreshSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Watch list refresh panicked", "panic", r)
			err = errors.New("refresh panicked")
		}
	}()

	// Cleared before the request so that updates queued during the GET
	// trigger another refresh.
	p.mu.Lock()
	p.pending = false
	p.mu.Unlock()

	projects, err := p.fetcher.GetWatchList(p.ctx)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	p.reconciler.ApplyFull(projects)

	p.mu.Lock()
	p.lastOK = time.Now()
	p.lastErr = nil
	p.refreshes++
	p.mu.Unlock()
	p.logger.Debug("Watch list refreshed", "projects", len(projects))
	return nil
}
