package watchlist

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

const (
	DefaultReconnectMin = 50 * time.Millisecond
	DefaultReconnectMax = 4000 * time.Millisecond
	DefaultPingInterval = 25 * time.Second

	pingTimeout  = 10 * time.Second
	maxMessageSz = 8 << 20
)

// Push message types.
const (
	MessageWatchChanged   = "watchChanged"
	MessageProjectChanged = "projectChanged"
	MessageDebug          = "debug"
)

// Dialer opens the push connection.
type Dialer interface {
	DialWatchList(ctx context.Context) (*websocket.Conn, error)
}

// Refresher schedules a full watch-list refresh.
type Refresher interface {
	QueueStatusUpdate()
}

// PushConfig holds configuration for a PushChannel.
type PushConfig struct {
	// ReconnectMin and ReconnectMax bound the reconnect delay
	// (default: 50ms doubling up to 4s).
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// PingInterval is the keep-alive period (default: 25s).
	PingInterval time.Duration

	// Logger for connection activity (default: log.Default()).
	Logger *log.Logger
}

// PushStatus is a snapshot of the push connection.
type PushStatus struct {
	Connected bool          `json:"connected"`
	Failures  int           `json:"failures"`
	Messages  int           `json:"messages"`
	LastDelay time.Duration `json:"lastDelay"`
	LastError string        `json:"lastError,omitempty"`
}

type socketEventKind int

const (
	socketOpened socketEventKind = iota
	socketMessage
	socketClosed
)

// socketEvent is what the dial and read goroutines report to the manager.
type socketEvent struct {
	kind socketEventKind
	conn *websocket.Conn
	data []byte
	err  error
}

// pushMessage is the envelope of every inbound message.
type pushMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// PushChannel keeps a WebSocket open to the server and applies the
// watch-list deltas it receives. Connection state is owned by a single
// manager goroutine; the dial and read goroutines only report events.
type PushChannel struct {
	dialer     Dialer
	reconciler *Reconciler
	refresher  Refresher
	config     PushConfig
	logger     *log.Logger

	events chan socketEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status PushStatus

	disposeOnce sync.Once
}

// NewPushChannel creates a PushChannel and starts connecting.
func NewPushChannel(dialer Dialer, reconciler *Reconciler, refresher Refresher, config PushConfig) *PushChannel {
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = DefaultReconnectMin
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	pc := &PushChannel{
		dialer:     dialer,
		reconciler: reconciler,
		refresher:  refresher,
		config:     config,
		logger:     logging.Component(config.Logger, "push"),
		events:     make(chan socketEvent),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go pc.manage()
	return pc
}

// Status returns a snapshot of the connection state.
func (pc *PushChannel) Status() PushStatus {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.status
}

// Dispose closes the connection and stops reconnecting without waiting.
// Safe to call more than once.
func (pc *PushChannel) Dispose() {
	pc.disposeOnce.Do(pc.cancel)
}

// Done is closed when the manager goroutine has exited.
func (pc *PushChannel) Done() <-chan struct{} {
	return pc.done
}

// newReconnectBackoff returns the reconnect delay sequence: lo, 2*lo, ...
// capped at hi, never giving up.
func newReconnectBackoff(lo, hi time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lo
	bo.Multiplier = 2
	bo.MaxInterval = hi
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (pc *PushChannel) manage() {
	defer close(pc.done)

	bo := newReconnectBackoff(pc.config.ReconnectMin, pc.config.ReconnectMax)
	ping := time.NewTicker(pc.config.PingInterval)
	defer ping.Stop()

	var (
		conn      *websocket.Conn
		reconnect *time.Timer
		retryC    <-chan time.Time
	)
	defer func() {
		if reconnect != nil {
			reconnect.Stop()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
		}
	}()

	pc.dial()

	for {
		select {
		case <-pc.ctx.Done():
			return

		case ev := <-pc.events:
			switch ev.kind {
			case socketOpened:
				conn = ev.conn
				bo.Reset()
				pc.setStatus(func(s *PushStatus) { s.Connected = true })
				pc.logger.Info("Push channel connected")
				// The socket carries no initial snapshot.
				pc.refresher.QueueStatusUpdate()
				go pc.read(conn)

			case socketMessage:
				pc.handleSafely(ev.data)

			case socketClosed:
				if ev.conn != conn {
					// A reader of a connection already replaced.
					continue
				}
				conn = nil
				delay := bo.NextBackOff()
				pc.setStatus(func(s *PushStatus) {
					s.Connected = false
					s.Failures++
					s.LastDelay = delay
					if ev.err != nil {
						s.LastError = ev.err.Error()
					}
				})
				pc.logger.Warn("Push channel closed", "err", ev.err, "retry", delay)
				pc.refresher.QueueStatusUpdate()

				reconnect = time.NewTimer(delay)
				retryC = reconnect.C
			}

		case <-retryC:
			retryC = nil
			reconnect = nil
			pc.dial()

		case <-ping.C:
			if conn != nil {
				pc.ping(conn)
			}
		}
	}
}

// dial connects in the background and reports the outcome.
func (pc *PushChannel) dial() {
	go func() {
		conn, err := pc.dialer.DialWatchList(pc.ctx)
		if err != nil {
			pc.report(socketEvent{kind: socketClosed, err: err})
			return
		}
		conn.SetReadLimit(maxMessageSz)
		if !pc.report(socketEvent{kind: socketOpened, conn: conn}) {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
		}
	}()
}

// read forwards inbound messages until the connection fails.
func (pc *PushChannel) read(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(pc.ctx)
		if err != nil {
			pc.report(socketEvent{kind: socketClosed, conn: conn, err: err})
			return
		}
		if !pc.report(socketEvent{kind: socketMessage, conn: conn, data: data}) {
			return
		}
	}
}

// report hands ev to the manager. It returns false once disposed.
func (pc *PushChannel) report(ev socketEvent) bool {
	select {
	case pc.events <- ev:
		return true
	case <-pc.ctx.Done():
		return false
	}
}

func (pc *PushChannel) ping(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(pc.ctx, pingTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{}")); err != nil {
		// Closing makes the reader report the failure.
		pc.logger.Warn("Keep-alive failed", "err", err)
		conn.Close(websocket.StatusGoingAway, "keep-alive failed")
	}
}

func (pc *PushChannel) handleSafely(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			pc.logger.Error("Push message handling panicked", "panic", r)
		}
	}()
	pc.handle(data)
}

// handle applies one inbound message. Malformed messages are logged and
// leave the watched set untouched.
func (pc *PushChannel) handle(data []byte) {
	pc.setStatus(func(s *PushStatus) { s.Messages++ })

	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		pc.logger.Error("Malformed push message", "err", err)
		return
	}

	switch msg.Type {
	case MessageWatchChanged, MessageProjectChanged:
		projects, err := model.ParseWatchList(data)
		if err != nil {
			pc.logger.Error("Malformed watch list delta", "type", msg.Type, "err", err)
			return
		}
		pc.logger.Debug("Applying watch list delta", "type", msg.Type, "projects", len(projects))
		pc.reconciler.ApplyDelta(projects)
	case MessageDebug:
		pc.logger.Debug("Server debug message", "msg", msg.Msg)
	default:
		pc.logger.Debug("Ignoring push message", "type", msg.Type)
	}
}

func (pc *PushChannel) setStatus(fn func(*PushStatus)) {
	pc.mu.Lock()
	fn(&pc.status)
	pc.mu.Unlock()
}
