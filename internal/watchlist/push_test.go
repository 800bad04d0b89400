package watchlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/filewatchd/internal/client"
	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

type countingRefresher struct {
	n atomic.Int32
}

func (c *countingRefresher) QueueStatusUpdate() { c.n.Add(1) }

// socketServer accepts push connections and runs handle for each one.
func socketServer(t *testing.T, handle func(ctx context.Context, n int, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websockets/file-changes/v1" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		n := int(conns.Add(1))
		handle(r.Context(), n, conn)
	}))
	t.Cleanup(server.Close)
	return server, &conns
}

func newTestPush(t *testing.T, baseURL string, r *Reconciler, refresher Refresher, config PushConfig) *PushChannel {
	t.Helper()
	c, err := client.New(client.Config{BaseURL: baseURL, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("client.New() failed: %v", err)
	}
	config.Logger = logging.Discard()
	pc := NewPushChannel(c, r, refresher, config)
	t.Cleanup(pc.Dispose)
	return pc
}

// TestReconnectBackoff_Sequence verifies the reconnect delays grow and cap.
func TestReconnectBackoff_Sequence(t *testing.T) {
	bo := newReconnectBackoff(DefaultReconnectMin, DefaultReconnectMax)

	want := []time.Duration{50, 100, 200, 400, 800, 1600, 3200, 4000, 4000}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("Delay %d = %v, want %v", i, got, w*time.Millisecond)
		}
	}

	bo.Reset()
	if got := bo.NextBackOff(); got != 50*time.Millisecond {
		t.Errorf("Delay after reset = %v, want 50ms", got)
	}
}

// TestPushChannel_AppliesDeltaAndRefreshesOnOpen verifies a full refresh on connect and delta handling afterwards.
func TestPushChannel_AppliesDeltaAndRefreshesOnOpen(t *testing.T) {
	delta := `{"type":"projectChanged","projects":[{"projectID":"a","pathToMonitor":"/work/a","changeType":"ADD"}]}`
	server, _ := socketServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"debug","msg":"hello"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(delta))
		// Hold the connection until the client goes away.
		_, _, _ = conn.Read(ctx)
	})

	f := newFakeServices()
	r := newTestReconciler(f)
	refresher := &countingRefresher{}
	pc := newTestPush(t, server.URL, r, refresher, PushConfig{})

	waitUntil(t, "delta applied", func() bool {
		_, ok := r.Project("a")
		return ok
	})
	if refresher.n.Load() < 1 {
		t.Error("Opening the channel should request a refresh")
	}
	st := pc.Status()
	if !st.Connected || st.Messages != 2 {
		t.Errorf("Unexpected status %+v", st)
	}
}

// TestPushChannel_CloseTriggersRefreshAndReconnect checks that a dropped socket leads to a refresh and a new connection.
func TestPushChannel_CloseTriggersRefreshAndReconnect(t *testing.T) {
	server, conns := socketServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		if n < 3 {
			conn.Close(websocket.StatusInternalError, "going down")
			return
		}
		_, _, _ = conn.Read(ctx)
	})

	refresher := &countingRefresher{}
	pc := newTestPush(t, server.URL, newTestReconciler(newFakeServices()), refresher, PushConfig{
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 40 * time.Millisecond,
	})

	waitUntil(t, "third connection", func() bool {
		return conns.Load() >= 3 && pc.Status().Connected
	})

	st := pc.Status()
	if st.Failures != 2 {
		t.Errorf("Expected 2 failures, got %d", st.Failures)
	}
	// Each open and each close asks for a refresh.
	if n := refresher.n.Load(); n < 5 {
		t.Errorf("Expected at least 5 refresh requests, got %d", n)
	}
	// Reconnect delays reset after every successful open.
	if st.LastDelay != 10*time.Millisecond {
		t.Errorf("Expected backoff reset between successful opens, last delay %v", st.LastDelay)
	}
}

// TestPushChannel_BackoffGrowsWhileUnreachable verifies the failure count and delay grow while the server is down.
func TestPushChannel_BackoffGrowsWhileUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	refresher := &countingRefresher{}
	pc := newTestPush(t, server.URL, newTestReconciler(newFakeServices()), refresher, PushConfig{
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})

	waitUntil(t, "several failures", func() bool { return pc.Status().Failures >= 5 })
	if d := pc.Status().LastDelay; d != 20*time.Millisecond {
		t.Errorf("Expected delay capped at 20ms, got %v", d)
	}
	if st := pc.Status(); st.Connected || st.LastError == "" {
		t.Errorf("Expected a disconnected status with the dial error, got %+v", st)
	}
	if refresher.n.Load() < 5 {
		t.Errorf("Every failure should request a refresh, got %d", refresher.n.Load())
	}
}

// TestPushChannel_SendsKeepAlive verifies keep-alive messages are sent on an idle socket.
func TestPushChannel_SendsKeepAlive(t *testing.T) {
	var mu sync.Mutex
	var got []string
	server, _ := socketServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		}
	})

	newTestPush(t, server.URL, newTestReconciler(newFakeServices()), &countingRefresher{}, PushConfig{
		PingInterval: 20 * time.Millisecond,
	})

	waitUntil(t, "keep-alive", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "{}" {
		t.Errorf("Unexpected keep-alive %q", got[0])
	}
}

// TestPushChannel_MalformedMessageKeepsState ensures a bad push message leaves the watched projects untouched.
func TestPushChannel_MalformedMessageKeepsState(t *testing.T) {
	f := newFakeServices()
	r := newTestReconciler(f)
	r.ApplyFull([]model.ProjectToWatch{project("a", "/work/a")})
	f.take()

	pc := &PushChannel{reconciler: r, logger: logging.Discard()}
	for _, msg := range []string{
		`not json`,
		`{"type":"watchChanged","projects":[{"projectID":"","pathToMonitor":"/x"}]}`,
		`{"type":"watchChanged","projects":"nope"}`,
		`{"type":"somethingElse","projects":[{"projectID":"b","pathToMonitor":"/work/b"}]}`,
	} {
		pc.handleSafely([]byte(msg))
	}

	if calls := f.take(); len(calls) != 0 {
		t.Errorf("Malformed or unknown messages changed state: %q", calls)
	}
	if n := len(r.Projects()); n != 1 {
		t.Errorf("Expected 1 project, got %d", n)
	}
}

// TestPushChannel_DisposeStopsManager verifies Dispose closes the socket and stops reconnecting.
func TestPushChannel_DisposeStopsManager(t *testing.T) {
	server, _ := socketServer(t, func(ctx context.Context, _ int, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	})
	pc := newTestPush(t, server.URL, newTestReconciler(newFakeServices()), &countingRefresher{}, PushConfig{})
	waitUntil(t, "connected", func() bool { return pc.Status().Connected })

	pc.Dispose()
	pc.Dispose()
	select {
	case <-pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Manager did not stop")
	}
}
