package onchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	opens  int
	states []StateEvent
	closes []error
	frames chan []byte
}

func newRecorder() *recorder { return &recorder{frames: make(chan []byte, 8)} }

func (r *recorder) handleOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
}

func (r *recorder) handleFrame(raw []byte) { r.frames <- raw }

func (r *recorder) handleClose(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, err)
}

func (r *recorder) handleStateChange(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev)
}

func (r *recorder) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

func (r *recorder) seen(state ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.states {
		if ev.NewState == state {
			return true
		}
	}
	return false
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testTransportConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.AutoReconnect = false
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

// drain reads until the peer goes away.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func TestTransport_SendWhenNotOpen(t *testing.T) {
	tr := NewTransport(testTransportConfig("ws://127.0.0.1:1"), newRecorder(), nil)

	err := tr.Send(context.Background(), EventUserList, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, StateClosed, tr.State())
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		_, data, err := c.Read(r.Context())
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		got <- string(data)

		_ = c.Write(r.Context(), websocket.MessageBinary, []byte{0x01})
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"event":"LOGIN","status":"success"}`))
		drain(r.Context(), c)
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewTransport(testTransportConfig(wsURL(srv)), rec, nil)
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, StateOpen, tr.State())
	require.Equal(t, 1, rec.openCount())

	require.NoError(t, tr.Send(context.Background(), EventLogin, CredentialsPayload{User: "alice", Pass: "pw"}))

	select {
	case data := <-got:
		require.JSONEq(t, `{"action":"onchat","data":{"event":"LOGIN","data":{"user":"alice","pass":"pw"}}}`, data)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the request")
	}

	select {
	case raw := <-rec.frames:
		f, err := decodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, EventLogin, f.Event)
		require.Equal(t, StatusSuccess, f.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	_ = tr.Close()
	require.Equal(t, StateClosed, tr.State())
	require.ErrorIs(t, tr.Send(context.Background(), EventUserList, nil), ErrNotConnected)
	require.Equal(t, 0, tr.ScheduledReconnects())
}

func TestTransport_ReconnectOncePerClose(t *testing.T) {
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepted.Add(1) == 1 {
			_ = c.Close(websocket.StatusInternalError, "boom")
			return
		}
		defer c.CloseNow()
		drain(r.Context(), c)
	}))
	defer srv.Close()

	cfg := testTransportConfig(wsURL(srv))
	cfg.AutoReconnect = true
	cfg.ReconnectDelay = 20 * time.Millisecond

	rec := newRecorder()
	tr := NewTransport(cfg, rec, nil)
	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool { return rec.openCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, rec.seen(StateError))
	require.Equal(t, StateOpen, tr.State())
	require.NoError(t, tr.LastError())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, tr.ScheduledReconnects())
	require.Equal(t, int32(2), accepted.Load())

	_ = tr.Close()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(2), accepted.Load())
	require.Equal(t, 1, tr.ScheduledReconnects())
}

func TestTransport_DialFailureSchedulesSingleRetry(t *testing.T) {
	cfg := testTransportConfig("ws://127.0.0.1:1")
	cfg.AutoReconnect = true
	cfg.ReconnectDelay = time.Hour

	rec := newRecorder()
	tr := NewTransport(cfg, rec, nil)

	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateClosed, tr.State())
	require.True(t, IsConnectionError(tr.LastError()))
	require.True(t, rec.seen(StateError))
	require.Equal(t, 1, tr.ScheduledReconnects())

	require.NoError(t, tr.Close())
	tr.mu.Lock()
	require.Nil(t, tr.timer)
	tr.mu.Unlock()
}

func TestReconnectBackOffPolicies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 100 * time.Millisecond

	constant := newReconnectBackOff(cfg)
	require.Equal(t, 100*time.Millisecond, constant.NextBackOff())
	require.Equal(t, 100*time.Millisecond, constant.NextBackOff())

	cfg.ReconnectPolicy = ReconnectExponential
	cfg.MaxReconnectDelay = 300 * time.Millisecond
	exp := newReconnectBackOff(cfg)
	first := exp.NextBackOff()
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 150*time.Millisecond)
	for i := 0; i < 10; i++ {
		require.LessOrEqual(t, exp.NextBackOff(), 450*time.Millisecond)
	}
}

func TestTransport_RetryAfterCloseDoesNotDial(t *testing.T) {
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		drain(r.Context(), c)
	}))
	defer srv.Close()

	cfg := testTransportConfig(wsURL(srv))
	cfg.AutoReconnect = true
	tr := NewTransport(cfg, newRecorder(), nil)

	// A timer that already fired races with Close and loses.
	require.NoError(t, tr.Close())
	tr.reconnect()

	require.Equal(t, StateClosed, tr.State())
	require.Equal(t, int32(0), accepted.Load())

	// An explicit Connect still works after Close.
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, StateOpen, tr.State())
	_ = tr.Close()
}

func TestTransport_UnencodablePayload(t *testing.T) {
	tr := NewTransport(testTransportConfig("ws://127.0.0.1:1"), newRecorder(), nil)

	err := tr.Send(context.Background(), EventSendChat, map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	require.True(t, hasCode(err, ErrorSerialization))
}

func TestSession_ConnectionLossReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusInternalError, "boom")
	}))
	defer srv.Close()

	s, err := NewSessionWithStore(testTransportConfig(wsURL(srv)), nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var errs []error
	var states []ConnectionState
	s.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})
	s.OnStateChanged(func(ev StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.NewState)
	})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.True(t, IsConnectionError(errs[0]))
	require.Contains(t, states, StateError)
	mu.Unlock()
	require.Equal(t, StateClosed, s.ConnectionState())
	require.True(t, IsConnectionError(s.TransportError()))
	_ = s.Close()
}
