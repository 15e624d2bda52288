package onchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/vovakirdan/onchat-sdk-go/onchat/internal"
)

// transportHandler receives connection lifecycle callbacks. None of them is
// invoked while the transport lock is held.
type transportHandler interface {
	handleOpen()
	handleFrame(raw []byte)
	handleClose(err error)
	handleStateChange(ev StateEvent)
}

type writeItem struct {
	req   Request
	flush bool // write everything queued before it, then stop
}

// Transport owns the websocket, its state and the reconnect timer.
type Transport struct {
	cfg      Config
	logger   Logger
	handler  transportHandler
	dialOpts *websocket.DialOptions

	mu         sync.Mutex
	state      ConnectionState
	lastErr    error
	conn       *internal.Conn
	writeCh    chan writeItem
	writerDone chan struct{}
	done       <-chan struct{}
	cancel     context.CancelFunc
	gen        uint64
	closing    bool
	timer      *time.Timer
	backoff    backoff.BackOff
	scheduled  int
}

// SetLogger overrides logger (optional). Call it before Connect.
func (t *Transport) SetLogger(l Logger) {
	if l == nil {
		return
	}
	t.logger = l
}

// NewTransport builds a transport; nothing is dialed until Connect.
func NewTransport(cfg Config, h transportHandler, logger Logger) *Transport {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Transport{
		cfg:     cfg,
		logger:  logger,
		handler: h,
		state:   StateClosed,
		backoff: newReconnectBackOff(cfg),
	}
}

// newReconnectBackOff returns a constant policy unless exponential backoff
// (with jitter) is configured.
func newReconnectBackOff(cfg Config) backoff.BackOff {
	if cfg.ReconnectPolicy == ReconnectExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.ReconnectDelay
		if cfg.MaxReconnectDelay > 0 {
			b.MaxInterval = cfg.MaxReconnectDelay
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(cfg.ReconnectDelay)
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the transport error flag, cleared on the next open.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// ScheduledReconnects returns how many reconnects have been scheduled so far.
func (t *Transport) ScheduledReconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled
}

// Connect dials the server, runs the open handler, and starts internal loops.
// It re-enables reconnects after a Close.
func (t *Transport) Connect(ctx context.Context) error {
	return t.connect(ctx, false)
}

// connect dials once. A retry never overrides a Close that happened after
// its timer fired.
func (t *Transport) connect(ctx context.Context, retry bool) error {
	t.mu.Lock()
	if retry && t.closing {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return errors.New("already connected")
	}
	t.closing = false
	t.stopTimerLocked()
	old := t.state
	t.state = StateConnecting
	t.mu.Unlock()
	t.handler.handleStateChange(StateEvent{OldState: old, NewState: StateConnecting})

	ws, err := t.dial(ctx)
	if err != nil {
		t.dialFailed(err)
		return err
	}

	t.mu.Lock()
	if t.closing {
		t.state = StateClosed
		t.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "client close")
		t.handler.handleStateChange(StateEvent{OldState: StateConnecting, NewState: StateClosed})
		return ErrNotConnected
	}
	t.gen++
	gen := t.gen
	runCtx, cancel := context.WithCancel(context.Background())
	conn := internal.NewConn(ws, t.cfg.ReadTimeout, t.cfg.WriteTimeout)
	writeCh := make(chan writeItem, 64)
	writerDone := make(chan struct{})
	t.conn, t.cancel, t.writeCh, t.writerDone = conn, cancel, writeCh, writerDone
	t.done = runCtx.Done()
	t.state = StateOpen
	t.lastErr = nil
	t.backoff.Reset()
	t.mu.Unlock()

	t.logger.Info("connected", map[string]any{"url": t.cfg.URL})
	t.handler.handleStateChange(StateEvent{OldState: StateConnecting, NewState: StateOpen})

	go t.writeLoop(runCtx, gen, conn, writeCh, writerDone)
	t.handler.handleOpen()
	go t.readLoop(runCtx, gen, conn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	if t.cfg.URL == "" {
		return nil, NewError(ErrorInvalidConfig, "empty URL")
	}
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, WrapError(ErrorInvalidConfig, "parse URL", err)
	}
	dialCtx := ctx
	if t.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(dialCtx, u.String(), t.dialOpts)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	return ws, nil
}

// dialFailed reports the error flag and treats the failed attempt as a close.
func (t *Transport) dialFailed(err error) {
	terr := WrapError(ErrorTransport, "dial failed", err)
	t.mu.Lock()
	t.lastErr = terr
	t.state = StateClosed
	if !t.closing && t.cfg.AutoReconnect {
		t.scheduleLocked()
	}
	t.mu.Unlock()

	t.logger.Warn("dial failed", map[string]any{"url": t.cfg.URL, "error": err.Error()})
	t.handler.handleStateChange(StateEvent{OldState: StateConnecting, NewState: StateError, Error: terr})
	t.handler.handleStateChange(StateEvent{OldState: StateError, NewState: StateClosed, Error: terr})
	t.handler.handleClose(terr)
}

// Send queues one request. It is a no-op returning ErrNotConnected unless the
// connection is open, and a payload that cannot be encoded is refused before
// it reaches the writer. Delivery is never confirmed.
func (t *Transport) Send(ctx context.Context, name EventName, payload any) error {
	req := newRequest(name, payload)
	if _, err := json.Marshal(req); err != nil {
		return &Error{Code: ErrorSerialization, Event: name, Message: "encode request", Wrapped: err}
	}

	t.mu.Lock()
	if t.state != StateOpen {
		state := t.state
		t.mu.Unlock()
		t.logger.Warn("send while not open", map[string]any{"event": string(name), "state": state.String()})
		return ErrNotConnected
	}
	ch, done := t.writeCh, t.done
	t.mu.Unlock()

	select {
	case ch <- writeItem{req: req}:
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued frames, closes the socket and cancels any pending
// reconnect. No reconnect follows an explicit close.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.stopTimerLocked()
	old := t.state
	conn, cancel, ch, done := t.conn, t.cancel, t.writeCh, t.writerDone
	t.conn, t.cancel, t.writeCh, t.writerDone = nil, nil, nil, nil
	t.gen++
	t.state = StateClosed
	t.mu.Unlock()

	var err error
	if conn != nil {
		wait := t.cfg.WriteTimeout
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case ch <- writeItem{flush: true}:
			select {
			case <-done:
			case <-time.After(wait):
			}
		case <-time.After(wait):
		}
		err = conn.Close(websocket.StatusNormalClosure, "client close")
		cancel()
	}
	if old != StateClosed {
		t.handler.handleStateChange(StateEvent{OldState: old, NewState: StateClosed})
		t.handler.handleClose(nil)
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn *internal.Conn) {
	for {
		raw, err := conn.ReadText(ctx)
		if errors.Is(err, internal.ErrBinaryFrame) {
			t.logger.Warn("dropping binary frame", map[string]any{"bytes": len(raw)})
			continue
		}
		if err != nil {
			t.lost(ctx, gen, err)
			return
		}
		t.handler.handleFrame(raw)
	}
}

func (t *Transport) writeLoop(ctx context.Context, gen uint64, conn *internal.Conn, ch <-chan writeItem, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case it := <-ch:
			if it.flush {
				return
			}
			if err := conn.Write(ctx, it.req); err != nil {
				t.lost(ctx, gen, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// lost handles the end of connection gen. Stale generations are ignored, so
// each connection produces at most one close and one scheduled reconnect.
func (t *Transport) lost(ctx context.Context, gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	// Classify before cancelling: a cancelled ctx reads as a requested close.
	expected := isExpectedDisconnect(ctx, err)
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	t.conn, t.cancel, t.writeCh, t.writerDone = nil, nil, nil, nil
	var terr error
	if !expected {
		terr = WrapError(ErrorTransport, "connection lost", err)
		t.lastErr = terr
	}
	t.state = StateClosed
	if !t.closing && t.cfg.AutoReconnect {
		t.scheduleLocked()
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	}
	fields := map[string]any{"error": err.Error()}
	old := StateOpen
	if terr != nil {
		t.logger.Warn("connection lost", fields)
		t.handler.handleStateChange(StateEvent{OldState: old, NewState: StateError, Error: terr})
		old = StateError
	} else {
		t.logger.Info("connection closed", fields)
	}
	t.handler.handleStateChange(StateEvent{OldState: old, NewState: StateClosed, Error: terr})
	t.handler.handleClose(terr)
}

// scheduleLocked replaces any pending reconnect timer with a new one.
func (t *Transport) scheduleLocked() {
	t.stopTimerLocked()
	d := t.backoff.NextBackOff()
	if d == backoff.Stop {
		t.logger.Warn("reconnect budget exhausted", nil)
		return
	}
	t.scheduled++
	t.logger.Info("reconnect scheduled", map[string]any{"delay": d.String()})
	t.timer = time.AfterFunc(d, t.reconnect)
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) reconnect() {
	if err := t.connect(context.Background(), true); err != nil {
		t.logger.Debug("reconnect attempt failed", map[string]any{"error": err.Error()})
	}
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
