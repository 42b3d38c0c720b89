// Package transport provides the single reconnecting websocket connection
// shared by chat, presence and call signaling. Frames are JSON envelopes
// {event, data}; inbound frames are fanned out to subscribers by event name.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/util"
)

var (
	// ErrUnavailable reports that the socket could not be opened. A retry
	// is already scheduled when it is returned.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrSignalTimeout reports that a one-shot wait expired.
	ErrSignalTimeout = errors.New("signal timeout")
)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Options tunes reconnection and timeouts. Zero fields take defaults.
type Options struct {
	BackoffFloor   time.Duration // first retry delay, and the delay after a successful open
	BackoffCeiling time.Duration // upper bound for the doubling retry delay
	OnceTimeout    time.Duration // default timeout for Once
	WriteTimeout   time.Duration // per-frame write deadline
	DialTimeout    time.Duration // handshake timeout for one attempt
	Header         http.Header   // extra handshake headers, e.g. Authorization
}

func (o Options) withDefaults() Options {
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 2 * time.Second
	}
	if o.BackoffCeiling < o.BackoffFloor {
		o.BackoffCeiling = max(30*time.Second, o.BackoffFloor)
	}
	if o.OnceTimeout <= 0 {
		o.OnceTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

// attempt is one in-flight dial. done is closed once err is final.
type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) resolve(err error) {
	a.err = err
	close(a.done)
}

// Transport is a reconnecting websocket client. It is safe for concurrent use.
//
// While the socket is not open, Send queues frames; they are flushed in order
// on the next successful open. Subscriptions survive reconnects.
type Transport struct {
	opts   Options
	dialer *websocket.Dialer
	log    util.Scope

	events *registry[Handler]
	states *registry[func(bool)]

	mu         sync.Mutex
	url        string
	conn       *websocket.Conn
	connected  bool
	active     bool // Connect was called and Disconnect has not been
	epoch      uint64
	attempt    *attempt
	cancelDial context.CancelFunc
	retry      *time.Timer
	backoff    time.Duration
	queue      outbox
}

// New creates a disconnected Transport.
func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		log:     util.Scoped("transport"),
		events:  newRegistry[Handler](),
		states:  newRegistry[func(bool)](),
		backoff: opts.BackoffFloor,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the socket to url. It is idempotent: when already open it
// returns nil at once, and when an attempt is in flight it waits for that
// attempt instead of dialing again. An empty url reuses the last address.
//
// A failed attempt still returns (wrapping ErrUnavailable) after a retry has
// been scheduled. ctx bounds only the wait, not the attempt itself.
func (t *Transport) Connect(ctx context.Context, url string) error {
	t.mu.Lock()
	if url != "" {
		t.url = url
	}
	if t.url == "" {
		t.mu.Unlock()
		return fmt.Errorf("%w: no server address", ErrUnavailable)
	}
	t.active = true
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	a := t.attempt
	if a == nil {
		a = t.startAttemptLocked()
	}
	t.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetURL replaces the address used by later attempts, for example to
// carry a session token issued over the current connection. The open
// socket, if any, is kept.
func (t *Transport) SetURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

// Disconnect cancels any pending reconnect, closes the socket and discards
// queued frames. No reconnect happens until Connect is called again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.active = false
	t.epoch++
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	t.attempt = nil
	conn := t.conn
	t.conn = nil
	wasConnected := t.connected
	t.connected = false
	dropped := t.queue.clear()
	t.backoff = t.opts.BackoffFloor
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if dropped > 0 {
		t.log.Debug("discarded %d queued frames", dropped)
	}
	if wasConnected {
		t.notifyState(false)
	}
}

// Connected reports whether the socket is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Pending returns the number of frames waiting for the socket to open.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.len()
}

// OnStateChange registers fn to be called with true after every successful
// open and false after every close. It returns the unsubscribe function.
func (t *Transport) OnStateChange(fn func(connected bool)) func() {
	return t.states.add("state", fn)
}

// startAttemptLocked begins a background dial. Caller holds t.mu.
func (t *Transport) startAttemptLocked() *attempt {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}

	a := &attempt{done: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	t.attempt = a
	t.cancelDial = cancel

	go t.dial(ctx, cancel, a, t.epoch, t.url)
	return a
}

// dial runs one connection attempt and settles a.
func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, a *attempt, epoch uint64, url string) {
	conn, _, err := t.dialer.DialContext(ctx, url, t.opts.Header)
	cancel()

	t.mu.Lock()
	if epoch != t.epoch || !t.active {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.resolve(fmt.Errorf("%w: disconnected", ErrUnavailable))
		return
	}
	t.attempt = nil
	t.cancelDial = nil

	if err != nil {
		delay := t.scheduleRetryLocked()
		t.mu.Unlock()
		t.log.Warn("connect %s failed, retrying in %s: %v", url, delay, err)
		a.resolve(fmt.Errorf("%w: %v", ErrUnavailable, err))
		return
	}

	t.conn = conn
	t.connected = true
	t.backoff = t.opts.BackoffFloor

	queued := t.queue.len()
	if err := t.queue.flush(func(frame []byte) error {
		return writeFrame(conn, frame, t.opts.WriteTimeout)
	}); err != nil {
		t.conn = nil
		t.connected = false
		conn.Close()
		delay := t.scheduleRetryLocked()
		left := t.queue.len()
		t.mu.Unlock()
		t.log.Warn("flush failed with %d frames left, retrying in %s: %v", left, delay, err)
		a.resolve(fmt.Errorf("%w: flush: %v", ErrUnavailable, err))
		return
	}
	t.mu.Unlock()

	if queued > 0 {
		t.log.Debug("flushed %d queued frames", queued)
	}
	t.log.Info("connected to %s", url)

	go t.read(conn)
	t.notifyState(true)
	a.resolve(nil)
}

// scheduleRetryLocked arms the reconnect timer unless one is pending.
// The delay doubles, up to the ceiling, each time the timer fires.
func (t *Transport) scheduleRetryLocked() time.Duration {
	delay := t.backoff
	if t.retry != nil || t.attempt != nil {
		return delay
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.retry != timer {
			return
		}
		t.retry = nil
		if !t.active || t.connected || t.attempt != nil {
			return
		}
		t.backoff = nextBackoff(t.backoff, t.opts.BackoffCeiling)
		util.Stats.AddReconnect()
		t.startAttemptLocked()
	})
	t.retry = timer
	return delay
}

// nextBackoff doubles cur without exceeding ceiling.
func nextBackoff(cur, ceiling time.Duration) time.Duration {
	return min(cur*2, ceiling)
}

// handleClose is called by the reader when conn fails.
func (t *Transport) handleClose(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	conn.Close()

	var delay time.Duration
	if t.active {
		delay = t.scheduleRetryLocked()
	}
	active := t.active
	t.mu.Unlock()

	if active {
		t.log.Info("connection lost (%v), reconnecting in %s", cause, delay)
	}
	t.notifyState(false)
}

func (t *Transport) notifyState(connected bool) {
	for _, fn := range t.states.snapshot("state") {
		fn(connected)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send transmits one event. While the socket is not open the frame is queued
// and flushed in order on the next open. Send never fails; a payload that
// cannot be encoded is logged and dropped.
func (t *Transport) Send(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.log.Error("dropping outbound %q: %v", event, err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		t.queue.push(frame)
		util.Stats.AddQueued()
		return
	}

	if err := writeFrame(t.conn, frame, t.opts.WriteTimeout); err != nil {
		// Keep the frame for the next connection and let the reader
		// observe the broken socket.
		t.queue.push(frame)
		t.connected = false
		t.conn.Close()
		t.log.Warn("write %q failed, frame queued: %v", event, err)
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// On registers h for event. Handlers for the same event run in registration
// order on the reader goroutine. It returns the unsubscribe function.
func (t *Transport) On(event string, h Handler) (off func()) {
	return t.events.add(event, h)
}

// Once waits for the next event named event and returns its data. It fails
// with ErrSignalTimeout after timeout (the default Options.OnceTimeout when
// timeout <= 0) or with ctx's error. The handler is removed on every exit.
func (t *Transport) Once(ctx context.Context, event string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.opts.OnceTimeout
	}

	ch := make(chan json.RawMessage, 1)
	off := t.On(event, func(data json.RawMessage) {
		select {
		case ch <- data:
		default:
		}
	})
	defer off()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no %q within %s", ErrSignalTimeout, event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends event with payload and waits for the reply carrying the
// same event name. An "error" event naming event, or naming none, fails
// the request with a *protocol.ErrorPayload. Both waiters are registered
// before the send and removed on every exit; timeout behaves as in Once.
func (t *Transport) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.opts.OnceTimeout
	}

	reply := make(chan json.RawMessage, 1)
	failed := make(chan *protocol.ErrorPayload, 1)
	offReply := t.On(event, func(data json.RawMessage) {
		select {
		case reply <- data:
		default:
		}
	})
	defer offReply()
	offErr := t.On(protocol.EventError, func(data json.RawMessage) {
		var perr protocol.ErrorPayload
		if json.Unmarshal(data, &perr) != nil {
			return
		}
		// An error naming no event fails whichever request is pending.
		if perr.Event != "" && perr.Event != event {
			return
		}
		select {
		case failed <- &perr:
		default:
		}
	})
	defer offErr()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	t.Send(event, payload)

	select {
	case data := <-reply:
		return data, nil
	case perr := <-failed:
		return nil, perr
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply to %q within %s", ErrSignalTimeout, event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) read(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, err)
			return
		}
		util.Stats.AddRecv()

		env, err := protocol.Decode(frame)
		if err != nil {
			t.log.Warn("dropping inbound frame: %v", err)
			continue
		}
		t.dispatch(env)
	}
}

// dispatch delivers env to every handler registered for its event.
func (t *Transport) dispatch(env *protocol.Envelope) {
	for _, h := range t.events.snapshot(env.Event) {
		t.invoke(env, h)
	}
}

func (t *Transport) invoke(env *protocol.Envelope, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("handler for %q panicked: %v", env.Event, r)
		}
	}()
	h(env.Data)
}
