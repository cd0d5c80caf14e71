package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/cdpdriver/log"
)

const wsWriteBufferSize = 1 << 20

// ErrConnectionClosed is returned by calls on a connection that was torn
// down, and by calls that were still waiting for a response at that time.
var ErrConnectionClosed = errors.New("cdp connection closed")

var _ cdp.Executor = &Connection{}

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int64

const (
	ConnectionStateConnecting ConnectionState = iota
	ConnectionStateOpen
	ConnectionStateClosed
	ConnectionStateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateClosed:
		return "closed"
	case ConnectionStateErrored:
		return "errored"
	}
	return fmt.Sprintf("ConnectionState(%d)", int64(s))
}

// Connection is a WebSocket connection to a single CDP target.
//
// Requests are correlated with their responses by message ID, so any number
// of goroutines can have requests in flight at the same time. Frames without
// an ID but with a method are events and are handed to the listeners and
// waiters registered for that method.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	wsURL  string
	logger *log.Logger

	conn  *websocket.Conn
	state int64

	open     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.RWMutex
	err      error

	msgID     int64
	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	events *eventRegistry

	writeMu sync.Mutex
	// Reused by recvLoop only, to avoid an alloc per frame.
	decoder jlexer.Lexer
}

// NewConnection returns a Connection to the target at wsURL. Dialing
// happens in the background; calls made before the WebSocket is open wait
// for it.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		ctx:     ctx,
		cancel:  cancel,
		wsURL:   wsURL,
		logger:  logger,
		state:   int64(ConnectionStateConnecting),
		open:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[int64]chan *cdproto.Message),
		events:  newEventRegistry(logger),
	}
	go c.dial()

	return c
}

func (c *Connection) dial() {
	wsd := websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}
	conn, _, err := wsd.DialContext(c.ctx, c.wsURL, nil)
	if err != nil {
		if c.ctx.Err() != nil {
			c.teardown(ConnectionStateClosed, ErrConnectionClosed)
			return
		}
		c.logger.Errorf("Connection:dial", "wsURL:%q err:%v", c.wsURL, err)
		c.teardown(ConnectionStateErrored, fmt.Errorf("connecting to %q: %w", c.wsURL, err))
		return
	}

	c.conn = conn
	atomic.StoreInt64(&c.state, int64(ConnectionStateOpen))
	close(c.open)
	c.logger.Debugf("Connection:dial", "wsURL:%q connected", c.wsURL)

	go c.recvLoop()
	go func() {
		select {
		case <-c.ctx.Done():
			c.teardown(ConnectionStateClosed, ErrConnectionClosed)
		case <-c.done:
		}
	}()
}

// teardown closes the socket and releases every pending request. Only the
// first call has an effect.
func (c *Connection) teardown(state ConnectionState, err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		atomic.StoreInt64(&c.state, int64(state))

		if c.conn != nil {
			if state == ConnectionStateClosed {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
			}
			_ = c.conn.Close()
		}

		c.pendingMu.Lock()
		n := len(c.pending)
		c.pending = nil
		c.pendingMu.Unlock()

		c.cancel()
		close(c.done)
		c.logger.Debugf("Connection:teardown", "wsURL:%q state:%s pending:%d err:%v", c.wsURL, state, n, err)
	})
}

func (c *Connection) handleIOError(err error) {
	switch {
	case c.ctx.Err() != nil:
		c.teardown(ConnectionStateClosed, ErrConnectionClosed)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Errorf("Connection:handleIOError", "wsURL:%q unexpected closure: %v", c.wsURL, err)
		c.teardown(ConnectionStateErrored, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	default:
		c.logger.Debugf("Connection:handleIOError", "wsURL:%q err:%v", c.wsURL, err)
		c.teardown(ConnectionStateClosed, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	}
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp", "ignoring undecodable incoming message: %v (message: %s)", err, buf)
			continue
		}

		c.handleMessage(&msg, buf)
	}
}

func (c *Connection) handleMessage(msg *cdproto.Message, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("cdp", "recovered while handling incoming message: %v (message: %s)", r, raw)
		}
	}()

	switch {
	case msg.ID != 0:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debugf("cdp", "dropping response for unknown message ID %d", msg.ID)
			return
		}
		ch <- msg

	case msg.Method != "":
		evt := &Event{Name: string(msg.Method), Params: msg.Params}
		if !c.events.dispatch(evt) {
			c.logger.Tracef("cdp", "no listeners for event %q", evt.Name)
		}

	default:
		c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %s", raw)
	}
}

func (c *Connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Method, err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Method, err)
	}

	c.logger.Debugf("cdp:send", "-> %s", buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writer, err := c.conn.NextWriter(websocket.TextMessage)
	if err == nil {
		if _, err = writer.Write(buf); err == nil {
			err = writer.Close()
		}
	}
	if err != nil {
		c.handleIOError(err)
		return fmt.Errorf("sending %s: %w", msg.Method, c.Err())
	}

	return nil
}

func (c *Connection) waitOpen(ctx context.Context) error {
	select {
	case <-c.open:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip sends a request and waits for the response carrying its ID.
//
// A caller whose ctx is done stops waiting, but the request stays pending
// until its response arrives or the connection is torn down.
func (c *Connection) roundTrip(ctx context.Context, method string, params easyjson.RawMessage) (*cdproto.Message, error) {
	if err := c.waitOpen(ctx); err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&c.msgID, 1)
	ch := make(chan *cdproto.Message, 1)

	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, c.Err()
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: params,
	}
	if err := c.writeMessage(msg); err != nil {
		c.pendingMu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		// The response may have been delivered right before teardown.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute implements cdp.Executor so that any cdproto action can be run on
// the connection, e.g. page.Enable().Do(cdp.WithExecutor(ctx, conn)).
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	resp, err := c.roundTrip(ctx, method, buf)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if res != nil && len(resp.Result) > 0 {
		return easyjson.Unmarshal(resp.Result, res)
	}

	return nil
}

// Send issues a request for method and returns the raw result. params may
// be nil, a cdproto params type, raw JSON, or any value encoding/json can
// marshal. A response carrying an error is returned as a *cdproto.Error.
func (c *Connection) Send(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error) {
	buf, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	resp, err := c.roundTrip(ctx, method, buf)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp.Result, nil
}

func marshalParams(params interface{}) (easyjson.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case easyjson.RawMessage:
		return p, nil
	case json.RawMessage:
		return easyjson.RawMessage(p), nil
	case easyjson.Marshaler:
		return easyjson.Marshal(p)
	default:
		return json.Marshal(p)
	}
}

// On registers fn for every occurrence of the event name until remove is
// called.
func (c *Connection) On(name string, fn Listener) (remove func()) {
	return c.events.on(name, fn)
}

// Once registers a one-shot waiter for the next occurrence of the event
// name. Register it before sending the request that causes the event.
func (c *Connection) Once(name string) *Waiter {
	return &Waiter{conn: c, name: name, ch: c.events.once(name)}
}

// Wait blocks until the next occurrence of the event name.
func (c *Connection) Wait(ctx context.Context, name string) (*Event, error) {
	return c.Once(name).Wait(ctx)
}

// Close sends a close frame and tears the connection down.
func (c *Connection) Close() {
	c.cancel()
	<-c.done
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was torn down, or nil while it is usable.
func (c *Connection) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt64(&c.state))
}

// URL returns the WebSocket URL of the connection.
func (c *Connection) URL() string {
	return c.wsURL
}

// Waiter is a pending one-shot event subscription.
type Waiter struct {
	conn *Connection
	name string
	ch   <-chan *Event
}

// C returns the channel the event will be delivered on.
func (w *Waiter) C() <-chan *Event {
	return w.ch
}

// Wait blocks until the event arrives, ctx is done or the connection is torn
// down. In the latter two cases the waiter is removed.
func (w *Waiter) Wait(ctx context.Context) (*Event, error) {
	select {
	case evt := <-w.ch:
		return evt, nil
	case <-w.conn.done:
		w.Cancel()
		return nil, w.conn.Err()
	case <-ctx.Done():
		w.Cancel()
		return nil, fmt.Errorf("waiting for %s: %w", w.name, ctx.Err())
	}
}

// Cancel removes the waiter if it has not fired yet.
func (w *Waiter) Cancel() {
	w.conn.events.forget(w.name, w.ch)
}
