/*
 *
 * cdpdriver - a Chrome DevTools protocol driver
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t             testing.TB
	Mux           *http.ServeMux
	ServerHTTP    *httptest.Server
	HTTPTransport *http.Transport
	Context       context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)

	// Pre-configure the HTTP client transport with shorter timeouts (incl. HTTP2 support)
	dialer := &net.Dialer{
		Timeout:   2 * time.Second,
		KeepAlive: 10 * time.Second,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	require.NoError(t, http2.ConfigureTransport(transport))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.CloseClientConnections()
		server.Close()
	})
	s := &Server{
		t:             t,
		Mux:           mux,
		ServerHTTP:    server,
		HTTPTransport: transport,
		Context:       ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the HTTP base URL of the server, e.g. http://127.0.0.1:1234.
func (s *Server) URL() string {
	return s.ServerHTTP.URL
}

// WebSocketURL returns the ws:// URL of path on the server.
func (s *Server) WebSocketURL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return "ws://" + u.Host + path
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(s.t, err)
	return port
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CDPHandler is called for every message a peer receives.
type CDPHandler func(p *Peer, msg *cdproto.Message)

// Recorder keeps the methods of the requests received by a CDP handler.
type Recorder struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (r *Recorder) record(method cdproto.MethodType) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
}

// Methods returns the received methods in arrival order.
func (r *Recorder) Methods() []cdproto.MethodType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cdproto.MethodType(nil), r.methods...)
}

// Count returns how many times method was received.
func (r *Recorder) Count(method cdproto.MethodType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.methods {
		if m == method {
			n++
		}
	}
	return n
}

// Peer is the server side of one CDP WebSocket connection.
type Peer struct {
	// Path is the request path the peer connected to.
	Path string

	conn    *websocket.Conn
	writeCh chan []byte
	done    chan struct{}
	once    sync.Once
}

// Send writes msg to the client.
func (p *Peer) Send(msg cdproto.Message) {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	buf, err := encoder.BuildBytes()
	if err != nil {
		return
	}
	p.SendRaw(buf)
}

// SendRaw writes buf to the client as a text frame, as is.
func (p *Peer) SendRaw(buf []byte) {
	select {
	case p.writeCh <- buf:
	case <-p.done:
	}
}

// Reply answers msg with a raw JSON result.
func (p *Peer) Reply(msg *cdproto.Message, result string) {
	p.Send(cdproto.Message{
		ID:     msg.ID,
		Result: easyjson.RawMessage(result),
	})
}

// ReplyError answers msg with a protocol error.
func (p *Peer) ReplyError(msg *cdproto.Message, code int64, message string) {
	p.Send(cdproto.Message{
		ID:    msg.ID,
		Error: &cdproto.Error{Code: code, Message: message},
	})
}

// Emit sends an event with raw JSON params.
func (p *Peer) Emit(method cdproto.MethodType, params string) {
	p.Send(cdproto.Message{
		Method: method,
		Params: easyjson.RawMessage(params),
	})
}

// Drop closes the connection without a close handshake.
func (p *Peer) Drop() {
	p.shutdown()
	_ = p.conn.Close()
}

// Done is closed once the peer is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) shutdown() {
	p.once.Do(func() { close(p.done) })
}

func (p *Peer) readLoop(fn CDPHandler, rec *Recorder) {
	read := func() (*cdproto.Message, error) {
		_, buf, err := p.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var msg cdproto.Message
		decoder := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&decoder)
		if err := decoder.Error(); err != nil {
			return nil, err
		}

		return &msg, nil
	}

	for {
		select {
		case <-p.done:
			return
		default:
		}

		msg, err := read()
		if err != nil {
			p.shutdown()
			return
		}

		if msg.Method != "" {
			rec.record(msg.Method)
		}

		fn(p, msg)
	}
}

func (p *Peer) writeLoop() {
	write := func(buf []byte) error {
		writer, err := p.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return err
		}
		if _, err := writer.Write(buf); err != nil {
			return err
		}
		return writer.Close()
	}

	for {
		select {
		case buf := <-p.writeCh:
			if err := write(buf); err != nil {
				p.shutdown()
				return
			}
		case <-p.done:
			return
		}
	}
}

func serveCDP(fn CDPHandler, rec *Recorder, onConnect func(*Peer)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		p := &Peer{
			Path:    req.URL.Path,
			conn:    conn,
			writeCh: make(chan []byte),
			done:    make(chan struct{}),
		}
		if onConnect != nil {
			onConnect(p)
		}

		go p.readLoop(fn, rec)
		go p.writeLoop()

		<-p.done // Wait for done channel to be closed before closing connection
		_ = conn.Close()
	}
}

// WithCDPHandler attaches a custom CDP handler function to Server.
// rec may be nil.
func WithCDPHandler(path string, fn CDPHandler, rec *Recorder) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle(path, serveCDP(fn, rec, nil))
	}
}

// CDPDefaultHandler answers every request with an empty result.
func CDPDefaultHandler(p *Peer, msg *cdproto.Message) {
	if msg.Method == "" {
		return
	}
	p.Reply(msg, "{}")
}
