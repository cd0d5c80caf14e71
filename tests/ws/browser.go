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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultPageURL is the URL of the target a freshly launched browser shows.
const DefaultPageURL = "about:blank#default-page"

// ScreenshotData is what Page.captureScreenshot returns, before encoding.
var ScreenshotData = []byte("\x89PNG fake screenshot")

// Target is a target known to the fake browser.
type Target struct {
	ID    string
	Type  string
	Title string
	URL   string
}

// EvaluateFunc produces the outcome of a Runtime.evaluate request. value is
// the raw JSON of the evaluated value; a non-empty exception makes the
// evaluation throw with that description.
type EvaluateFunc func(expression string, awaitPromise bool) (value string, exception string)

// Browser fakes the discovery endpoint and the per-target channels of a CDP
// compatible browser. Every target is served at /devtools/page/<id>.
type Browser struct {
	*Server
	Recorder *Recorder

	mu       sync.Mutex
	targets  []Target
	peers    map[string][]*Peer
	nextID   int
	evaluate EvaluateFunc
	handlers map[cdproto.MethodType]CDPHandler
}

// NewBrowser returns a running fake browser with a single default target.
func NewBrowser(t testing.TB, opts ...func(*Browser)) *Browser {
	t.Helper()

	b := &Browser{
		Server:   NewServer(t),
		Recorder: &Recorder{},
		targets: []Target{
			{ID: "default", Type: "page", URL: DefaultPageURL},
		},
		peers:    make(map[string][]*Peer),
		handlers: make(map[cdproto.MethodType]CDPHandler),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.Mux.HandleFunc("/json", b.serveList)
	b.Mux.HandleFunc("/json/list", b.serveList)
	b.Mux.HandleFunc("/json/version", b.serveVersion)
	b.Mux.Handle("/devtools/page/", serveCDP(b.handle, b.Recorder, b.connected))

	return b
}

// WithTargets replaces the initial target list.
func WithTargets(targets ...Target) func(*Browser) {
	return func(b *Browser) {
		b.targets = append([]Target(nil), targets...)
	}
}

// WithEvaluate sets how Runtime.evaluate requests are answered.
func WithEvaluate(fn EvaluateFunc) func(*Browser) {
	return func(b *Browser) {
		b.evaluate = fn
	}
}

// WithMethodHandler overrides how requests for method are answered.
func WithMethodHandler(method cdproto.MethodType, fn CDPHandler) func(*Browser) {
	return func(b *Browser) {
		b.handlers[method] = fn
	}
}

// Targets returns a snapshot of the current targets.
func (b *Browser) Targets() []Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Target(nil), b.targets...)
}

// Peers returns the connections made to the target id so far.
func (b *Browser) Peers(id string) []*Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Peer(nil), b.peers[id]...)
}

// DropAll closes every open target connection abruptly, the way a crashing
// browser would.
func (b *Browser) DropAll() {
	b.mu.Lock()
	var peers []*Peer
	for _, pp := range b.peers {
		peers = append(peers, pp...)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.Drop()
	}
}

// Descriptor is a target as listed by the discovery endpoint.
type Descriptor struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
}

func (b *Browser) serveList(w http.ResponseWriter, _ *http.Request) {
	list := make([]Descriptor, 0)
	for _, t := range b.Targets() {
		list = append(list, Descriptor{
			ID:                   t.ID,
			Title:                t.Title,
			Type:                 t.Type,
			URL:                  t.URL,
			WebSocketDebuggerURL: b.WebSocketURL("/devtools/page/" + t.ID),
			DevtoolsFrontendURL:  "/devtools/inspector.html?ws=" + strings.TrimPrefix(b.WebSocketURL("/devtools/page/"+t.ID), "ws://"),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (b *Browser) serveVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "HeadlessChrome/95.0.4638.69",
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 HeadlessChrome/95.0.4638.69",
		"V8-Version":           "9.5.172.25",
		"WebKit-Version":       "537.36",
		"webSocketDebuggerUrl": b.WebSocketURL("/devtools/browser/fake"),
	})
}

func (b *Browser) connected(p *Peer) {
	id := strings.TrimPrefix(p.Path, "/devtools/page/")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[id] = append(b.peers[id], p)
}

func (b *Browser) handle(p *Peer, msg *cdproto.Message) {
	if msg.Method == "" {
		return
	}

	b.mu.Lock()
	custom := b.handlers[msg.Method]
	b.mu.Unlock()
	if custom != nil {
		custom(p, msg)
		return
	}

	switch msg.Method {
	case cdproto.CommandTargetCreateTarget:
		var params target.CreateTargetParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			p.ReplyError(msg, -32602, err.Error())
			return
		}
		b.mu.Lock()
		b.nextID++
		id := fmt.Sprintf("target-%d", b.nextID)
		b.targets = append(b.targets, Target{ID: id, Type: "page", URL: params.URL})
		b.mu.Unlock()
		p.Reply(msg, fmt.Sprintf(`{"targetId":%q}`, id))

	case cdproto.CommandTargetCloseTarget:
		var params target.CloseTargetParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			p.ReplyError(msg, -32602, err.Error())
			return
		}
		if !b.removeTarget(string(params.TargetID)) {
			p.ReplyError(msg, -32000, "No target with given id found")
			return
		}
		p.Reply(msg, `{"success":true}`)

	case cdproto.CommandBrowserGetVersion:
		p.Reply(msg, `{
			"protocolVersion":"1.3",
			"product":"HeadlessChrome/95.0.4638.69",
			"revision":"@f98f7ba6d6e0d1ea2ba0efd5e7c2d7a3e1e2b6c4",
			"userAgent":"Mozilla/5.0 HeadlessChrome/95.0.4638.69",
			"jsVersion":"9.5.172.25"
		}`)

	case cdproto.CommandRuntimeEvaluate:
		var params runtime.EvaluateParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			p.ReplyError(msg, -32602, err.Error())
			return
		}
		b.replyEvaluate(p, msg, &params)

	case cdproto.CommandPageNavigate:
		var params page.NavigateParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			p.ReplyError(msg, -32602, err.Error())
			return
		}
		id := strings.TrimPrefix(p.Path, "/devtools/page/")
		b.setURL(id, params.URL)
		p.Reply(msg, fmt.Sprintf(`{"frameId":%q,"loaderId":"loader-1"}`, id))
		p.Emit(cdproto.EventPageLoadEventFired, `{"timestamp":1}`)

	case cdproto.CommandPageCaptureScreenshot:
		p.Reply(msg, fmt.Sprintf(`{"data":%q}`, base64.StdEncoding.EncodeToString(ScreenshotData)))

	default:
		p.Reply(msg, "{}")
	}
}

func (b *Browser) replyEvaluate(p *Peer, msg *cdproto.Message, params *runtime.EvaluateParams) {
	b.mu.Lock()
	fn := b.evaluate
	b.mu.Unlock()

	if fn == nil {
		p.Reply(msg, `{"result":{"type":"undefined"}}`)
		return
	}

	value, exception := fn(params.Expression, params.AwaitPromise)
	if exception != "" {
		p.Reply(msg, fmt.Sprintf(`{
			"result":{"type":"object","subtype":"error","description":%[1]q},
			"exceptionDetails":{
				"exceptionId":1,
				"text":"Uncaught",
				"lineNumber":0,
				"columnNumber":0,
				"exception":{"type":"object","subtype":"error","description":%[1]q}
			}
		}`, exception))
		return
	}

	p.Reply(msg, fmt.Sprintf(`{"result":%s}`, RemoteObject(value)))
}

// RemoteObject returns the JSON of a by-value RemoteObject holding value.
func RemoteObject(value string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "" || value == "undefined":
		return `{"type":"undefined"}`
	case value == "null":
		return `{"type":"object","subtype":"null","value":null}`
	case value == "true" || value == "false":
		return fmt.Sprintf(`{"type":"boolean","value":%s}`, value)
	case strings.HasPrefix(value, `"`):
		return fmt.Sprintf(`{"type":"string","value":%s}`, value)
	case strings.HasPrefix(value, "{") || strings.HasPrefix(value, "["):
		return fmt.Sprintf(`{"type":"object","value":%s}`, value)
	default:
		return fmt.Sprintf(`{"type":"number","value":%s,"description":%q}`, value, value)
	}
}

func (b *Browser) removeTarget(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.targets {
		if t.ID == id {
			b.targets = append(b.targets[:i:i], b.targets[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Browser) setURL(id, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.targets {
		if b.targets[i].ID == id {
			b.targets[i].URL = url
		}
	}
}
