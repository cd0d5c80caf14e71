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

package common

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpdriver/cdp"
	"github.com/grafana/cdpdriver/cdp/domains"
	"github.com/grafana/cdpdriver/common/js"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/storage"
)

const (
	// DefaultPollTimeout bounds PollUntil when no timeout is given.
	DefaultPollTimeout = 10 * time.Second

	pollInterval = 10 * time.Millisecond

	screenshotBufferPoolSize = 8
)

var screenshotPersister = storage.NewBufferedPersister( //nolint:gochecknoglobals
	&storage.LocalFilePersister{}, screenshotBufferPoolSize,
)

// targetCloser closes targets on behalf of a page.
type targetCloser interface {
	CloseTarget(ctx context.Context, id string) error
}

// Page is a connected target.
type Page struct {
	desc   TargetDescriptor
	conn   *cdp.Connection
	closer targetCloser
	logger *log.Logger

	page    domains.Page
	runtime domains.Runtime

	persister *storage.BufferedPersister
}

// NewPage connects to the target described by desc and enables the runtime
// and page domains on it. The connection lives until ctx is done or the
// page is disconnected.
func NewPage(ctx context.Context, desc TargetDescriptor, closer targetCloser, logger *log.Logger) (*Page, error) {
	return newPage(ctx, ctx, desc, closer, logger)
}

// newPage is NewPage with a connection living until connCtx is done, while
// enabling the domains is bounded by ctx.
func newPage(
	connCtx, ctx context.Context, desc TargetDescriptor, closer targetCloser, logger *log.Logger,
) (*Page, error) {
	conn := cdp.NewConnection(connCtx, desc.WebSocketDebuggerURL, logger)
	p := &Page{
		desc:      desc,
		conn:      conn,
		closer:    closer,
		logger:    logger,
		page:      domains.NewPage(conn),
		runtime:   domains.NewRuntime(conn),
		persister: screenshotPersister,
	}

	conn.On(string(cdproto.EventRuntimeConsoleAPICalled), p.onConsoleAPICalled)

	if err := p.runtime.Enable(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing page %q: %w", desc.ID, err)
	}
	if err := p.page.Enable(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing page %q: %w", desc.ID, err)
	}
	p.logger.Debugf("Page:NewPage", "tid:%v url:%q", desc.ID, desc.URL)

	return p, nil
}

func (p *Page) onConsoleAPICalled(evt *cdp.Event) {
	var ev cdpruntime.EventConsoleAPICalled
	if err := evt.Decode(&ev); err != nil {
		p.logger.Errorf("Page:onConsoleAPICalled", "tid:%v decoding event: %v", p.desc.ID, err)
		return
	}

	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		parts = append(parts, formatRemoteObject(arg))
	}

	logf := p.logger.Infof
	switch ev.Type {
	case cdpruntime.APITypeError, cdpruntime.APITypeAssert:
		logf = p.logger.Errorf
	case cdpruntime.APITypeWarning:
		logf = p.logger.Warnf
	case cdpruntime.APITypeDebug:
		logf = p.logger.Debugf
	}
	for _, line := range strings.Split(strings.Join(parts, " "), "\n") {
		logf("console", "%s", line)
	}
}

func formatRemoteObject(o *cdpruntime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	if o.Description != "" {
		return o.Description
	}

	return string(o.Type)
}

// ID returns the target ID of the page.
func (p *Page) ID() string {
	return p.desc.ID
}

// URL returns the URL the page had when it was listed.
func (p *Page) URL() string {
	return p.desc.URL
}

// Descriptor returns the descriptor the page was opened with.
func (p *Page) Descriptor() TargetDescriptor {
	return p.desc
}

// Connection returns the CDP connection of the page.
func (p *Page) Connection() *cdp.Connection {
	return p.conn
}

// Send issues a raw CDP request on the page.
func (p *Page) Send(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error) {
	return p.conn.Send(ctx, method, params) //nolint:wrapcheck
}

// On calls fn for every event called name until remove is called.
func (p *Page) On(name string, fn cdp.Listener) (remove func()) {
	return p.conn.On(name, fn)
}

// Once returns a waiter for the next event called name.
func (p *Page) Once(name string) *cdp.Waiter {
	return p.conn.Once(name)
}

// Wait blocks until the next event called name.
func (p *Page) Wait(ctx context.Context, name string) (*cdp.Event, error) {
	return p.conn.Wait(ctx, name) //nolint:wrapcheck
}

// Navigate navigates the page to url and, if waitForLoad is set, waits for
// the load event of the new document.
func (p *Page) Navigate(ctx context.Context, url string, waitForLoad bool) error {
	p.logger.Debugf("Page:Navigate", "tid:%v url:%q waitForLoad:%t", p.desc.ID, url, waitForLoad)

	var loaded *cdp.Waiter
	if waitForLoad {
		loaded = p.conn.Once(string(cdproto.EventPageLoadEventFired))
	}
	cancel := func() {
		if loaded != nil {
			loaded.Cancel()
		}
	}

	_, errorText, err := p.page.Navigate(ctx, url)
	if err != nil {
		cancel()
		return err //nolint:wrapcheck
	}
	if errorText != "" {
		cancel()
		return fmt.Errorf("%w: %s at %q", ErrNavigation, errorText, url)
	}
	if loaded == nil {
		return nil
	}
	if _, err := loaded.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for %q to load: %w", url, err)
	}

	return nil
}

// Execute evaluates code in the page and returns its value as JSON. An
// expression that throws fails with the *runtime.ExceptionDetails sent by
// the browser.
func (p *Page) Execute(ctx context.Context, code string) (easyjson.RawMessage, error) {
	res, err := p.runtime.Evaluate(ctx, code, false)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return res.Value, nil
}

// ExecuteWithArgs calls the function fn, given as source, with args.
func (p *Page) ExecuteWithArgs(ctx context.Context, fn string, args ...interface{}) (easyjson.RawMessage, error) {
	res, err := p.call(ctx, newJSCall(fn, args...))
	if err != nil {
		return nil, err
	}

	return res.Value, nil
}

// ExecuteWithArgsAsync is like ExecuteWithArgs but waits for the promise
// returned by fn to settle.
func (p *Page) ExecuteWithArgsAsync(ctx context.Context, fn string, args ...interface{}) (easyjson.RawMessage, error) {
	call := newJSCall(fn, args...)
	call.async = true
	res, err := p.call(ctx, call)
	if err != nil {
		return nil, err
	}

	return res.Value, nil
}

func (p *Page) call(ctx context.Context, c *jsCall) (*cdpruntime.RemoteObject, error) {
	expr, err := c.expression()
	if err != nil {
		return nil, err
	}

	return p.runtime.Evaluate(ctx, expr, c.async) //nolint:wrapcheck
}

// PollUntil calls fn with args every 10ms until it returns a truthy value,
// which is returned. It gives up with ErrTimeout after timeout, or
// DefaultPollTimeout when timeout is zero. An evaluation error stops the
// polling right away.
func (p *Page) PollUntil(
	ctx context.Context, fn string, timeout time.Duration, args ...interface{},
) (easyjson.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	attempts := int(timeout / pollInterval)
	if attempts < 1 {
		attempts = 1
	}

	call := newJSCall(fn, args...)
	for i := 0; i < attempts; i++ {
		res, err := p.call(ctx, call)
		if err != nil {
			return nil, err
		}
		if truthy(res) {
			return res.Value, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polling: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}

	return nil, fmt.Errorf("polling for %s (%d attempts): %w", timeout, attempts, ErrTimeout)
}

// truthy tells whether o holds a value JavaScript considers true.
func truthy(o *cdpruntime.RemoteObject) bool {
	if o == nil {
		return false
	}

	switch o.Type {
	case cdpruntime.TypeUndefined:
		return false
	case cdpruntime.TypeBoolean:
		return string(o.Value) == "true"
	case cdpruntime.TypeString:
		var s string
		if err := json.Unmarshal(o.Value, &s); err != nil {
			return false
		}
		return s != ""
	case cdpruntime.TypeNumber:
		switch o.UnserializableValue {
		case "":
		case "NaN", "-0":
			return false
		default:
			// Infinity, -Infinity
			return true
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(string(o.Value)), 64)
		return err == nil && f != 0
	case cdpruntime.TypeBigint:
		return o.UnserializableValue != "0n"
	case cdpruntime.TypeObject:
		return o.Subtype != cdpruntime.SubtypeNull && string(o.Value) != "null"
	default:
		// function, symbol
		return true
	}
}

// SubmitForm posts fields to url through a form built in the page and waits
// for the resulting document to load.
func (p *Page) SubmitForm(ctx context.Context, url string, fields map[string]string) error {
	p.logger.Debugf("Page:SubmitForm", "tid:%v url:%q fields:%d", p.desc.ID, url, len(fields))

	if fields == nil {
		fields = map[string]string{}
	}
	loaded := p.conn.Once(string(cdproto.EventPageLoadEventFired))
	if _, err := p.ExecuteWithArgs(ctx, js.SubmitFormScript, url, fields); err != nil {
		loaded.Cancel()
		return fmt.Errorf("submitting form to %q: %w", url, err)
	}
	if _, err := loaded.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for form submission to %q: %w", url, err)
	}

	return nil
}

// Screenshot captures the page as a PNG and writes it to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	buf, err := p.page.CaptureScreenshot(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if err := p.persister.PersistBytes(ctx, path, buf); err != nil {
		return fmt.Errorf("saving screenshot: %w", err)
	}
	p.logger.Debugf("Page:Screenshot", "tid:%v path:%q bytes:%d", p.desc.ID, path, len(buf))

	return nil
}

// Close closes the target of the page.
func (p *Page) Close(ctx context.Context) error {
	p.logger.Debugf("Page:Close", "tid:%v", p.desc.ID)
	return p.closer.CloseTarget(ctx, p.desc.ID) //nolint:wrapcheck
}

// Disconnect closes the connection to the page, leaving the target open.
func (p *Page) Disconnect() {
	p.conn.Close()
}
