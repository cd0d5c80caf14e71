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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/cdpdriver/cdp/domains"
	"github.com/grafana/cdpdriver/log"
)

const (
	BrowserStateStarting int64 = iota
	BrowserStateReady
	BrowserStateRestarting
	BrowserStateClosed
)

// DefaultRestartDelay is the pause between two failed attempts to bring a
// crashed browser back.
const DefaultRestartDelay = time.Second

// closeTimeout bounds the Browser.close request sent before the process is
// killed.
const closeTimeout = time.Second

// BrowserVersion is the answer of Browser.getVersion.
type BrowserVersion struct {
	ProtocolVersion string
	Product         string
	Revision        string
	UserAgent       string
	JSVersion       string
}

// Browser supervises a browser process and hands out its pages.
//
// One of the pages, the control page, is only used to manage targets. When
// the process exits the browser is started again; pages handed out before
// that stay cached but their connections are dead.
type Browser struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	proc   Process
	dir    *TargetDirectory
	logger *log.Logger

	readyMu sync.Mutex
	ready   chan struct{}

	controlMu sync.RWMutex
	control   *Page

	pagesMu sync.Mutex
	pages   map[string]*Page

	restartDelay time.Duration
}

// BrowserOption customizes a Browser.
type BrowserOption func(*Browser)

// WithRestartDelay sets the pause between failed restart attempts.
func WithRestartDelay(d time.Duration) BrowserOption {
	return func(b *Browser) {
		b.restartDelay = d
	}
}

// NewBrowser returns a Browser for proc, whose targets are listed by dir.
// The browser stops when ctx is done.
func NewBrowser(ctx context.Context, proc Process, dir *TargetDirectory, logger *log.Logger, opts ...BrowserOption) *Browser {
	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		ctx:          ctx,
		cancelFn:     cancel,
		state:        BrowserStateStarting,
		proc:         proc,
		dir:          dir,
		logger:       logger,
		ready:        make(chan struct{}),
		pages:        make(map[string]*Page),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start starts the process, connects to the control page and supervises the
// process from then on.
func (b *Browser) Start(ctx context.Context) error {
	b.logger.Debugf("Browser:Start", "endpoint:%q", b.dir.Endpoint())

	exited, err := b.initialize(ctx)
	if err != nil {
		return fmt.Errorf("starting browser: %w", err)
	}
	b.setReady()

	go b.supervise(exited)

	return nil
}

// initialize starts the process and sets up the control page.
func (b *Browser) initialize(ctx context.Context) (<-chan struct{}, error) {
	exited, err := b.proc.Start(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	control, err := b.connectControl(ctx)
	if err != nil {
		b.proc.Stop()
		return nil, err
	}

	b.controlMu.Lock()
	b.control = control
	b.controlMu.Unlock()

	return exited, nil
}

func (b *Browser) connectControl(ctx context.Context) (*Page, error) {
	targets, err := b.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	desc, ok := pickDefault(targets)
	if !ok {
		return nil, fmt.Errorf("choosing the control target: %w", ErrTargetNotFound)
	}
	b.logger.Debugf("Browser:connectControl", "tid:%v url:%q", desc.ID, desc.URL)

	// A target listed again after a restart gets a fresh page, even if the
	// connection of the previous one is not torn down yet.
	control, err := b.getPage(ctx, desc, true)
	if err != nil {
		return nil, err
	}
	if err := domains.NewTarget(control.conn).SetDiscoverTargets(ctx, true); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return control, nil
}

// pickDefault picks the target showing DefaultPageURL, or the first one.
func pickDefault(targets []TargetDescriptor) (TargetDescriptor, bool) {
	if len(targets) == 0 {
		return TargetDescriptor{}, false
	}
	for _, t := range targets {
		if t.URL == DefaultPageURL {
			return t, true
		}
	}
	return targets[0], true
}

func (b *Browser) supervise(exited <-chan struct{}) {
	for {
		select {
		case <-exited:
		case <-b.ctx.Done():
			return
		}
		if b.ctx.Err() != nil || b.State() == BrowserStateClosed {
			return
		}

		b.logger.Warnf("Browser:supervise", "browser process exited, restarting")
		b.setRestarting()

		var err error
		for {
			if exited, err = b.initialize(b.ctx); err == nil {
				break
			}
			b.logger.Errorf("Browser:supervise", "restarting browser: %v, retrying in %s", err, b.restartDelay)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.restartDelay):
			}
		}

		b.logger.Infof("Browser:supervise", "browser restarted")
		b.setReady()
	}
}

func (b *Browser) setReady() {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()

	if b.State() == BrowserStateClosed {
		return
	}
	atomic.StoreInt64(&b.state, BrowserStateReady)
	close(b.ready)
}

func (b *Browser) setRestarting() {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()

	if b.State() == BrowserStateClosed {
		return
	}
	atomic.StoreInt64(&b.state, BrowserStateRestarting)
	b.ready = make(chan struct{})
}

// waitReady blocks until the browser is ready.
func (b *Browser) waitReady(ctx context.Context) error {
	b.readyMu.Lock()
	ready := b.ready
	b.readyMu.Unlock()

	select {
	case <-ready:
		if b.State() == BrowserStateClosed {
			return ErrBrowserClosed
		}
		return nil
	case <-b.ctx.Done():
		return ErrBrowserClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for the browser: %w", ctx.Err())
	}
}

func (b *Browser) controlPage() *Page {
	b.controlMu.RLock()
	defer b.controlMu.RUnlock()
	return b.control
}

// Open opens a new page showing url.
func (b *Browser) Open(ctx context.Context, url string) (*Page, error) {
	if err := b.waitReady(ctx); err != nil {
		return nil, err
	}
	b.logger.Debugf("Browser:Open", "url:%q", url)

	id, err := domains.NewTarget(b.controlPage().conn).CreateTarget(ctx, url)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	// The new target's WebSocket URL is only known by the directory.
	targets, err := b.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.ID == id {
			return b.Get(ctx, t)
		}
	}

	return nil, fmt.Errorf("opening %q: %w: %q", url, ErrTargetNotFound, id)
}

// CloseTarget closes the target id.
func (b *Browser) CloseTarget(ctx context.Context, id string) error {
	if err := b.waitReady(ctx); err != nil {
		return err
	}
	b.logger.Debugf("Browser:CloseTarget", "tid:%v", id)

	return domains.NewTarget(b.controlPage().conn).CloseTarget(ctx, id) //nolint:wrapcheck
}

// Get returns the page of the target desc, connecting to it the first time.
// It returns the same page for the same target ID.
func (b *Browser) Get(ctx context.Context, desc TargetDescriptor) (*Page, error) {
	if err := b.waitReady(ctx); err != nil {
		return nil, err
	}

	return b.getPage(ctx, desc, false)
}

// getPage returns the cached page for desc or connects to it. With replace,
// a new page is connected and the cached one, if any, is disconnected.
//
// Connecting happens outside of pagesMu, so a slow target does not hold up
// the others. When two callers race for the same target, the first page
// stored wins and the other one is disconnected.
func (b *Browser) getPage(ctx context.Context, desc TargetDescriptor, replace bool) (*Page, error) {
	if !replace {
		if p, ok := b.cachedPage(desc.ID); ok {
			return p, nil
		}
	}

	p, err := newPage(b.ctx, ctx, desc, b, b.logger)
	if err != nil {
		return nil, err
	}

	b.pagesMu.Lock()
	old, ok := b.pages[desc.ID]
	if ok && !replace {
		b.pagesMu.Unlock()
		p.Disconnect()
		return old, nil
	}
	b.pages[desc.ID] = p
	b.pagesMu.Unlock()

	if ok {
		b.logger.Debugf("Browser:getPage", "tid:%v replacing cached page", desc.ID)
		old.Disconnect()
	}

	return p, nil
}

func (b *Browser) cachedPage(id string) (*Page, bool) {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()

	p, ok := b.pages[id]
	return p, ok
}

// Pages returns every page handed out so far.
func (b *Browser) Pages() []*Page {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()

	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	return pages
}

// Targets lists the current targets of the browser.
func (b *Browser) Targets(ctx context.Context) ([]TargetDescriptor, error) {
	return b.dir.List(ctx)
}

// Version returns the versions reported by the browser.
func (b *Browser) Version(ctx context.Context) (*BrowserVersion, error) {
	if err := b.waitReady(ctx); err != nil {
		return nil, err
	}

	protocol, product, revision, ua, js, err := domains.NewBrowser(b.controlPage().conn).GetVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting browser version: %w", err)
	}

	return &BrowserVersion{
		ProtocolVersion: protocol,
		Product:         product,
		Revision:        revision,
		UserAgent:       ua,
		JSVersion:       js,
	}, nil
}

// State returns the state of the browser, one of the BrowserState
// constants.
func (b *Browser) State() int64 {
	return atomic.LoadInt64(&b.state)
}

// Close asks the browser to close, stops the supervision, kills the process
// and disconnects every page.
func (b *Browser) Close() {
	b.readyMu.Lock()
	if b.State() == BrowserStateClosed {
		b.readyMu.Unlock()
		return
	}
	atomic.StoreInt64(&b.state, BrowserStateClosed)
	b.readyMu.Unlock()

	b.logger.Debugf("Browser:Close", "endpoint:%q", b.dir.Endpoint())
	if control := b.controlPage(); control != nil {
		ctx, cancel := context.WithTimeout(b.ctx, closeTimeout)
		if err := domains.NewBrowser(control.conn).Close(ctx); err != nil {
			b.logger.Debugf("Browser:Close", "closing gracefully: %v", err)
		}
		cancel()
	}
	b.cancelFn()
	b.proc.Stop()
	for _, p := range b.Pages() {
		p.Disconnect()
	}
}
