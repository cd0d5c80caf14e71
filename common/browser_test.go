package common

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/tests/ws"
)

func TestPickDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		targets []TargetDescriptor
		wantID  string
		wantOK  bool
	}{
		{
			name: "default_page",
			targets: []TargetDescriptor{
				{ID: "A", URL: "about:blank"},
				{ID: "B", URL: DefaultPageURL},
			},
			wantID: "B",
			wantOK: true,
		},
		{
			name: "first_target",
			targets: []TargetDescriptor{
				{ID: "A", URL: "about:blank"},
				{ID: "B", URL: "http://example.com/"},
			},
			wantID: "A",
			wantOK: true,
		},
		{
			name: "no_targets",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := pickDefault(tc.targets)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantID, got.ID)
		})
	}
}

func TestBrowserStart(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t, ws.WithTargets(
		ws.Target{ID: "A", Type: "page", URL: "about:blank"},
		ws.Target{ID: "B", Type: "page", URL: DefaultPageURL},
	))
	b := newTestBrowser(t, fb, &fakeProcess{})

	assert.Equal(t, BrowserStateReady, b.State())
	require.NotNil(t, b.controlPage())
	assert.Equal(t, "B", b.controlPage().ID())
	assert.Equal(t, 1, fb.Recorder.Count(cdproto.CommandTargetSetDiscoverTargets))
	require.Len(t, fb.Peers("B"), 1)
	assert.Empty(t, fb.Peers("A"))
}

func TestBrowserStartFailure(t *testing.T) {
	t.Parallel()

	t.Run("process", func(t *testing.T) {
		t.Parallel()

		fb := ws.NewBrowser(t)
		proc := &fakeProcess{}
		proc.failNext(1)
		logger := log.NewNullLogger()
		b := NewBrowser(context.Background(), proc, newTestDirectory(fb, logger), logger)
		t.Cleanup(b.Close)

		err := b.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "starting browser")
		assert.Equal(t, BrowserStateStarting, b.State())
	})

	t.Run("no_targets", func(t *testing.T) {
		t.Parallel()

		fb := ws.NewBrowser(t, ws.WithTargets())
		proc := &fakeProcess{}
		logger := log.NewNullLogger()
		b := NewBrowser(context.Background(), proc, newTestDirectory(fb, logger), logger)
		t.Cleanup(b.Close)

		err := b.Start(context.Background())
		require.ErrorIs(t, err, ErrTargetNotFound)
		assert.Equal(t, 1, proc.Stops(), "the process is stopped when the control page fails")
	})
}

func TestBrowserGet(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t, ws.WithTargets(
		ws.Target{ID: "default", Type: "page", URL: DefaultPageURL},
		ws.Target{ID: "other", Type: "page", URL: "http://example.com/"},
	))
	b := newTestBrowser(t, fb, &fakeProcess{})
	ctx := context.Background()

	targets, err := b.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	p1, err := b.Get(ctx, targets[1])
	require.NoError(t, err)
	p2, err := b.Get(ctx, targets[1])
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, "other", p1.ID())
	assert.Len(t, fb.Peers("other"), 1, "a target is connected to once")

	control, err := b.Get(ctx, targets[0])
	require.NoError(t, err)
	assert.Same(t, b.controlPage(), control)
	assert.NotSame(t, p1, control)
	assert.Len(t, b.Pages(), 2)
}

func TestBrowserGetContext(t *testing.T) {
	t.Parallel()

	// The slow target never answers Runtime.enable.
	fb := ws.NewBrowser(t,
		ws.WithTargets(
			ws.Target{ID: "default", Type: "page", URL: DefaultPageURL},
			ws.Target{ID: "slow", Type: "page", URL: "http://example.com/"},
		),
		ws.WithMethodHandler(cdproto.CommandRuntimeEnable, func(p *ws.Peer, msg *cdproto.Message) {
			if strings.HasSuffix(p.Path, "/slow") {
				return
			}
			p.Reply(msg, "{}")
		}),
	)
	b := newTestBrowser(t, fb, &fakeProcess{})

	targets, err := b.Targets(context.Background())
	require.NoError(t, err)
	var slow TargetDescriptor
	for _, td := range targets {
		if td.ID == "slow" {
			slow = td
		}
	}
	require.Equal(t, "slow", slow.ID)

	blockedCtx, cancelBlocked := context.WithCancel(context.Background())
	defer cancelBlocked()
	blocked := make(chan error, 1)
	go func() {
		_, err := b.Get(blockedCtx, slow)
		blocked <- err
	}()
	require.Eventually(t, func() bool {
		return len(fb.Peers("slow")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The page cache stays usable while a target is connecting.
	pages := make(chan []*Page, 1)
	go func() { pages <- b.Pages() }()
	select {
	case got := <-pages:
		assert.Len(t, got, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("Pages blocked by a connecting target")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = b.Get(ctx, slow)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	cancelBlocked()
	select {
	case err := <-blocked:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return when its context was canceled")
	}
	assert.Len(t, b.Pages(), 1, "a page that failed to connect is not cached")
}

func TestBrowserOpenAndCloseTarget(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	b := newTestBrowser(t, fb, &fakeProcess{})
	ctx := context.Background()

	p, err := b.Open(ctx, "http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "target-1", p.ID())
	assert.Equal(t, "http://example.com/", p.URL())
	assert.Equal(t, 1, fb.Recorder.Count(cdproto.CommandTargetCreateTarget))

	p2, err := b.Open(ctx, "http://example.com/2")
	require.NoError(t, err)
	assert.Equal(t, "target-2", p2.ID())

	require.NoError(t, p.Close(ctx))
	ids := make([]string, 0)
	for _, tg := range fb.Targets() {
		ids = append(ids, tg.ID)
	}
	assert.Equal(t, []string{"default", "target-2"}, ids)

	err = b.CloseTarget(ctx, "target-1")
	require.Error(t, err, "closing an unknown target")
}

func TestBrowserVersion(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	b := newTestBrowser(t, fb, &fakeProcess{})

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3", v.ProtocolVersion)
	assert.Equal(t, "HeadlessChrome/95.0.4638.69", v.Product)
	assert.Equal(t, "9.5.172.25", v.JSVersion)
}

func TestBrowserNotReady(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	logger := log.NewNullLogger()
	b := NewBrowser(context.Background(), &fakeProcess{}, newTestDirectory(fb, logger), logger)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Open(ctx, "http://example.com/")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrowserRestart(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	proc := &fakeProcess{}
	b := newTestBrowser(t, fb, proc)
	ctx := context.Background()

	before := b.controlPage()
	fb.DropAll()
	proc.failNext(2)
	proc.crash()

	require.Eventually(t, func() bool {
		return proc.Starts() >= 4 && b.State() == BrowserStateReady
	}, 5*time.Second, 10*time.Millisecond)

	after := b.controlPage()
	assert.NotSame(t, before, after)
	assert.Equal(t, "default", after.ID())

	// The browser is usable again.
	p, err := b.Open(ctx, "http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", p.URL())
}

func TestBrowserRestartReplacesControlPage(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	proc := &fakeProcess{}
	b := newTestBrowser(t, fb, proc)

	before := b.controlPage()
	// The process exits while its control connection is still up.
	proc.crash()

	require.Eventually(t, func() bool {
		return proc.Starts() >= 2 && b.State() == BrowserStateReady
	}, 5*time.Second, 10*time.Millisecond)

	after := b.controlPage()
	assert.NotSame(t, before, after)
	select {
	case <-before.Connection().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("the previous control page is still connected")
	}
	assert.Len(t, fb.Peers("default"), 2)

	got, err := b.Get(context.Background(), after.Descriptor())
	require.NoError(t, err)
	assert.Same(t, after, got)
}

func TestBrowserClose(t *testing.T) {
	t.Parallel()

	fb := ws.NewBrowser(t)
	proc := &fakeProcess{}
	b := newTestBrowser(t, fb, proc)
	ctx := context.Background()

	p, err := b.Open(ctx, "http://example.com/")
	require.NoError(t, err)

	b.Close()
	assert.Equal(t, BrowserStateClosed, b.State())
	assert.Equal(t, 1, proc.Stops())
	assert.Equal(t, 1, fb.Recorder.Count(cdproto.CommandBrowserClose))

	select {
	case <-p.Connection().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("page was not disconnected")
	}

	_, err = b.Open(ctx, "http://example.com/")
	require.ErrorIs(t, err, ErrBrowserClosed)

	// Closing twice is fine, and a closed browser isn't restarted.
	b.Close()
	assert.Equal(t, 1, proc.Starts())
}
