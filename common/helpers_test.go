package common

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/tests/ws"
)

// logCache implements the logrus.Hook interface and could be used to check
// if log messages were outputted.
type logCache struct {
	mu      sync.RWMutex
	entries []logrus.Entry
}

func (lc *logCache) Levels() []logrus.Level { return logrus.AllLevels }

func (lc *logCache) Fire(e *logrus.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries = append(lc.entries, *e)
	return nil
}

// contains returns true if an entry of category has msg in its message.
func (lc *logCache) contains(category, msg string) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, e := range lc.entries {
		if e.Data["category"] == category && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// messages returns the messages logged under category.
func (lc *logCache) messages(category string) []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	var msgs []string
	for _, e := range lc.entries {
		if e.Data["category"] == category {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// level returns the level of the first entry of category whose message is
// msg.
func (lc *logCache) level(category, msg string) (logrus.Level, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, e := range lc.entries {
		if e.Data["category"] == category && e.Message == msg {
			return e.Level, true
		}
	}
	return 0, false
}

func newCachedLogger() (*log.Logger, *logCache) {
	lc := &logCache{}
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	l.AddHook(lc)

	return log.New(l, nil), lc
}

// fakeProcess is a Process whose exits are triggered by the test.
type fakeProcess struct {
	mu       sync.Mutex
	starts   int
	stops    int
	failures int
	exited   chan struct{}
}

var _ Process = &fakeProcess{}

func (p *fakeProcess) Start(context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.starts++
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("fake process failed to start")
	}
	p.exited = make(chan struct{})
	return p.exited, nil
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.crash()
}

// crash makes the current process exit.
func (p *fakeProcess) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited != nil {
		close(p.exited)
		p.exited = nil
	}
}

func (p *fakeProcess) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *fakeProcess) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakeProcess) failNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func newTestDirectory(fb *ws.Browser, logger *log.Logger) *TargetDirectory {
	return NewTargetDirectory(fb.URL(), logger, WithHTTPTransport(fb.HTTPTransport))
}

// newTestBrowser returns a started Browser talking to fb.
func newTestBrowser(t *testing.T, fb *ws.Browser, proc Process) *Browser {
	t.Helper()

	logger := log.NewNullLogger()
	b := NewBrowser(context.Background(), proc, newTestDirectory(fb, logger), logger, WithRestartDelay(10*time.Millisecond))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)

	return b
}

// closerFunc adapts a function to targetCloser.
type closerFunc func(ctx context.Context, id string) error

func (f closerFunc) CloseTarget(ctx context.Context, id string) error {
	return f(ctx, id)
}

// newTestPage connects to the target id of fb.
func newTestPage(t *testing.T, fb *ws.Browser, id string, logger *log.Logger) *Page {
	t.Helper()

	if logger == nil {
		logger = log.NewNullLogger()
	}
	ctx := context.Background()
	targets, err := newTestDirectory(fb, logger).List(ctx)
	require.NoError(t, err)

	for _, desc := range targets {
		if desc.ID != id {
			continue
		}
		p, err := NewPage(ctx, desc, closerFunc(func(context.Context, string) error { return nil }), logger)
		require.NoError(t, err)
		t.Cleanup(p.Disconnect)
		return p
	}

	t.Fatalf("target %q not listed", id)
	return nil
}

// writeScript writes an executable shell script to a temporary directory.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "browser.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700)) //nolint:gosec
	return path
}
