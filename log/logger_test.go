package log

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logCache implements the logrus.Hook interface and records every entry.
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

func (lc *logCache) messages() []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	msgs := make([]string, 0, len(lc.entries))
	for _, e := range lc.entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

func newCachedLogger(t *testing.T, level logrus.Level) (*Logger, *logCache) {
	t.Helper()

	lc := &logCache{}
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(level)
	l.AddHook(lc)

	return New(l, nil), lc
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	logger, lc := newCachedLogger(t, logrus.InfoLevel)
	logger.Debugf("cdp:recv", "hidden %d", 1)
	logger.Infof("cdp:recv", "shown %d", 2)
	logger.Errorf("cdp:recv", "shown %d", 3)

	assert.Equal(t, []string{"shown 2", "shown 3"}, lc.messages())
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	logger, lc := newCachedLogger(t, logrus.DebugLevel)
	require.NoError(t, logger.SetCategoryFilter("^Browser:"))

	logger.Debugf("cdp:send", "frame")
	logger.Debugf("Browser:Open", "open %s", "about:blank")

	assert.Equal(t, []string{"open about:blank"}, lc.messages())

	require.NoError(t, logger.SetCategoryFilter(""))
	logger.Debugf("cdp:send", "frame")
	assert.Len(t, lc.messages(), 2)
}

func TestLoggerInvalidCategoryFilter(t *testing.T) {
	t.Parallel()

	logger, _ := newCachedLogger(t, logrus.DebugLevel)
	err := logger.SetCategoryFilter("(")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "compiling log category filter"))
}

func TestLoggerFields(t *testing.T) {
	t.Parallel()

	logger, lc := newCachedLogger(t, logrus.DebugLevel)
	logger.Warnf("console", "line")

	lc.mu.RLock()
	defer lc.mu.RUnlock()
	require.Len(t, lc.entries, 1)
	e := lc.entries[0]
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "console", e.Data["category"])
	assert.Contains(t, e.Data, "elapsed")
	assert.Contains(t, e.Data, "goroutine")
}

func TestNilLogger(t *testing.T) {
	t.Parallel()

	var logger *Logger
	assert.NotPanics(t, func() { logger.Errorf("any", "nothing %s", "happens") })
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	logger := NewNullLogger()
	require.NoError(t, logger.SetLevel("debug"))
	assert.True(t, logger.DebugMode())
	require.Error(t, logger.SetLevel("loud"))
}

func TestSetLevelWithoutLogrus(t *testing.T) {
	t.Parallel()

	logger := New(nil, nil)
	assert.NotPanics(t, func() {
		require.NoError(t, logger.SetLevel("debug"))
		logger.ReportCaller()
	})
	assert.True(t, logger.DebugMode())
	require.Error(t, logger.SetLevel("loud"))
}
