package chromium

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpdriver/browserprocess"
	"github.com/grafana/cdpdriver/common"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/tests/ws"
)

func TestPrepareFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opts   func(*common.LaunchOptions)
		assert func(*testing.T, map[string]interface{})
	}{
		{
			name: "defaults",
			assert: func(t *testing.T, f map[string]interface{}) {
				t.Helper()
				assert.Equal(t, "9222", f["remote-debugging-port"])
				assert.Equal(t, true, f["headless"])
				assert.Equal(t, true, f["no-sandbox"])
				assert.Equal(t, true, f["mute-audio"])
				assert.Equal(t, true, f["hide-scrollbars"])
			},
		},
		{
			name: "headful",
			opts: func(lo *common.LaunchOptions) {
				lo.Headless = null.BoolFrom(false)
				lo.Port = null.IntFrom(9333)
			},
			assert: func(t *testing.T, f map[string]interface{}) {
				t.Helper()
				assert.Equal(t, "9333", f["remote-debugging-port"])
				assert.Equal(t, false, f["headless"])
				assert.NotContains(t, f, "mute-audio")
				assert.NotContains(t, f, "hide-scrollbars")
			},
		},
		{
			name: "args",
			opts: func(lo *common.LaunchOptions) {
				lo.Args = []string{
					"--window-size=800,600",
					"auto-open-devtools-for-tabs",
					"no-sandbox=false",
					"lang='fr'",
					" ",
				}
			},
			assert: func(t *testing.T, f map[string]interface{}) {
				t.Helper()
				assert.Equal(t, "800,600", f["window-size"])
				assert.Equal(t, true, f["auto-open-devtools-for-tabs"])
				assert.Equal(t, false, f["no-sandbox"])
				assert.Equal(t, "fr", f["lang"])
				assert.NotContains(t, f, "")
			},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			lo := common.NewLaunchOptions()
			if tc.opts != nil {
				tc.opts(&lo)
			}
			tc.assert(t, prepareFlags(lo))
		})
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	args, err := parseArgs(map[string]interface{}{
		"remote-debugging-port": "9222",
		"headless":              true,
		"no-sandbox":            false,
		"disable-gpu":           true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--disable-gpu",
		"--headless",
		"--remote-debugging-port=9222",
		common.DefaultPageURL,
	}, args)

	_, err = parseArgs(map[string]interface{}{"window-size": 800})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid browser command line flag")
}

func TestTrimQuotes(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		`"a b"`: "a b",
		`'a'`:   "a",
		`"a'`:   `"a'`,
		`"`:     `"`,
		"":      "",
		"plain": "plain",
	} {
		assert.Equal(t, want, trimQuotes(in), in)
	}
}

func TestEnvList(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"A=1", "B=x=y"}, envList(map[string]string{"B": "x=y", "A": "1"}))
	assert.Empty(t, envList(nil))
}

func TestLaunchInvalidOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts common.LaunchOptions
		want string
	}{
		{
			name: "port",
			opts: common.NewLaunchOptions().Apply(common.LaunchOptions{Port: null.IntFrom(70000)}),
			want: "invalid remote debugging port",
		},
		{
			name: "category_filter",
			opts: common.NewLaunchOptions().Apply(common.LaunchOptions{LogCategoryFilter: null.StringFrom("(")}),
			want: "setting category filter",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewBrowserType().Launch(context.Background(), tc.opts, log.NewNullLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	t.Parallel()

	opts := common.NewLaunchOptions().Apply(common.LaunchOptions{Debug: null.BoolFrom(true)})

	logger := log.NewNullLogger()
	require.NoError(t, configureLogger(logger, opts))
	assert.True(t, logger.DebugMode())

	// The colored stdout fallback has no levels to set.
	assert.NotPanics(t, func() {
		require.NoError(t, configureLogger(log.New(nil, nil), opts))
	})
}

// Not parallel: it runs a process.
func TestLaunch(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	// A stand-in executable keeps running while the fake answers on its
	// port.
	fb := ws.NewBrowser(t)
	path := filepath.Join(t.TempDir(), "chromium")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0o700)) //nolint:gosec

	opts := common.NewLaunchOptions().Apply(common.LaunchOptions{
		ExecutablePath: null.StringFrom(path),
		Port:           null.IntFrom(int64(fb.Port())),
	})
	bt := NewBrowserType()
	assert.Equal(t, "chromium", bt.Name())

	b, err := bt.Launch(context.Background(), opts, log.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, common.BrowserStateReady, b.State())
	assert.Len(t, browserprocess.Registered(context.Background()), 1)

	p, err := b.Open(context.Background(), "http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", p.URL())

	b.Close()
	assert.Empty(t, browserprocess.Registered(context.Background()))
}
