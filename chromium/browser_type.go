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

// Package chromium launches a Chromium based browser and wires it to a
// supervising common.Browser.
package chromium

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/grafana/cdpdriver/browserprocess"
	"github.com/grafana/cdpdriver/common"
	"github.com/grafana/cdpdriver/log"
)

const fallbackExecutable = "google-chrome"

// BrowserType launches Chromium browsers.
type BrowserType struct {
	execPath string // path to the Chromium executable
	randSrc  *rand.Rand
}

// NewBrowserType returns a new Chromium browser type.
func NewBrowserType() *BrowserType {
	return &BrowserType{
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

// Launch starts a browser configured by opts and returns it once its
// control page is connected. The browser is closed when ctx is done.
func (b *BrowserType) Launch(ctx context.Context, opts common.LaunchOptions, logger *log.Logger) (*common.Browser, error) {
	if err := configureLogger(logger, opts); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	path := opts.ExecutablePath.String
	if path == "" {
		path = b.ExecutablePath()
	}
	if path == "" {
		// Starting it reports a missing executable.
		path = fallbackExecutable
	}

	args, err := parseArgs(prepareFlags(opts))
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	ctx = browserprocess.WithLaunchID(ctx, fmt.Sprintf("%x", b.randSrc.Uint64()))
	dir := common.NewTargetDirectory(opts.Endpoint(), logger)
	proc := common.NewBrowserProcess(path, args, envList(opts.Env), dir, logger)
	browser := common.NewBrowser(ctx, proc, dir, logger)
	if err := browser.Start(ctx); err != nil {
		browser.Close()
		browserprocess.ForceProcessShutdown(ctx)
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	return browser, nil
}

func configureLogger(logger *log.Logger, opts common.LaunchOptions) error {
	if err := logger.SetCategoryFilter(opts.LogCategoryFilter.String); err != nil {
		return fmt.Errorf("setting category filter: %w", err)
	}
	if opts.Debug.Bool {
		_ = logger.SetLevel("debug")
	}

	return nil
}

func envList(env map[string]string) []string {
	envs := make([]string, 0, len(env))
	for k, v := range env {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envs)

	return envs
}

// ExecutablePath returns the path where the browser executable is expected,
// or an empty string if none was found.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac (from https://commondatastorage.googleapis.com/chromium-browser-snapshots/index.html?prefix=Mac/857950/)
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// prepareFlags returns the command line flags for opts. The user data
// directory is added by the process itself, it changes on every start.
func prepareFlags(opts common.LaunchOptions) map[string]interface{} {
	f := map[string]interface{}{
		"remote-debugging-port":    fmt.Sprintf("%d", opts.Port.Int64),
		"headless":                 opts.Headless.Bool,
		"no-sandbox":               true,
		"disable-gpu":              true,
		"no-first-run":             true,
		"no-default-browser-check": true,
		"disable-extensions":       true,
		"disable-popup-blocking":   true,
		"disable-dev-shm-usage":    true,
	}
	if opts.Headless.Bool {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
	}
	setFlagsFromArgs(f, opts.Args)

	return f
}

// setFlagsFromArgs fills flags by parsing "name=value" and "name" args.
// "name=false" turns a default flag off.
func setFlagsFromArgs(flags map[string]interface{}, args []string) {
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(strings.TrimSpace(pair[0]), "--")
		if name == "" {
			continue
		}
		if len(pair) == 1 {
			flags[name] = true
			continue
		}
		switch value := trimQuotes(strings.TrimSpace(pair[1])); value {
		case "true", "false":
			flags[name] = value == "true"
		default:
			flags[name] = value
		}
	}
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if c := s[len(s)-1]; s[0] == c && (c == '"' || c == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseArgs returns the sorted command line for flags, followed by the page
// the browser starts with.
func parseArgs(flags map[string]interface{}) ([]string, error) {
	args := make([]string, 0, len(flags)+1)
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	sort.Strings(args)

	return append(args, common.DefaultPageURL), nil
}
