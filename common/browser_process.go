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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/grafana/cdpdriver/browserprocess"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/storage"
)

const (
	healthCheckInterval = 100 * time.Millisecond
	healthCheckTimeout  = time.Second
)

// Process is a browser process that can be (re)started.
type Process interface {
	// Start starts the process and returns once it accepts CDP clients.
	// The returned channel is closed when the process exits.
	Start(ctx context.Context) (exited <-chan struct{}, err error)
	// Stop kills the process.
	Stop()
}

var _ Process = &BrowserProcess{}

// BrowserProcess runs a local browser executable. Every Start runs a new
// process with a fresh user data directory.
type BrowserProcess struct {
	path string
	args []string
	env  []string
	dir  *TargetDirectory

	logger *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	started int
}

// NewBrowserProcess returns a process running path with args. dir is used to
// tell when the browser is ready.
func NewBrowserProcess(path string, args, env []string, dir *TargetDirectory, logger *log.Logger) *BrowserProcess {
	return &BrowserProcess{
		path:   path,
		args:   args,
		env:    env,
		dir:    dir,
		logger: logger,
	}
}

// Start implements Process.
func (p *BrowserProcess) Start(ctx context.Context) (<-chan struct{}, error) {
	dataDir := &storage.Dir{}
	if err := dataDir.Make("", nil); err != nil {
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	cmd, exited, err := p.execute(ctx, dataDir)
	if err != nil {
		if cerr := dataDir.Cleanup(); cerr != nil {
			p.logger.Errorf("BrowserProcess:Start", "%v", cerr)
		}
		return nil, err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.exited = exited
	p.started++
	p.mu.Unlock()

	if err := p.waitReady(ctx, exited); err != nil {
		p.Stop()
		return nil, err
	}
	p.logger.Debugf("BrowserProcess:Start", "pid:%d ready at %q", cmd.Process.Pid, p.dir.Endpoint())

	return exited, nil
}

func (p *BrowserProcess) execute(ctx context.Context, dataDir *storage.Dir) (*exec.Cmd, chan struct{}, error) {
	args := append([]string{"--user-data-dir=" + dataDir.Dir}, p.args...)
	cmd := exec.Command(p.path, args...) //nolint:gosec
	killAfterParent(cmd)

	// Set up environment variable for process
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	// The child gets the write ends. Wait doesn't wait for the readers, so
	// helper processes keeping the pipes open can't hold up Stop.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_, _ = stdoutR.Close(), stdoutW.Close()
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	_, _ = stdoutW.Close(), stderrW.Close()
	if err != nil {
		_, _ = stdoutR.Close(), stderrR.Close()
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("browser executable %q not found: %w", p.path, err)
		}
		return nil, nil, fmt.Errorf("starting browser executable %q: %w", p.path, err)
	}
	pid := cmd.Process.Pid
	browserprocess.Register(ctx, p.logger, pid)
	p.logger.Debugf("BrowserProcess:execute", "pid:%d path:%q args:%q", pid, p.path, args)

	go p.pipe(pid, "stdout", stdoutR)
	go p.pipe(pid, "stderr", stderrR)

	exited := make(chan struct{})
	go func() {
		defer close(exited)

		err := cmd.Wait()
		browserprocess.Unregister(p.logger, pid)
		if cerr := dataDir.Cleanup(); cerr != nil {
			p.logger.Errorf("BrowserProcess", "cleaning up the user data directory: %v", cerr)
		}
		if err != nil {
			p.logger.Warnf("BrowserProcess", "process with PID %d ended: %v", pid, err)
			return
		}
		p.logger.Debugf("BrowserProcess", "process with PID %d ended", pid)
	}()

	return cmd, exited, nil
}

func (p *BrowserProcess) pipe(pid int, stream string, r io.ReadCloser) {
	defer func() { _ = r.Close() }()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debugf("BrowserProcess:"+stream, "pid:%d %s", pid, sc.Text())
	}
	// Drain whatever is left so the process never blocks on a write.
	_, _ = io.Copy(io.Discard, r)
}

// waitReady polls the discovery endpoint until it answers.
func (p *BrowserProcess) waitReady(ctx context.Context, exited <-chan struct{}) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		_, err := p.dir.Version(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		p.logger.Tracef("BrowserProcess:waitReady", "not ready: %v", err)

		select {
		case <-exited:
			return fmt.Errorf("browser process %q exited before it was ready", p.path)
		case <-ctx.Done():
			return fmt.Errorf("waiting for the browser to be ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop implements Process. It returns once the process has exited.
func (p *BrowserProcess) Stop() {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	p.logger.Debugf("BrowserProcess:Stop", "pid:%d", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-exited
}

// Pid returns the ID of the current process, or 0 if none was started.
func (p *BrowserProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Starts returns how many processes were started so far.
func (p *BrowserProcess) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
