// Package browserprocess keeps track of every browser process started by
// the driver, so they can all be killed when the host program has to bail
// out.
package browserprocess

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/grafana/cdpdriver/log"
)

type processState struct {
	pid      int
	launchID string
}

var (
	browserProcessRegister   = map[int]*processState{} //nolint:gochecknoglobals
	browserProcessRegisterMu = sync.Mutex{}            //nolint:gochecknoglobals
)

// Register records a started browser process under the launch ID of ctx.
func Register(ctx context.Context, logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:register", "registered BrowserProcess pid %d", pid)

	browserProcessRegister[pid] = &processState{pid: pid, launchID: GetLaunchID(ctx)}
}

// Unregister forgets a process that exited.
func Unregister(logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:unregister", "unregistered BrowserProcess pid %d", pid)

	delete(browserProcessRegister, pid)
}

// Registered returns the sorted PIDs registered under the launch ID of ctx,
// or every PID when ctx carries none.
func Registered(ctx context.Context) []int {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	var pids []int
	lID := GetLaunchID(ctx)
	for pid, p := range browserProcessRegister {
		if lID != "" && p.launchID != lID {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	return pids
}

// ForceProcessShutdown should be called when the driver
// is having to shutdown due to an internal error (and
// therefore a panic). It kills the processes registered
// under the launch ID of ctx, or all of them.
func ForceProcessShutdown(ctx context.Context) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	lID := GetLaunchID(ctx)

	for pid, v := range browserProcessRegister {
		if lID != "" && v.launchID != lID {
			continue
		}
		delete(browserProcessRegister, pid)

		p, err := os.FindProcess(v.pid)
		if err != nil {
			// optimistically continue and don't kill the process
			continue
		}
		// no need to check the error for waiting the process to release
		// its resources or whether we could kill it as we're already
		// dying.
		_ = p.Kill()
		_ = p.Release()
	}
}
