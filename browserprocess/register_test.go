package browserprocess

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpdriver/log"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	logger := log.NewNullLogger()
	ctxA := WithLaunchID(context.Background(), "register-a")
	ctxB := WithLaunchID(context.Background(), "register-b")

	// PIDs well above anything real so nothing gets killed by mistake.
	Register(ctxA, logger, 1<<30+1)
	Register(ctxA, logger, 1<<30+2)
	Register(ctxB, logger, 1<<30+3)
	t.Cleanup(func() {
		for _, pid := range []int{1<<30 + 1, 1<<30 + 2, 1<<30 + 3} {
			Unregister(logger, pid)
		}
	})

	assert.Equal(t, []int{1<<30 + 1, 1<<30 + 2}, Registered(ctxA))
	assert.Equal(t, []int{1<<30 + 3}, Registered(ctxB))

	Unregister(logger, 1<<30+1)
	assert.Equal(t, []int{1<<30 + 2}, Registered(ctxA))
}

func TestForceProcessShutdown(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("can't start a process to kill: %v", err)
	}

	ctx := WithLaunchID(context.Background(), "force-shutdown")
	Register(ctx, log.NewNullLogger(), cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ForceProcessShutdown(ctx)

	select {
	case err := <-exited:
		require.Error(t, err, "process should have been killed")
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	assert.Empty(t, Registered(ctx))
}
