package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions used by the driver.
type Runtime interface {
	Enable(context.Context) error
	Evaluate(ctx context.Context, expression string, awaitPromise bool) (*cdpr.RemoteObject, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Enable(ctx context.Context) error {
	action := cdpr.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("enabling runtime CDP domain: %w", err)
	}

	return nil
}

// Evaluate evaluates expression by value. When the expression throws, the
// returned error is the *runtime.ExceptionDetails sent by the browser.
func (r *runtime) Evaluate(ctx context.Context, expression string, awaitPromise bool) (*cdpr.RemoteObject, error) {
	action := cdpr.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(awaitPromise)

	res, exceptionDetails, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, err
	}
	if exceptionDetails != nil {
		return nil, exceptionDetails
	}

	return res, nil
}
