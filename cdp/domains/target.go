package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions used for target management.
type Target interface {
	CreateTarget(ctx context.Context, url string) (id string, err error)
	CloseTarget(ctx context.Context, id string) error
	SetDiscoverTargets(ctx context.Context, discover bool) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) CreateTarget(ctx context.Context, url string) (string, error) {
	action := cdpt.CreateTarget(url)
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", url, err)
	}

	return string(id), nil
}

// CloseTarget executes Target.closeTarget. The result is ignored, older
// browsers report success as a boolean and newer ones send nothing.
func (t *target) CloseTarget(ctx context.Context, id string) error {
	params := cdpt.CloseTarget(cdpt.ID(id))
	if err := t.exec.Execute(ctx, cdpt.CommandCloseTarget, params, nil); err != nil {
		return fmt.Errorf("closing target %q: %w", id, err)
	}

	return nil
}

func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	action := cdpt.SetDiscoverTargets(discover)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setDiscoverTargets: %w", err)
	}

	return nil
}
