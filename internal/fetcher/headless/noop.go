package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/jobtrack/internal/fetcher"
)

// Noop stands in for the renderer when headless rendering is disabled.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports that no browser is available.
func (Noop) Fetch(_ context.Context, _ string) (fetcher.Page, error) {
	return fetcher.Page{}, fmt.Errorf("%w: headless rendering disabled", fetcher.ErrBrowserUnavailable)
}
