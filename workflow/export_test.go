package workflow

import (
	"context"
	"time"
)

// SetBackoffSleep replaces the executor's backoff sleep so retry tests
// don't wait wall-clock delays. The replacement receives the exact
// delay the policy computed.
func (e *Engine) SetBackoffSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.executor.sleep = fn
}
