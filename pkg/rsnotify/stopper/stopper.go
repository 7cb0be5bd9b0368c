package stopper

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"time"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

// DefaultTimeout is the join budget used when a caller passes zero.
const DefaultTimeout = 30 * time.Second

// Join cancels a goroutine and waits for it to close done. If done is not
// closed within timeout, the goroutine is abandoned: an error is logged and a
// Timeout status error is returned. An abandoned goroutine still observes the
// cancelled context and exits once its blocking call returns.
func Join(name string, cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, lgr rslog.Logger) error {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		rslog.OrDefault(lgr).WithFields(rslog.Fields{
			"goroutine": name,
			"timeout":   timeout.String(),
		}).Errorf("Goroutine %s did not stop within %s; abandoning it. Resources it holds may leak and its state may be inconsistent.", name, timeout)
		return rsstatus.Newf(rsstatus.Timeout, "%s did not stop within %s", name, timeout)
	}
}
