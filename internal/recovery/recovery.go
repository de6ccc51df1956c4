// Package recovery runs FlowPipe's startup recovery steps so work interrupted by a
// restart is picked up again: jobs and outbox messages claimed by the previous process
// are requeued, and sessions that went idle while the process was down are expired.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverFunc) RecoverState(ctx context.Context) error {
	return f(ctx)
}

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	components []component
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component. Components recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.components = append(rm.components, component{name: name, r: r})
}

// Register adds a recovery function.
func (rm *RecoveryManager) Register(name string, fn func(ctx context.Context) error) {
	rm.RegisterRecoverable(name, RecoverFunc(fn))
}

// RecoverAll recovers every component. A failing component does not stop the others;
// all failures are returned joined.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.components))

	var errs []error
	recovered := 0
	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		recovered++
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", c.name)
	}

	slog.Info("RecoveryManager.RecoverAll: recovery completed",
		"recovered", recovered, "errors", len(errs))
	return errors.Join(errs...)
}
