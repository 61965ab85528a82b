// Package app is the top-level wiring: it builds every component the
// engine needs from a loaded configuration and runs the control loop and
// the admin HTTP server side by side until either one fails or the process
// is asked to shut down.
package app

import (
	"context"
	"fmt"

	"marginctl/internal/audit"
	"marginctl/internal/config"
	"marginctl/internal/configwatch"
	"marginctl/internal/control"
	"marginctl/internal/httpapi"
	"marginctl/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App owns every long-lived component built from configuration.
type App struct {
	cfg     *config.Config
	control *control.Controller
	admin   *httpapi.Server
	ledger  *audit.Ledger
	watch   *configwatch.Registry
}

// NewApp builds an App from cfg without starting anything. configPath is
// the file cfg was loaded from; if non-empty, the risk/scaling/trailing
// block is additionally hot-reloaded from it for the lifetime of the
// returned App. Pass an empty configPath to skip hot-reload entirely.
func NewApp(cfg *config.Config, configPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg, configPath)
}

// Run starts the control loop and the admin HTTP server and blocks until
// ctx is cancelled or either one returns an error. The audit ledger's
// database handle is closed on the way out regardless of which path led
// there, since it was opened here and nothing else owns its lifetime.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.control == nil {
		return fmt.Errorf("app: not initialized")
	}
	if a.ledger != nil {
		defer a.ledger.Close()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		group.Go(func() error {
			if err := a.admin.Start(ctx); err != nil {
				return fmt.Errorf("app: admin http server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		if err := a.control.Run(ctx); err != nil {
			return fmt.Errorf("app: control loop: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// Controller exposes the underlying control loop, for tests and replay
// harnesses that want to drive a tick directly.
func (a *App) Controller() *control.Controller {
	if a == nil {
		return nil
	}
	return a.control
}
