package main

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/app"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/logger"
)

type commandContext struct {
	dataDir *string
	pin     *string
	verbose *bool

	once    sync.Once
	config  *config.Config
	logger  *zap.Logger
	runtime *app.Runtime
	err     error
}

func newCommandContext(dataDir, pin *string, verbose *bool) *commandContext {
	return &commandContext{dataDir: dataDir, pin: pin, verbose: verbose}
}

// ensureRuntime loads configuration and opens the ledger once per process.
func (c *commandContext) ensureRuntime(ctx context.Context) (*app.Runtime, error) {
	c.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.err = err
			return
		}
		if dir := strings.TrimSpace(*c.dataDir); dir != "" {
			cfg.Storage.DataDir = dir
		}
		logr, err := logger.NewCLI(cfg, *c.verbose)
		if err != nil {
			c.err = err
			return
		}
		rt, err := app.Build(ctx, cfg, app.ModeCLI, logr)
		if err != nil {
			c.err = err
			return
		}
		c.config, c.logger, c.runtime = cfg, logr, rt
	})
	return c.runtime, c.err
}

func (c *commandContext) ledger() *service.AttendanceLedger {
	return c.runtime.Ledger
}

func (c *commandContext) reports() *service.ReportService {
	return c.runtime.Reports
}

// requireAdmin checks --pin against the configured admin PIN.
func (c *commandContext) requireAdmin() error {
	if strings.TrimSpace(*c.pin) == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "this command requires --pin")
	}
	auth, err := service.NewAdminAuthService(c.config.Admin, c.logger)
	if err != nil {
		return err
	}
	return auth.VerifyPIN(*c.pin)
}

func (c *commandContext) close() {
	if c.runtime != nil {
		c.runtime.Close()
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}
