package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/app"
	"github.com/noah-isme/attendance-kiosk/internal/handler"
	"github.com/noah-isme/attendance-kiosk/internal/router"
	"github.com/noah-isme/attendance-kiosk/internal/service"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	"github.com/noah-isme/attendance-kiosk/pkg/logger"
)

// @title Attendance Kiosk API
// @version 1.0.0
// @description Check-in ledger for a roster of students and guests
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey AdminPin
// @in header
// @name X-Admin-Pin

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	rt, err := app.Build(ctx, cfg, app.ModeServer, logr)
	if err != nil {
		return err
	}
	defer rt.Close()

	auth, err := service.NewAdminAuthService(cfg.Admin, logr)
	if err != nil {
		return fmt.Errorf("init admin gate: %w", err)
	}

	if cfg.Closeout.Enabled() {
		closeout, err := service.NewCloseoutService(rt.Ledger, rt.Closeouts, cfg.Closeout, cfg.Location(), rt.Metrics, logr)
		if err != nil {
			return err
		}
		go closeout.Run(ctx)
	}

	checks := make(map[string]handler.ReadinessCheck, len(rt.Checks))
	for name, check := range rt.Checks {
		checks[name] = check
	}
	engine := router.New(router.Dependencies{
		Config:  cfg,
		Logger:  logr,
		Ledger:  rt.Ledger,
		Reports: rt.Reports,
		Auth:    auth,
		Metrics: rt.Metrics,
		Checks:  checks,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "driver", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
