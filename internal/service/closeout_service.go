package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
)

type absenceMarker interface {
	MarkAllAbsent(ctx context.Context, today time.Time) (int, error)
}

// CloseoutStore persists which days the closeout has finished.
type CloseoutStore interface {
	Closed(ctx context.Context, day time.Time) (bool, error)
	MarkClosed(ctx context.Context, day time.Time) error
}

// CloseoutService marks the roster's missing subjects Absent once per day
// after a configured local time. A day counts as done only after a
// successful run, so a storage failure is retried on the next tick. Finished
// days are recorded in the CloseoutStore, so a restarted server skips them
// while manual Absent entries never do.
type CloseoutService struct {
	ledger   absenceMarker
	marks    CloseoutStore
	hour     int
	minute   int
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	metrics  *MetricsService
	logger   *zap.Logger

	mu      sync.Mutex
	lastRun string
}

// NewCloseoutService parses cfg.At ("HH:MM") and prepares the job.
// marks may be nil, in which case only this process remembers finished days.
func NewCloseoutService(ledger absenceMarker, marks CloseoutStore, cfg config.CloseoutConfig, loc *time.Location, metrics *MetricsService, logger *zap.Logger) (*CloseoutService, error) {
	at, err := time.Parse("15:04", strings.TrimSpace(cfg.At))
	if err != nil {
		return nil, fmt.Errorf("parse closeout time %q: %w", cfg.At, err)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &CloseoutService{
		ledger:   ledger,
		marks:    marks,
		hour:     at.Hour(),
		minute:   at.Minute(),
		interval: interval,
		loc:      loc,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Tick runs the closeout when it is due and reports whether it ran.
func (s *CloseoutService) Tick(ctx context.Context) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.now().In(s.loc)
	day := local.Format(models.DateLayout)
	if s.lastRun == day {
		return false, 0, nil
	}
	due := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if local.Before(due) {
		return false, 0, nil
	}

	closed, err := s.closed(ctx, models.Day(local))
	if err != nil {
		s.metrics.RecordCloseout("error")
		s.logger.Error("closeout check failed", zap.String("date", day), zap.Error(err))
		return false, 0, err
	}
	if closed {
		s.lastRun = day
		s.logger.Info("closeout already recorded", zap.String("date", day))
		return false, 0, nil
	}

	count, err := s.ledger.MarkAllAbsent(ctx, models.Day(local))
	if err != nil {
		s.metrics.RecordCloseout("error")
		s.logger.Error("closeout failed", zap.String("date", day), zap.Error(err))
		return false, 0, err
	}
	s.lastRun = day
	if s.marks != nil {
		if err := s.marks.MarkClosed(ctx, models.Day(local)); err != nil {
			s.logger.Error("closeout record failed", zap.String("date", day), zap.Error(err))
		}
	}
	s.metrics.RecordCloseout("ok")
	s.logger.Info("closeout completed", zap.String("date", day), zap.Int("absences", count))
	return true, count, nil
}

func (s *CloseoutService) closed(ctx context.Context, day time.Time) (bool, error) {
	if s.marks == nil {
		return false, nil
	}
	return s.marks.Closed(ctx, day)
}

// Run polls until ctx is cancelled.
func (s *CloseoutService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("closeout scheduled", zap.String("at", fmt.Sprintf("%02d:%02d", s.hour, s.minute)), zap.String("timezone", s.loc.String()))
	for {
		_, _, _ = s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
