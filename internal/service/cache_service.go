package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Purge(ctx context.Context) error
}

// CacheService caches kiosk boards by date and records hit metrics.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Board returns the cached board for date, reporting whether it was a hit.
// Cache failures are logged and reported as misses.
func (s *CacheService) Board(ctx context.Context, date time.Time) (*models.Board, bool) {
	if !s.Enabled() {
		return nil, false
	}
	key := boardKey(date)
	start := time.Now()
	var board models.Board
	err := s.repo.Get(ctx, key, &board)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("board cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return &board, true
}

// StoreBoard caches board for its date.
func (s *CacheService) StoreBoard(ctx context.Context, date time.Time, board *models.Board) {
	if !s.Enabled() || board == nil {
		return
	}
	key := boardKey(date)
	start := time.Now()
	err := s.repo.Set(ctx, key, board, s.defaultTTL)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("board cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops every cached board.
func (s *CacheService) Invalidate(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	if err := s.repo.Purge(ctx); err != nil {
		s.logger.Warn("board cache invalidate failed", zap.Error(err))
	}
}

func boardKey(date time.Time) string {
	return "board:" + date.Format(models.DateLayout)
}
