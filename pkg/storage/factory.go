package storage

import (
	"context"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
)

// New returns the SQLite backend when cfg.Enabled, otherwise a no-op backend
func New(cfg *config.StorageConfig, logger *logging.Logger, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	return NewSQLiteStorage(cfg, logger, metrics)
}

// NoOpStorage is used when the query log is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// GetRecentQueries returns an empty slice
func (n *NoOpStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetQueriesByClientIP returns an empty slice
func (n *NoOpStorage) GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{Since: since, Until: time.Now()}, nil
}

// GetUpstreamStats returns an empty slice
func (n *NoOpStorage) GetUpstreamStats(ctx context.Context, since time.Time) ([]*UpstreamStats, error) {
	return []*UpstreamStats{}, nil
}

// GetTimeSeriesStats returns an empty slice
func (n *NoOpStorage) GetTimeSeriesStats(ctx context.Context, bucket time.Duration, points int) ([]*TimeSeriesPoint, error) {
	return []*TimeSeriesPoint{}, nil
}

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}

// RunRetention deletes entries older than retentionDays once per interval
// until ctx is done. It returns immediately when retentionDays is not positive.
func RunRetention(ctx context.Context, s Storage, retentionDays int, interval time.Duration, logger *logging.Logger) {
	if retentionDays <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			removed, err := s.Cleanup(ctx, cutoff)
			if err != nil {
				logger.Error("Query log cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Query log cleanup complete", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}
