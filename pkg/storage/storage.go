package storage

import (
	"context"
	"time"
)

// Storage defines the interface for query log backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Query logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetUpstreamStats(ctx context.Context, since time.Time) ([]*UpstreamStats, error)
	GetTimeSeriesStats(ctx context.Context, bucket time.Duration, points int) ([]*TimeSeriesPoint, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
	Ping(ctx context.Context) error
}

// Outcome values recorded for a query
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeNetwork  = "network"
	OutcomeTransmit = "transmit"
	OutcomeRejected = "rejected" // malformed HTTP request, never resolved
)

// QueryLog is one DoH request. Query and response bytes are never stored.
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Outcome        string    `json:"outcome"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	QuerySize      int       `json:"query_size"`
	ResponseSize   int       `json:"response_size"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Cached         bool      `json:"cached"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	FailedQueries     int64     `json:"failed_queries"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	CacheHitRate      float64   `json:"cache_hit_rate"` // percent of queries answered from cache
	ErrorRate         float64   `json:"error_rate"`     // percent of queries that failed
}

// UpstreamStats aggregates forwarded queries per upstream
type UpstreamStats struct {
	Upstream          string  `json:"upstream"`
	Queries           int64   `json:"queries"`
	Failures          int64   `json:"failures"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// TimeSeriesPoint represents aggregated query statistics for a specific time bucket.
type TimeSeriesPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalQueries      int64     `json:"total_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	FailedQueries     int64     `json:"failed_queries"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
}

// MetricsRecorder breaks the import cycle between storage and telemetry
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}
