package api

import (
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/health"
	"doh-gateway/pkg/storage"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status string `json:"status"` // "alive"
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status string            `json:"status"` // "ready" or "not_ready"
	Checks map[string]string `json:"checks"` // Component health status
}

// StatsResponse aggregates cache, query log and process statistics
type StatsResponse struct {
	Cache     *cache.Stats        `json:"cache,omitempty"`
	QueryLog  *storage.Statistics `json:"query_log,omitempty"`
	System    SystemResponse      `json:"system"`
	Uptime    string              `json:"uptime"`
	Version   string              `json:"version"`
	Period    string              `json:"period"`    // Time period for query log stats
	Timestamp string              `json:"timestamp"` // ISO 8601 format
}

// SystemResponse reports resource usage of the gateway process
type SystemResponse struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsed    uint64  `json:"mem_used_bytes"`
	MemTotal   uint64  `json:"mem_total_bytes"`
	MemPercent float64 `json:"mem_percent"`
	Goroutines int     `json:"goroutines"`
}

// TimeSeriesResponse represents bucketed query log statistics
type TimeSeriesResponse struct {
	Bucket string                     `json:"bucket"`
	Points []*storage.TimeSeriesPoint `json:"points"`
}

// QueryResponse represents a single query log entry
type QueryResponse struct {
	ID             int64   `json:"id"`
	Timestamp      string  `json:"timestamp"` // ISO 8601 format
	ClientIP       string  `json:"client_ip"`
	QuerySize      int     `json:"query_size"`
	ResponseSize   int     `json:"response_size"`
	StatusCode     int     `json:"status_code"`
	Outcome        string  `json:"outcome"`
	Cached         bool    `json:"cached"`
	Upstream       string  `json:"upstream,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

// QueriesResponse represents paginated query results
type QueriesResponse struct {
	Queries []QueryResponse `json:"queries"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// UpstreamResponse joins live health with query log history for one upstream
type UpstreamResponse struct {
	health.Status
	LoggedQueries  int64   `json:"logged_queries"`
	LoggedFailures int64   `json:"logged_failures"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
}

// UpstreamsResponse lists upstreams in registry order
type UpstreamsResponse struct {
	Upstreams []UpstreamResponse `json:"upstreams"`
	Ready     bool               `json:"ready"`
}

// CachePurgeResponse reports how many entries were removed
type CachePurgeResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// convertQueryLog converts storage.QueryLog to QueryResponse
func convertQueryLog(q *storage.QueryLog) QueryResponse {
	return QueryResponse{
		ID:             q.ID,
		Timestamp:      q.Timestamp.Format(time.RFC3339),
		ClientIP:       q.ClientIP,
		QuerySize:      q.QuerySize,
		ResponseSize:   q.ResponseSize,
		StatusCode:     q.StatusCode,
		Outcome:        q.Outcome,
		Cached:         q.Cached,
		Upstream:       q.Upstream,
		ResponseTimeMs: q.ResponseTimeMs,
	}
}
