package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"doh-gateway/pkg/storage"
)

const (
	statusOK      = "ok"
	statusAlive   = "alive"
	statusReady   = "ready"
	statusNotOK   = "not_ready"
	statsPeriod   = 24 * time.Hour
	storageWindow = 5 * time.Second
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, LivenessResponse{Status: statusAlive})
}

// handleReadyz handles GET /readyz. Ready while at least one upstream is
// healthy; the query log check is informational.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	ready := true
	if s.health != nil {
		ready = s.health.Ready()
	}
	if ready {
		checks["upstreams"] = statusOK
	} else {
		checks["upstreams"] = "no healthy upstream"
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.storage.Ping(ctx); err != nil {
		checks["storage"] = err.Error()
	} else {
		checks["storage"] = statusOK
	}

	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: statusNotOK, Checks: checks})
		return
	}
	s.writeJSON(w, http.StatusOK, ReadinessResponse{Status: statusReady, Checks: checks})
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  statusOK,
		Uptime:  s.getUptime(),
		Version: s.version,
	})
}

// handleStats handles GET /api/stats?since=24h
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since := parseDuration(r.URL.Query().Get("since"), statsPeriod)

	ctx, cancel := context.WithTimeout(r.Context(), storageWindow)
	defer cancel()

	stats, err := s.storage.GetStatistics(ctx, time.Now().Add(-since))
	if err != nil {
		s.logger.Error("Failed to get statistics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	response := StatsResponse{
		QueryLog:  stats,
		System:    collectSystemMetrics(ctx).response(),
		Uptime:    s.getUptime(),
		Version:   s.version,
		Period:    since.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s.cache != nil {
		cacheStats := s.cache.Stats()
		response.Cache = &cacheStats
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleTimeSeries handles GET /api/stats/timeseries?bucket=1h&points=24
func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	bucket := parseDuration(r.URL.Query().Get("bucket"), time.Hour)
	if bucket < time.Second {
		bucket = time.Second
	}
	points := 24
	if p, err := strconv.Atoi(r.URL.Query().Get("points")); err == nil && p > 0 && p <= 1000 {
		points = p
	}

	ctx, cancel := context.WithTimeout(r.Context(), storageWindow)
	defer cancel()

	series, err := s.storage.GetTimeSeriesStats(ctx, bucket, points)
	if err != nil {
		s.logger.Error("Failed to get time series", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve time series")
		return
	}

	s.writeJSON(w, http.StatusOK, TimeSeriesResponse{Bucket: bucket.String(), Points: series})
}

// handleQueries handles GET /api/queries?limit=&offset=&client=
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 100
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(query.Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	ctx, cancel := context.WithTimeout(r.Context(), storageWindow)
	defer cancel()

	var (
		queries []*storage.QueryLog
		err     error
	)
	if client := query.Get("client"); client != "" {
		queries, err = s.storage.GetQueriesByClientIP(ctx, client, limit)
		offset = 0
	} else {
		queries, err = s.storage.GetRecentQueries(ctx, limit, offset)
	}
	if err != nil {
		s.logger.Error("Failed to get queries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve queries")
		return
	}

	queryResponses := make([]QueryResponse, 0, len(queries))
	for _, q := range queries {
		queryResponses = append(queryResponses, convertQueryLog(q))
	}

	s.writeJSON(w, http.StatusOK, QueriesResponse{
		Queries: queryResponses,
		Total:   len(queryResponses),
		Limit:   limit,
		Offset:  offset,
	})
}

// handleUpstreams handles GET /api/upstreams
func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Upstream health not available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storageWindow)
	defer cancel()

	logged := map[string]*storage.UpstreamStats{}
	history, err := s.storage.GetUpstreamStats(ctx, time.Now().Add(-statsPeriod))
	if err != nil {
		s.logger.Warn("Failed to get upstream history", "error", err)
	}
	for _, h := range history {
		logged[h.Upstream] = h
	}

	statuses := s.health.Statuses()
	upstreams := make([]UpstreamResponse, 0, len(statuses))
	for _, st := range statuses {
		entry := UpstreamResponse{Status: st}
		if h, ok := logged[st.Upstream]; ok {
			entry.LoggedQueries = h.Queries
			entry.LoggedFailures = h.Failures
			entry.AvgResponseMs = h.AvgResponseTimeMs
		}
		upstreams = append(upstreams, entry)
	}

	s.writeJSON(w, http.StatusOK, UpstreamsResponse{
		Upstreams: upstreams,
		Ready:     s.health.Ready(),
	})
}

// handleCachePurge handles POST /api/cache/purge
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cache not available")
		return
	}

	removed := s.cache.Clear()
	s.logger.Info("Cache purged via API", "removed", removed)

	s.writeJSON(w, http.StatusOK, CachePurgeResponse{Status: statusOK, Removed: removed})
}
