// Package storage persists per-request query log entries and serves the
// aggregate views used by the admin API.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *config.StorageConfig
	logger          *logging.Logger
	metrics         MetricsRecorder
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens cfg.DatabasePath, applies migrations and starts the flush worker
func NewSQLiteStorage(cfg *config.StorageConfig, logger *logging.Logger, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || logger == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.DatabasePath == "" || cfg.BufferSize <= 0 || cfg.BatchSize <= 0 || cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("%w: database_path, buffer_size, batch_size and flush_interval are required", ErrInvalidConfig)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, query_size, response_size, status_code, outcome, cached, upstream, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLiteStorage{
		db:              db,
		cfg:             cfg,
		logger:          logger.WithComponent("storage"),
		metrics:         metrics,
		buffer:          make(chan *QueryLog, cfg.BufferSize),
		stmtInsertQuery: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery enqueues an entry without blocking. A full buffer drops the
// entry, reports it to the metrics recorder and returns ErrBufferFull.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}
	query.Timestamp = query.Timestamp.UTC()

	select {
	case s.buffer <- query:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the buffer in batches of cfg.BatchSize, or every
// cfg.FlushInterval, and writes whatever is left when the buffer closes.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes queries in a single transaction
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	if len(queries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertQuery)

	for _, query := range queries {
		var upstream any
		if query.Upstream != "" {
			upstream = query.Upstream
		}

		_, err := stmt.Exec(
			query.Timestamp,
			query.ClientIP,
			query.QuerySize,
			query.ResponseSize,
			query.StatusCode,
			query.Outcome,
			query.Cached,
			upstream,
			query.ResponseTimeMs,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRecentQueries returns the most recent queries with pagination support
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, query_size, response_size, status_code,
		       outcome, cached, upstream, response_time_ms
		FROM queries
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByClientIP returns queries from a specific client
func (s *SQLiteStorage) GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, query_size, response_size, status_code,
		       outcome, cached, upstream, response_time_ms
		FROM queries
		WHERE client_ip = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns query statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	var (
		cached, failed sql.NullInt64
		avg            sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN cached THEN 1 ELSE 0 END) as cached,
			SUM(CASE WHEN outcome != 'success' THEN 1 ELSE 0 END) as failed,
			COUNT(DISTINCT client_ip) as unique_clients,
			AVG(response_time_ms) as avg_response_time
		FROM queries
		WHERE timestamp >= ?
	`, since.UTC()).Scan(
		&stats.TotalQueries,
		&cached,
		&failed,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stats.CachedQueries = cached.Int64
	stats.FailedQueries = failed.Int64
	stats.AvgResponseTimeMs = avg.Float64

	if stats.TotalQueries > 0 {
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
		stats.ErrorRate = float64(stats.FailedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// GetUpstreamStats aggregates forwarded queries per upstream, busiest first.
// Cache hits carry no upstream and are excluded.
func (s *SQLiteStorage) GetUpstreamStats(ctx context.Context, since time.Time) ([]*UpstreamStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			upstream,
			COUNT(*) as total,
			SUM(CASE WHEN outcome != 'success' THEN 1 ELSE 0 END) as failures,
			AVG(response_time_ms) as avg_response_time
		FROM queries
		WHERE timestamp >= ? AND upstream IS NOT NULL AND cached = 0
		GROUP BY upstream
		ORDER BY total DESC, upstream ASC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	stats := make([]*UpstreamStats, 0)
	for rows.Next() {
		var (
			u   UpstreamStats
			avg sql.NullFloat64
		)
		if err := rows.Scan(&u.Upstream, &u.Queries, &u.Failures, &avg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		u.AvgResponseTimeMs = avg.Float64
		stats = append(stats, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return stats, nil
}

// GetTimeSeriesStats returns aggregated statistics grouped by the specified bucket duration.
// The result always holds exactly points entries, oldest first, ending with the current bucket.
func (s *SQLiteStorage) GetTimeSeriesStats(ctx context.Context, bucket time.Duration, points int) ([]*TimeSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if points <= 0 {
		return nil, fmt.Errorf("points must be greater than zero")
	}

	bucketSeconds := int64(bucket / time.Second)
	if bucketSeconds <= 0 {
		return nil, fmt.Errorf("bucket duration must be at least 1 second")
	}

	alignedEnd := truncateToBucket(time.Now().UTC(), bucket)
	start := alignedEnd.Add(-bucket * time.Duration(points-1))

	rows, err := s.db.QueryContext(ctx, `
		WITH bucketed AS (
			SELECT
				(CAST(strftime('%s', substr(timestamp, 1, 19)) AS INTEGER) / ?) * ? AS bucket_start,
				cached,
				outcome,
				response_time_ms
			FROM queries
			WHERE timestamp >= ?
		)
		SELECT
			bucket_start,
			COUNT(*) as total,
			SUM(CASE WHEN cached THEN 1 ELSE 0 END) as cached,
			SUM(CASE WHEN outcome != 'success' THEN 1 ELSE 0 END) as failed,
			AVG(response_time_ms) as avg_response_time
		FROM bucketed
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
	`, bucketSeconds, bucketSeconds, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	pointsByBucket := make(map[int64]*TimeSeriesPoint)

	for rows.Next() {
		var (
			bucketUnix sql.NullInt64
			total      sql.NullInt64
			cached     sql.NullInt64
			failed     sql.NullInt64
			avg        sql.NullFloat64
		)

		if err := rows.Scan(&bucketUnix, &total, &cached, &failed, &avg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if !bucketUnix.Valid {
			continue
		}

		pointsByBucket[bucketUnix.Int64] = &TimeSeriesPoint{
			Timestamp:         time.Unix(bucketUnix.Int64, 0).UTC(),
			TotalQueries:      total.Int64,
			CachedQueries:     cached.Int64,
			FailedQueries:     failed.Int64,
			AvgResponseTimeMs: avg.Float64,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	result := make([]*TimeSeriesPoint, 0, points)
	current := start
	for i := 0; i < points; i++ {
		if point, ok := pointsByBucket[current.Unix()]; ok {
			result = append(result, point)
		} else {
			result = append(result, &TimeSeriesPoint{Timestamp: current})
		}
		current = current.Add(bucket)
	}

	return result, nil
}

// Cleanup removes queries older than olderThan and returns how many were deleted
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queries WHERE timestamp < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, _ := result.RowsAffected()

	// reclaim space only after significant deletions
	if rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}

	return rows, nil
}

func truncateToBucket(t time.Time, bucket time.Duration) time.Time {
	bucketSeconds := int64(bucket / time.Second)
	if bucketSeconds <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	truncated := (unix / bucketSeconds) * bucketSeconds
	return time.Unix(truncated, 0).UTC()
}

// Close flushes buffered entries and closes the database; safe to call more than once
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertQuery != nil {
		_ = s.stmtInsertQuery.Close()
	}

	return s.db.Close()
}

// Ping checks if the storage is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	queries := make([]*QueryLog, 0)

	for rows.Next() {
		var q QueryLog
		var upstream sql.NullString

		err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.QuerySize,
			&q.ResponseSize,
			&q.StatusCode,
			&q.Outcome,
			&q.Cached,
			&upstream,
			&q.ResponseTimeMs,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		if upstream.Valid {
			q.Upstream = upstream.String
		}

		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return queries, nil
}
