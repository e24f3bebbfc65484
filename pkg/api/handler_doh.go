package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/storage"
)

// DNS-over-HTTPS relay, RFC 8484 POST only.
// Query and response bodies are opaque; nothing here parses DNS.

const dnsMessageContentType = "application/dns-message"

// handleDNSQuery handles POST {doh_path}
func (s *Server) handleDNSQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP := s.clientIPFromRequest(r)

	query, status, err := s.readQuery(w, r)
	if err != nil {
		s.logger.Debug("Rejected DoH request", "client_ip", clientIP, "status", status, "error", err)
		http.Error(w, err.Error(), status)
		s.recordDoH(r.Context(), clientIP, len(query), 0, status, storage.OutcomeRejected, resultMeta{}, start)
		return
	}

	result, err := s.resolver.Resolve(r.Context(), query)
	if err != nil {
		s.logger.Warn("DoH resolution failed", "client_ip", clientIP, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.recordDoH(r.Context(), clientIP, len(query), 0, http.StatusInternalServerError,
			forwarder.KindOf(err).String(), resultMeta{upstream: upstreamOf(err)}, start)
		return
	}

	w.Header().Set("Content-Type", dnsMessageContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Response); err != nil {
		s.logger.Debug("Failed to write DoH response", "client_ip", clientIP, "error", err)
	}

	s.recordDoH(r.Context(), clientIP, len(query), len(result.Response), http.StatusOK,
		storage.OutcomeSuccess, resultMeta{upstream: result.Upstream, cached: result.Cached}, start)
}

// readQuery reads the whole body up to MaxBodyBytes
func (s *Server) readQuery(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("query exceeds maximum size")
		}
		return nil, http.StatusBadRequest, errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return nil, http.StatusBadRequest, errors.New("empty request body")
	}
	return body, http.StatusOK, nil
}

type resultMeta struct {
	upstream string
	cached   bool
}

// recordDoH feeds the query log and request metrics. A full log buffer drops the entry.
func (s *Server) recordDoH(ctx context.Context, clientIP string, querySize, responseSize, status int, outcome string, meta resultMeta, start time.Time) {
	elapsed := time.Since(start)
	s.metrics.RecordDoHRequest(ctx, status, elapsed)

	entry := &storage.QueryLog{
		Timestamp:      start,
		ClientIP:       clientIP,
		QuerySize:      querySize,
		ResponseSize:   responseSize,
		StatusCode:     status,
		Outcome:        outcome,
		Cached:         meta.cached,
		Upstream:       meta.upstream,
		ResponseTimeMs: float64(elapsed) / float64(time.Millisecond),
	}
	// the request context may already be cancelled
	if err := s.storage.LogQuery(context.WithoutCancel(ctx), entry); err != nil && !errors.Is(err, storage.ErrClosed) {
		s.logger.Debug("Query log entry dropped", "error", err)
	}
}

func upstreamOf(err error) string {
	var ferr *forwarder.Error
	if errors.As(err, &ferr) {
		return ferr.Upstream
	}
	return ""
}
