package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/rebrander/internal/ghost"
	"github.com/agentworkforce/rebrander/internal/lexical"
	"github.com/agentworkforce/rebrander/internal/runstore"
	"github.com/agentworkforce/rebrander/internal/session"
)

const (
	mockDataMarker = "TEST_DATA"
	maxMockCount   = 1000
)

type ServerConfig struct {
	// AllowedOrigins are host patterns accepted on websocket upgrades in
	// addition to the request's own host.
	AllowedOrigins  []string
	MaxMessageBytes int64
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	HTTPClient      *http.Client
}

type Server struct {
	sessions    *session.Handler
	reports     runstore.Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(sessions *session.Handler, reports runstore.Backend) *Server {
	return NewServerWithConfig(sessions, reports, ServerConfig{})
}

func NewServerWithConfig(sessions *session.Handler, reports runstore.Backend, cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if reports == nil {
		reports = runstore.NewMemoryBackend()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		sessions:    sessions,
		reports:     reports,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	}()
	s.route(recorder, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/update/ws" && r.Method == http.MethodGet:
		s.handleUpdate(w, r)
		return
	case r.URL.Path == "/v1/runs" && r.Method == http.MethodGet:
		s.handleRuns(w, r, correlationID)
		return
	}

	var handler func(http.ResponseWriter, *http.Request, string)
	switch {
	case r.URL.Path == "/details" && r.Method == http.MethodPost:
		handler = s.handleDetails
	case r.URL.Path == "/mock/create" && r.Method == http.MethodPost:
		handler = s.handleMockCreate
	case r.URL.Path == "/mock/delete" && r.Method == http.MethodPost:
		handler = s.handleMockDelete
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	handler(w, r, correlationID)
}

// handleUpdate upgrades the request and hands the connection to a session.
// It returns once the session has terminated.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	s.sessions.Serve(r.Context(), session.NewWebsocketConn(conn))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), runstore.DefaultListLimit, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit query parameter", correlationID)
		return
	}
	reports, err := s.reports.List(r.Context(), limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("listing run reports failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": reports})
}

type detailsRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req detailsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	siteURL, err := parseSiteURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid details", correlationID)
		return
	}
	client := ghost.NewClient(ghost.ClientOptions{BaseURL: siteURL, HTTPClient: s.cfg.HTTPClient, UserAgent: "rebrander"})
	info, err := client.SiteInfo(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Info().Err(err).Str("site", siteURL).Msg("site info probe failed")
		writeError(w, http.StatusBadRequest, "probe_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"siteInfo": map[string]any{"site": info}})
}

type mockCreateRequest struct {
	URL          string `json:"url"`
	Credential   string `json:"credential"`
	TargetString string `json:"targetString"`
	Count        int    `json:"count"`
}

func (s *Server) handleMockCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req mockCreateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.TargetString == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "targetString is required", correlationID)
		return
	}
	if req.Count < 1 || req.Count > maxMockCount {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("count must be between 1 and %d", maxMockCount), correlationID)
		return
	}
	client, ok := s.mockClient(w, req.URL, req.Credential, correlationID)
	if !ok {
		return
	}
	ids := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		title := fmt.Sprintf("%s %d", req.TargetString, i)
		body := lexical.NewTextDocument(fmt.Sprintf("MOCK POST: %s %s %d", mockDataMarker, req.TargetString, i)).String()
		post, err := client.CreatePost(r.Context(), title, body)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Int("created", len(ids)).Msg("creating mock post failed")
			writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
			return
		}
		ids = append(ids, post.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ids": ids})
}

type mockDeleteRequest struct {
	URL        string `json:"url"`
	Credential string `json:"credential"`
}

func (s *Server) handleMockDelete(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req mockDeleteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	client, ok := s.mockClient(w, req.URL, req.Credential, correlationID)
	if !ok {
		return
	}
	ids, err := client.PostIDs(r.Context(), mockDataMarker, ghost.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "fetch_failed", err.Error(), correlationID)
		return
	}
	deleted := 0
	for _, id := range ids {
		if err := client.DeletePost(r.Context(), id); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("post_id", id).Msg("deleting mock post failed")
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": deleted == len(ids), "deleted": deleted})
}

func (s *Server) mockClient(w http.ResponseWriter, rawURL, credential, correlationID string) (*ghost.Client, bool) {
	siteURL, err := parseSiteURL(rawURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	client, err := ghost.NewClientForCredential(siteURL, credential, s.cfg.HTTPClient)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	return client, true
}

func parseSiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", errors.Errorf("url must be an absolute http or https url, got %q", raw)
	}
	return parsed.String(), nil
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min || value > max {
		return 0, errors.Errorf("value %d outside [%d, %d]", value, min, max)
	}
	return value, nil
}

// statusRecorder keeps the response status for request logging. It forwards
// Hijack so websocket upgrades still work through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
