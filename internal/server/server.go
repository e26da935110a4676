// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/css2wind/internal/convert"
	"github.com/jeranaias/css2wind/internal/gemini"
	"github.com/jeranaias/css2wind/internal/history"
	"github.com/jeranaias/css2wind/internal/model"
	"github.com/jeranaias/css2wind/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// MaxRequestBodySize is the maximum size for request body to prevent DoS (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxInputLength is the maximum CSS input length in runes.
	MaxInputLength = 100000

	// PreviewLength is the rune budget for history previews.
	PreviewLength = 80

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	Conversions        int64     `json:"conversions"`
	ConversionFailures int64     `json:"conversion_failures"`
	HistoryReads       int64     `json:"history_reads"`
	HistoryDeletes     int64     `json:"history_deletes"`
	StartTime          time.Time `json:"start_time"`
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// RecordConversion records a conversion attempt.
func (s *ServerStats) RecordConversion(ok bool) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if ok {
		atomic.AddInt64(&s.Conversions, 1)
	} else {
		atomic.AddInt64(&s.ConversionFailures, 1)
	}
}

// RecordHistoryRead records a history read request.
func (s *ServerStats) RecordHistoryRead() {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.AddInt64(&s.HistoryReads, 1)
}

// RecordHistoryDelete records a history delete request.
func (s *ServerStats) RecordHistoryDelete() {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.AddInt64(&s.HistoryDeletes, 1)
}

// GetStats returns a copy of the current stats.
func (s *ServerStats) GetStats() ServerStats {
	return ServerStats{
		TotalRequests:      atomic.LoadInt64(&s.TotalRequests),
		Conversions:        atomic.LoadInt64(&s.Conversions),
		ConversionFailures: atomic.LoadInt64(&s.ConversionFailures),
		HistoryReads:       atomic.LoadInt64(&s.HistoryReads),
		HistoryDeletes:     atomic.LoadInt64(&s.HistoryDeletes),
		StartTime:          s.StartTime,
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API for conversion and history.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	converter *convert.Converter
	store     *history.Store
	gateway   *gemini.Client
	stats     *ServerStats
	auth      *AuthConfig
	cors      *CORSConfig
	limiter   *RateLimiter

	// identity is the default user namespace for requests that carry no
	// X-User-Id header. Set from the session identity at startup.
	identity string

	pageSize int

	mu sync.RWMutex
}

// NewServer creates a new Server. If port is 0, DefaultPort is used.
func NewServer(port int, converter *convert.Converter, store *history.Store) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:      port,
		router:    http.NewServeMux(),
		converter: converter,
		store:     store,
		stats:     NewServerStats(),
		auth:      DefaultAuthConfig(),
		cors:      DefaultCORSConfig(),
		limiter:   DefaultRateLimiter(),
		pageSize:  history.DefaultPageSize,
	}

	s.setupRoutes()
	return s
}

// WithGateway sets the gateway client used for health reporting.
func (s *Server) WithGateway(client *gemini.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = client
	return s
}

// WithAuth sets the authentication configuration.
func (s *Server) WithAuth(config *AuthConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = config
	return s
}

// WithCORS sets the CORS configuration.
func (s *Server) WithCORS(config *CORSConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cors = config
	return s
}

// WithIdentity sets the default user namespace.
func (s *Server) WithIdentity(userID string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = userID
	return s
}

// WithPageSize sets the default history page size.
func (s *Server) WithPageSize(n int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.pageSize = n
	}
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the fully wired handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	handler := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(s.limiter),
	)(s.router)

	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth)(handler)
	}
	return handler
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/convert", s.handleConvert)

	s.router.HandleFunc("GET /api/history", s.handleHistoryList)
	s.router.HandleFunc("GET /api/history/live", s.handleHistoryLive)
	s.router.HandleFunc("DELETE /api/history/{id}", s.handleHistoryDeleteOne)
	s.router.HandleFunc("DELETE /api/history", s.handleHistoryDeleteAll)

	s.router.HandleFunc("GET /api/settings", s.handleSettingsGet)
	s.router.HandleFunc("PUT /api/settings", s.handleSettingsPut)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// userID resolves the user namespace for a request: the X-User-Id
// header when present, otherwise the server's default identity.
func (s *Server) userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// ============================================================================
// CONVERT HANDLER
// ============================================================================

// ConvertRequest is the conversion request body.
type ConvertRequest struct {
	CSS  string `json:"css"`
	Kind string `json:"kind,omitempty"`
}

// ConvertResponse is the conversion response body.
type ConvertResponse struct {
	Items     []model.ConversionItem `json:"items"`
	Analysis  string                 `json:"analysis,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// handleConvert handles POST /api/convert.
//
// The conversion result is returned as soon as the provider reply is
// normalized; persistence is fire-and-forget, so a history write
// failure never delays or degrades an already-successful conversion.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	// SECURITY: Limit request body size to prevent DoS.
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return
		}
		log.Printf("CONVERT_BAD_REQUEST | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if util.RuneLen(req.CSS) > MaxInputLength {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Input exceeds maximum length of %d characters", MaxInputLength))
		return
	}

	kind := model.ConversionKind(req.Kind)
	if kind == "" {
		kind = model.KindCSSToTailwind
	}

	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	start := time.Now()
	result, err := s.converter.Convert(r.Context(), kind, req.CSS)
	if err != nil {
		s.stats.RecordConversion(false)
		s.writeConvertError(w, err)
		return
	}
	s.stats.RecordConversion(true)

	// The displayed timestamp is captured once here and reused for the
	// persisted record, so history always matches what the user saw.
	timestamp := time.Now().UnixMilli()
	log.Printf("CONVERT_OK | kind=%s items=%d latency=%dms",
		kind, len(result.Items), time.Since(start).Milliseconds())

	s.appendHistory(userID, kind, req.CSS, result, timestamp)

	s.writeJSON(w, http.StatusOK, ConvertResponse{
		Items:     result.Items,
		Analysis:  result.Analysis,
		Timestamp: timestamp,
	})
}

// appendHistory persists a conversion in the background. Failures are
// logged and dropped: the result has already been returned.
func (s *Server) appendHistory(userID string, kind model.ConversionKind, input string, result *model.ConversionResult, timestamp int64) {
	serialized, err := result.Serialize()
	if err != nil {
		log.Printf("HISTORY_APPEND_FAILED | user=%s error=%v", userID, err)
		return
	}

	item := model.HistoryItem{
		Kind:      kind,
		InputText: input,
		Output:    serialized,
		Analysis:  result.Analysis,
		Preview:   util.TruncateRunes(util.FirstLine(input), PreviewLength),
		Timestamp: timestamp,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.store.Append(ctx, userID, item); err != nil {
			log.Printf("HISTORY_APPEND_FAILED | user=%s error=%v", userID, err)
		}
	}()
}

// writeConvertError maps gateway errors onto HTTP statuses. Full
// details are logged; the client sees the classified message.
func (s *Server) writeConvertError(w http.ResponseWriter, err error) {
	var provErr *gemini.ProviderError
	var malformedErr *gemini.MalformedResponseError

	switch {
	case errors.Is(err, gemini.ErrEmptyInput):
		s.writeError(w, http.StatusBadRequest, "Input CSS is empty")

	case errors.Is(err, convert.ErrUnknownKind):
		s.writeError(w, http.StatusBadRequest, "Unknown conversion kind")

	case errors.Is(err, gemini.ErrNotConfigured):
		s.writeError(w, http.StatusServiceUnavailable, "Conversion provider is not configured")

	case errors.As(err, &provErr):
		log.Printf("CONVERT_PROVIDER_ERROR | status=%d error=%v", provErr.StatusCode, provErr)
		if provErr.StatusCode == http.StatusTooManyRequests {
			s.writeError(w, http.StatusTooManyRequests, "Provider rate limit exceeded, try again shortly")
			return
		}
		s.writeError(w, http.StatusBadGateway, "Conversion provider rejected the request")

	case errors.As(err, &malformedErr):
		log.Printf("CONVERT_MALFORMED_REPLY | error=%v raw=%s",
			malformedErr, util.TruncateRunes(malformedErr.Raw, 200))
		s.writeError(w, http.StatusBadGateway, "Conversion provider returned an unreadable reply")

	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "Conversion timed out")

	default:
		log.Printf("CONVERT_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Conversion failed")
	}
}

// ============================================================================
// HISTORY HANDLERS
// ============================================================================

// HistoryEntry pairs a stored item with its decoded conversion result.
type HistoryEntry struct {
	model.HistoryItem
	Result *model.ConversionResult `json:"result,omitempty"`
}

// HistoryResponse is the history page response body.
type HistoryResponse struct {
	Items []HistoryEntry `json:"items"`
}

// decodeEntries attaches each item's decoded result. A record written
// under an older schema degrades to a synthetic legacy item; one bad
// record never aborts the page.
func decodeEntries(items []model.HistoryItem) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		result, err := item.DecodeOutput()
		if err != nil {
			log.Printf("HISTORY_LEGACY_OUTPUT | id=%s error=%v", item.ID, err)
		}
		entries = append(entries, HistoryEntry{HistoryItem: item, Result: result})
	}
	return entries
}

// handleHistoryList handles GET /api/history.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	limit := s.pageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := s.store.List(r.Context(), userID, limit)
	if err != nil {
		log.Printf("HISTORY_LIST_FAILED | user=%s error=%v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}

	s.stats.RecordHistoryRead()
	s.writeJSON(w, http.StatusOK, HistoryResponse{Items: decodeEntries(items)})
}

// handleHistoryLive handles GET /api/history/live.
//
// Streams the current history page over SSE: one event on connect, then
// one per change, each carrying the full page rather than a delta. The
// retention sweep rides on deliveries, so an open stream is also what
// ages out expired records.
func (s *Server) handleHistoryLive(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	sub, err := s.store.Subscribe(r.Context(), userID, s.pageSize)
	if err != nil {
		log.Printf("HISTORY_SUBSCRIBE_FAILED | user=%s error=%v", userID, err)
		s.writeError(w, http.StatusServiceUnavailable, "History unavailable")
		return
	}
	defer sub.Cancel()
	sub.SweepAfterDeliveries()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.stats.RecordHistoryRead()

	for {
		select {
		case <-r.Context().Done():
			return
		case items, ok := <-sub.Updates():
			if !ok {
				return
			}
			data, err := json.Marshal(HistoryResponse{Items: decodeEntries(items)})
			if err != nil {
				log.Printf("HISTORY_STREAM_ENCODE_FAILED | user=%s error=%v", userID, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleHistoryDeleteOne handles DELETE /api/history/{id}.
func (s *Server) handleHistoryDeleteOne(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	id := r.PathValue("id")
	if err := s.store.DeleteOne(r.Context(), userID, id); err != nil {
		if errors.Is(err, history.ErrItemNotFound) {
			s.writeError(w, http.StatusNotFound, "History item not found")
			return
		}
		log.Printf("HISTORY_DELETE_FAILED | user=%s id=%s error=%v", userID, id, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete history item")
		return
	}

	s.stats.RecordHistoryDelete()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHistoryDeleteAll handles DELETE /api/history.
func (s *Server) handleHistoryDeleteAll(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	if err := s.store.DeleteAll(r.Context(), userID); err != nil {
		log.Printf("HISTORY_CLEAR_FAILED | user=%s error=%v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to clear history")
		return
	}

	s.stats.RecordHistoryDelete()
	log.Printf("HISTORY_CLEARED | user=%s", userID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// SETTINGS HANDLERS
// ============================================================================

// handleSettingsGet handles GET /api/settings.
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	settings, err := s.store.LoadSettings(r.Context(), userID)
	if err != nil {
		log.Printf("SETTINGS_LOAD_FAILED | user=%s error=%v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	s.writeJSON(w, http.StatusOK, settings)
}

// handleSettingsPut handles PUT /api/settings.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "No user identity")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var settings model.UserSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := s.store.SaveSettings(r.Context(), userID, settings); err != nil {
		log.Printf("SETTINGS_SAVE_FAILED | user=%s error=%v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	log.Printf("SETTINGS_SAVED | user=%s keep_forever=%t", userID, settings.KeepForever)
	s.writeJSON(w, http.StatusOK, settings)
}

// ============================================================================
// HEALTH AND STATS HANDLERS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	GatewayStatus string `json:"gateway_status"`
	StoreStatus   string `json:"store_status"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	s.mu.RLock()
	gateway := s.gateway
	s.mu.RUnlock()

	if gateway != nil && gateway.IsConfigured() {
		health.GatewayStatus = "configured"
	} else {
		health.GatewayStatus = "not_configured"
		health.Status = "degraded"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		health.StoreStatus = "unavailable"
		health.Status = "degraded"
	} else {
		health.StoreStatus = "ok"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// StatsResponse represents the usage statistics response.
type StatsResponse struct {
	TotalRequests      int64 `json:"total_requests"`
	Conversions        int64 `json:"conversions"`
	ConversionFailures int64 `json:"conversion_failures"`
	HistoryReads       int64 `json:"history_reads"`
	HistoryDeletes     int64 `json:"history_deletes"`
	UptimeSeconds      int64 `json:"uptime_seconds"`
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.GetStats()
	s.writeJSON(w, http.StatusOK, StatsResponse{
		TotalRequests:      stats.TotalRequests,
		Conversions:        stats.Conversions,
		ConversionFailures: stats.ConversionFailures,
		HistoryReads:       stats.HistoryReads,
		HistoryDeletes:     stats.HistoryDeletes,
		UptimeSeconds:      int64(stats.Uptime().Seconds()),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server. Blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}
