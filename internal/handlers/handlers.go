package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"ipgeo/internal/geoip"
	"ipgeo/internal/resolver"
	"ipgeo/internal/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const contentTypeJSON = "application/json; charset=utf-8"

// cdnHeaders are checked in order for the client address before the
// generic forwarding headers. Each value must be a public address to be
// trusted.
var cdnHeaders = []string{
	"CF-Connecting-IP",
	"Fastly-Client-IP",
	"X-Azure-ClientIP",
	"X-Akamai-Client-IP",
	"True-Client-IP",
	"X-CDN-Src-IP",
	"X-Real-IP",
}

// HostResolver resolves a hostname to its addresses.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// APIHandler handles HTTP requests
type APIHandler struct {
	manager  geoip.ManagerInterface
	resolver HostResolver
	logger   *logrus.Logger
}

// ErrorResponse is the error body: the numeric status code, a
// machine-readable error type and a human-readable message.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(manager geoip.ManagerInterface, hostResolver HostResolver, logger *logrus.Logger) *APIHandler {
	return &APIHandler{
		manager:  manager,
		resolver: hostResolver,
		logger:   logger,
	}
}

// sendJSONError sends a standardized JSON error response
func (h *APIHandler) sendJSONError(w http.ResponseWriter, statusCode int, errorType, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Code:    statusCode,
		Error:   errorType,
		Message: message,
	}

	json.NewEncoder(w).Encode(errorResponse)
}

// writeJSON sends a successful JSON response
func (h *APIHandler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// untrustedNets are the TEST-NET and documentation blocks plus the IPv4
// broadcast address: values that never identify a real client.
var untrustedNets = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// trustedAddr reports whether a forwarded address is worth honoring:
// private, link-local, documentation and broadcast values mean the header
// came from an internal proxy or was fabricated, not the real client.
func trustedAddr(addr netip.Addr) bool {
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return false
	}
	for _, network := range untrustedNets {
		if network.Contains(addr) {
			return false
		}
	}
	return true
}

func parseAddrValue(value string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// parseForwardedHeader extracts the for= element of an RFC 7239
// Forwarded header value.
func parseForwardedHeader(value string) (netip.Addr, bool) {
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "for=") {
			continue
		}
		element := strings.Trim(strings.TrimPrefix(part, "for="), "\"[]")
		return parseAddrValue(element)
	}
	return netip.Addr{}, false
}

// clientAddr extracts the calling client's address: CDN headers first,
// then X-Forwarded-For and Forwarded, then the connection peer.
func (h *APIHandler) clientAddr(r *http.Request) (netip.Addr, error) {
	for _, header := range cdnHeaders {
		if value := r.Header.Get(header); value != "" {
			if addr, ok := parseAddrValue(value); ok && trustedAddr(addr) {
				return addr, nil
			}
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			if addr, ok := parseAddrValue(ips[0]); ok && trustedAddr(addr) {
				return addr, nil
			}
		}
	}

	if forwarded := r.Header.Get("Forwarded"); forwarded != "" {
		if addr, ok := parseForwardedHeader(forwarded); ok && trustedAddr(addr) {
			return addr, nil
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, ok := parseAddrValue(host)
	if !ok {
		return netip.Addr{}, fmt.Errorf("unparseable remote address: %s", r.RemoteAddr)
	}
	return addr, nil
}

// clientIPString is the logging form of clientAddr.
func (h *APIHandler) clientIPString(r *http.Request) string {
	addr, err := h.clientAddr(r)
	if err != nil {
		return r.RemoteAddr
	}
	return addr.String()
}

// logStructuredRequest logs the request with structured data
func (h *APIHandler) logStructuredRequest(r *http.Request, status int, duration time.Duration, ip string, responseSize int64) {
	h.logger.WithFields(logrus.Fields{
		"method":        r.Method,
		"path":          r.URL.Path,
		"query":         r.URL.RawQuery,
		"status":        status,
		"duration_ms":   duration.Milliseconds(),
		"client_ip":     ip,
		"user_agent":    r.UserAgent(),
		"referer":       r.Referer(),
		"response_size": responseSize,
		"remote_addr":   r.RemoteAddr,
		"host":          r.Host,
	}).Info("request_processed")
}

// middleware wraps handlers with logging and security headers
func (h *APIHandler) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Add security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")

		// CORS headers for cross-origin requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Create a response writer wrapper to capture status and size
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			size:           0,
		}

		next(wrapped, r)

		// Log structured request
		duration := time.Since(startTime)
		h.logStructuredRequest(r, wrapped.statusCode, duration, h.clientIPString(r), wrapped.size)
	}
}

// responseWriter wraps http.ResponseWriter to capture status and body size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// serveAddress looks up a single address and writes the flat shape.
func (h *APIHandler) serveAddress(w http.ResponseWriter, addr netip.Addr) {
	record, err := h.manager.Lookup(addr)
	if err != nil {
		h.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("内部错误: %v", err))
		return
	}
	h.writeJSON(w, http.StatusOK, types.NewIPInfo(record))
}

// serveHost classifies one raw host string and serves it: address
// literals get the flat shape, hostnames are resolved and get the
// multi-address shape. All entry points accepting a host funnel through
// here so they answer identically.
func (h *APIHandler) serveHost(w http.ResponseWriter, r *http.Request, raw string) {
	addr, hostname, err := resolver.ParseHost(raw)
	if err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "INVALID_HOST", fmt.Sprintf("无效的主机: %s", raw))
		return
	}

	if hostname == "" {
		h.serveAddress(w, addr)
		return
	}

	addrs, err := h.resolver.Resolve(r.Context(), hostname)
	if err != nil {
		if errors.Is(err, resolver.ErrNoSuchHost) {
			h.sendJSONError(w, http.StatusNotFound, "RESOLVE_ERROR", fmt.Sprintf("无法解析域名: %s", hostname))
			return
		}
		h.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("内部错误: %v", err))
		return
	}

	records := make([]*geoip.Record, 0, len(addrs))
	for _, resolved := range addrs {
		record, err := h.manager.Lookup(resolved)
		if err != nil {
			h.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("内部错误: %v", err))
			return
		}
		records = append(records, record)
	}

	h.writeJSON(w, http.StatusOK, types.NewHostResponse(hostname, records))
}

// HostHandler handles path-form host queries
func (h *APIHandler) HostHandler(w http.ResponseWriter, r *http.Request) {
	h.serveHost(w, r, mux.Vars(r)["host"])
}

// QueryHandler handles /api: the host parameter when present, the
// calling client otherwise. A present-but-empty parameter is an explicit
// host query and fails classification rather than falling back.
func (h *APIHandler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	if query := r.URL.Query(); query.Has("host") {
		h.serveHost(w, r, query.Get("host"))
		return
	}
	h.SelfHandler(w, r)
}

// SelfHandler reports the calling client's own address
func (h *APIHandler) SelfHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := h.clientAddr(r)
	if err != nil {
		h.sendJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("内部错误: %v", err))
		return
	}
	h.serveAddress(w, addr)
}

// HealthHandler handles health check requests
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// StatsHandler reports cache and database status
func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":     h.manager.CacheStats(),
		"databases": h.manager.DatabaseStatus(),
	})
}

// SetupRoutes configures all HTTP routes
func (h *APIHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check and stats
	router.HandleFunc("/health", h.middleware(h.HealthHandler)).Methods("GET")
	router.HandleFunc("/stats", h.middleware(h.StatsHandler)).Methods("GET")

	// Host lookups: path form, query form, client self-lookup
	router.HandleFunc("/api/{host}", h.middleware(h.HostHandler)).Methods("GET")
	router.HandleFunc("/api", h.middleware(h.QueryHandler)).Methods("GET")
	router.HandleFunc("/", h.middleware(h.SelfHandler)).Methods("GET")
	router.HandleFunc("/{host}", h.middleware(h.HostHandler)).Methods("GET")

	// OPTIONS method for CORS
	router.HandleFunc("/{path:.*}", h.middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("OPTIONS")

	return router
}
