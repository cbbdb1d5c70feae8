package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"ipgeo/internal/geoip"
	"ipgeo/internal/resolver"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// mockManager serves canned records and never misses: unknown addresses
// get an empty record, like a real all-tables miss.
type mockManager struct {
	records           map[netip.Addr]*geoip.Record
	ShouldReturnError bool
}

func (m *mockManager) Lookup(addr netip.Addr) (*geoip.Record, error) {
	if m.ShouldReturnError {
		return nil, fmt.Errorf("mock lookup error")
	}
	if rec, ok := m.records[addr]; ok {
		return rec, nil
	}
	return &geoip.Record{Addr: addr}, nil
}

func (m *mockManager) CacheStats() map[string]interface{} {
	return map[string]interface{}{"enabled": false}
}

func (m *mockManager) DatabaseStatus() map[string]interface{} {
	return map[string]interface{}{}
}

func (m *mockManager) Close() error { return nil }

// mockResolver resolves canned hostnames and records what it was asked.
type mockResolver struct {
	mu    sync.Mutex
	asked []string
	hosts map[string][]netip.Addr
}

func (m *mockResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	m.mu.Lock()
	m.asked = append(m.asked, host)
	m.mu.Unlock()

	if addrs, ok := m.hosts[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("%w: %s", resolver.ErrNoSuchHost, host)
}

func newTestRouter(manager geoip.ManagerInterface, hostResolver HostResolver) *mux.Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAPIHandler(manager, hostResolver, logger).SetupRoutes()
}

func serveRequest(t *testing.T, router *mux.Router, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("GET", path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.RemoteAddr = "192.0.2.1:12345"
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if contentType := rr.Header().Get("Content-Type"); contentType != contentTypeJSON {
		t.Errorf("Content-Type = %q, want %q", contentType, contentTypeJSON)
	}
	if err := json.NewDecoder(rr.Body).Decode(into); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}

func validateErrorResponse(t *testing.T, rr *httptest.ResponseRecorder, wantStatus int, wantType string) {
	t.Helper()
	if rr.Code != wantStatus {
		t.Errorf("Status = %d, want %d", rr.Code, wantStatus)
	}
	var errResp ErrorResponse
	decodeJSON(t, rr, &errResp)
	if errResp.Code != wantStatus {
		t.Errorf("Error body code = %d, want %d", errResp.Code, wantStatus)
	}
	if errResp.Error != wantType {
		t.Errorf("Error body type = %q, want %q", errResp.Error, wantType)
	}
	if errResp.Message == "" {
		t.Error("Error body message should not be empty")
	}
}

func TestHostEndpointIPLiteral(t *testing.T) {
	addr := netip.MustParseAddr("36.99.0.1")
	manager := &mockManager{records: map[netip.Addr]*geoip.Record{
		addr: {
			Addr:    addr,
			Network: netip.MustParsePrefix("36.96.0.0/11"),
			ASN:     &geoip.ASNRecord{Number: 4134, Name: "中国电信", Info: "中国电信"},
			Place: &geoip.Placement{
				Country:      &geoip.Country{Code: "CN", Name: "中国"},
				Regions:      []string{"河南省", "郑州市"},
				RegionsShort: []string{"河南", "郑州"},
			},
			NetworkType: "宽带",
		},
	}}
	router := newTestRouter(manager, &mockResolver{})

	rr := serveRequest(t, router, "/36.99.0.1", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var body map[string]interface{}
	decodeJSON(t, rr, &body)

	if body["ip"] != "36.99.0.1" {
		t.Errorf("ip = %v, want 36.99.0.1", body["ip"])
	}
	if body["addr"] != "36.96.0.0/11" {
		t.Errorf("addr = %v, want 36.96.0.0/11", body["addr"])
	}
	if body["type"] != "宽带" {
		t.Errorf("type = %v, want 宽带", body["type"])
	}
	as, ok := body["as"].(map[string]interface{})
	if !ok || as["name"] != "中国电信" {
		t.Errorf("as = %v, want name 中国电信", body["as"])
	}
}

func TestEntryPointsAnswerIdentically(t *testing.T) {
	addr := netip.MustParseAddr("36.99.0.1")
	manager := &mockManager{records: map[netip.Addr]*geoip.Record{
		addr: {
			Addr:    addr,
			Network: netip.MustParsePrefix("36.96.0.0/11"),
			ASN:     &geoip.ASNRecord{Number: 4134, Name: "中国电信", Info: "中国电信"},
		},
	}}
	router := newTestRouter(manager, &mockResolver{})

	paths := []string{"/36.99.0.1", "/api/36.99.0.1", "/api?host=36.99.0.1"}
	var bodies []string
	for _, path := range paths {
		rr := serveRequest(t, router, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, rr.Code)
		}
		bodies = append(bodies, rr.Body.String())
	}

	if bodies[0] != bodies[1] || bodies[1] != bodies[2] {
		t.Errorf("Entry points disagree:\n/:        %s\n/api/:    %s\n/api?host: %s", bodies[0], bodies[1], bodies[2])
	}
}

func TestInvalidHostAnswersIdenticallyAcrossEntryPoints(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	paths := []string{"/bad..host", "/api/bad..host", "/api?host=bad..host"}
	var bodies []string
	for _, path := range paths {
		rr := serveRequest(t, router, path, nil)
		validateErrorResponse(t, rr, http.StatusBadRequest, "INVALID_HOST")
		bodies = append(bodies, rr.Body.String())
	}

	if bodies[0] != bodies[1] || bodies[1] != bodies[2] {
		t.Errorf("Entry points disagree on invalid input: %v", bodies)
	}
}

func TestHostEndpointHostname(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("93.184.216.35"),
		netip.MustParseAddr("2606:2800:220:1::1"),
	}
	hostResolver := &mockResolver{hosts: map[string][]netip.Addr{"example.com": addrs}}
	router := newTestRouter(&mockManager{}, hostResolver)

	rr := serveRequest(t, router, "/example.com", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Host string `json:"host"`
		IPs  []struct {
			IP string `json:"ip"`
		} `json:"ips"`
	}
	decodeJSON(t, rr, &body)

	if body.Host != "example.com" {
		t.Errorf("host = %q, want example.com", body.Host)
	}
	if len(body.IPs) != len(addrs) {
		t.Fatalf("len(ips) = %d, want %d", len(body.IPs), len(addrs))
	}
	for i, addr := range addrs {
		if body.IPs[i].IP != addr.String() {
			t.Errorf("ips[%d] = %q, want %q (resolver order)", i, body.IPs[i].IP, addr.String())
		}
	}
}

func TestHostnameCanonicalizedBeforeResolution(t *testing.T) {
	hostResolver := &mockResolver{hosts: map[string][]netip.Addr{
		"example.com": {netip.MustParseAddr("93.184.216.34")},
	}}
	router := newTestRouter(&mockManager{}, hostResolver)

	rr := serveRequest(t, router, "/EXAMPLE.COM.", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200; body: %s", rr.Code, rr.Body.String())
	}

	hostResolver.mu.Lock()
	defer hostResolver.mu.Unlock()
	if len(hostResolver.asked) != 1 || hostResolver.asked[0] != "example.com" {
		t.Errorf("Resolver asked %v, want [example.com]", hostResolver.asked)
	}

	var body struct {
		Host string `json:"host"`
	}
	decodeJSON(t, rr, &body)
	if body.Host != "example.com" {
		t.Errorf("host = %q, want canonical example.com", body.Host)
	}
}

func TestUnresolvableHostname(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	rr := serveRequest(t, router, "/nosuch.example", nil)
	validateErrorResponse(t, rr, http.StatusNotFound, "RESOLVE_ERROR")
}

func TestInvalidHostInputs(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	paths := []string{
		"/bad..host",
		"/ex%20ample.com",
		"/" + strings.Repeat("a", 300),
		"/api?host=",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rr := serveRequest(t, router, path, nil)
			validateErrorResponse(t, rr, http.StatusBadRequest, "INVALID_HOST")
		})
	}
}

func TestLookupFailureIsInternalError(t *testing.T) {
	router := newTestRouter(&mockManager{ShouldReturnError: true}, &mockResolver{})

	rr := serveRequest(t, router, "/8.8.8.8", nil)
	validateErrorResponse(t, rr, http.StatusInternalServerError, "INTERNAL_ERROR")
}

func TestSelfLookupEndpoints(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	for _, path := range []string{"/", "/api"} {
		t.Run(path, func(t *testing.T) {
			rr := serveRequest(t, router, path, nil)

			if rr.Code != http.StatusOK {
				t.Fatalf("Status = %d, want 200; body: %s", rr.Code, rr.Body.String())
			}
			var body map[string]interface{}
			decodeJSON(t, rr, &body)
			if body["ip"] != "192.0.2.1" {
				t.Errorf("ip = %v, want the connection peer 192.0.2.1", body["ip"])
			}
		})
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name: "No headers falls back to peer",
			want: "192.0.2.1",
		},
		{
			name:    "Cloudflare header honored",
			headers: map[string]string{"CF-Connecting-IP": "93.184.216.34"},
			want:    "93.184.216.34",
		},
		{
			name:    "Private CDN value skipped",
			headers: map[string]string{"CF-Connecting-IP": "10.1.2.3"},
			want:    "192.0.2.1",
		},
		{
			name:    "Documentation CDN value skipped",
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.7"},
			want:    "192.0.2.1",
		},
		{
			name:    "Broadcast value skipped",
			headers: map[string]string{"X-Real-IP": "255.255.255.255"},
			want:    "192.0.2.1",
		},
		{
			name:    "CDN header beats X-Forwarded-For",
			headers: map[string]string{"True-Client-IP": "93.184.216.34", "X-Forwarded-For": "151.101.1.69"},
			want:    "93.184.216.34",
		},
		{
			name:    "X-Real-IP honored",
			headers: map[string]string{"X-Real-IP": "151.101.1.69"},
			want:    "151.101.1.69",
		},
		{
			name:    "X-Forwarded-For first hop",
			headers: map[string]string{"X-Forwarded-For": "151.101.1.69, 70.41.3.18, 150.172.238.178"},
			want:    "151.101.1.69",
		},
		{
			name:    "Private first hop not chased further",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.9, 151.101.1.69"},
			want:    "192.0.2.1",
		},
		{
			name:    "Documentation IPv6 first hop skipped",
			headers: map[string]string{"X-Forwarded-For": "2001:db8::99"},
			want:    "192.0.2.1",
		},
		{
			name:    "Forwarded header parsed",
			headers: map[string]string{"Forwarded": "for=93.184.216.34;proto=http;by=10.0.0.5"},
			want:    "93.184.216.34",
		},
		{
			name:    "Forwarded IPv6 quoted and bracketed",
			headers: map[string]string{"Forwarded": `for="[2606:4700:4700::1111]";proto=https`},
			want:    "2606:4700:4700::1111",
		},
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	handler := NewAPIHandler(&mockManager{}, &mockResolver{}, logger)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "192.0.2.1:12345"
			for key, value := range tt.headers {
				req.Header.Set(key, value)
			}

			addr, err := handler.clientAddr(req)
			if err != nil {
				t.Fatalf("clientAddr() failed: %v", err)
			}
			if addr.String() != tt.want {
				t.Errorf("clientAddr() = %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	rr := serveRequest(t, router, "/health", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rr.Code)
	}
	var body map[string]string
	decodeJSON(t, rr, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	rr := serveRequest(t, router, "/stats", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rr.Code)
	}
	var body map[string]interface{}
	decodeJSON(t, rr, &body)
	for _, key := range []string{"cache", "databases"} {
		if _, ok := body[key]; !ok {
			t.Errorf("Stats body missing key %q", key)
		}
	}
}

func TestSecurityAndCORSHeaders(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	rr := serveRequest(t, router, "/health", nil)

	headers := map[string]string{
		"X-Content-Type-Options":      "nosniff",
		"X-Frame-Options":             "DENY",
		"Access-Control-Allow-Origin": "*",
	}
	for key, want := range headers {
		if got := rr.Header().Get(key); got != want {
			t.Errorf("Header %s = %q, want %q", key, got, want)
		}
	}
}

func TestOptionsPreflight(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	req, err := http.NewRequest("OPTIONS", "/8.8.8.8", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Preflight response missing Access-Control-Allow-Methods")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(&mockManager{}, &mockResolver{})

	req, err := http.NewRequest("POST", "/8.8.8.8", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rr.Code)
	}
}
