package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/dps-go/internal/telemetry/logger"
	"github.com/yndnr/dps-go/internal/telemetry/metric"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ","); got != "a,b,handler" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if !strings.HasPrefix(seen, "req-") {
			t.Errorf("expected generated id, got %q", seen)
		}
		if rec.Header().Get("X-Request-ID") != seen {
			t.Errorf("header %q does not match context %q", rec.Header().Get("X-Request-ID"), seen)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "req-upstream")
		h.ServeHTTP(httptest.NewRecorder(), req)
		if seen != "req-upstream" {
			t.Errorf("expected req-upstream, got %q", seen)
		}
	})
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recover(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Error-Code") != "DPS-SYS-5000" {
		t.Errorf("unexpected error code %q", rec.Header().Get("X-Error-Code"))
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("expected panic to be logged")
	}
}

func TestRateLimit_PerIP(t *testing.T) {
	h := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	code := func(ip string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if c := code("192.0.2.1"); c != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, c)
		}
	}
	if c := code("192.0.2.1"); c != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", c)
	}
	if c := code("192.0.2.2"); c != http.StatusOK {
		t.Errorf("other client should not be limited, got %d", c)
	}
}

func TestMetrics(t *testing.T) {
	reg := metric.NewRegistry()
	h := Metrics(reg, "GET /x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	if got := testutil.ToFloat64(reg.HTTPRequests.WithLabelValues("GET /x", "418")); got != 1 {
		t.Errorf("expected 1 request, got %v", got)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote", nil, "192.0.2.1:80", "192.0.2.1"},
		{"ipv6 remote", nil, "[2001:db8::1]:80", "2001:db8::1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "192.0.2.1:80", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "192.0.2.1:80", "198.51.100.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
