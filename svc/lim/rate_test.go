package lim

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLimiter(conservativeLimit int, trustedProxies []string) *Limiter {
	return New(60, 10, conservativeLimit, nil, trustedProxies)
}

func TestLocalFallbackAllowsBurst(t *testing.T) {
	l := newTestLimiter(5, nil)
	defer l.Stop()

	req := httptest.NewRequest(http.MethodGet, "/pastes/abc", nil)
	req.RemoteAddr = "203.0.113.10:54321"

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckLimit(req, "read").Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d requests, want burst of 5", allowed)
	}
}

func TestEndpointBudgetsAreIndependent(t *testing.T) {
	l := newTestLimiter(2, nil)
	defer l.Stop()

	req := httptest.NewRequest(http.MethodGet, "/pastes/abc", nil)
	req.RemoteAddr = "203.0.113.10:54321"

	for i := 0; i < 2; i++ {
		if !l.CheckLimit(req, "read").Allowed {
			t.Fatalf("read request %d rejected", i)
		}
	}
	if l.CheckLimit(req, "read").Allowed {
		t.Error("read budget not exhausted")
	}
	if !l.CheckLimit(req, "write").Allowed {
		t.Error("write budget exhausted by read traffic")
	}
}

func TestClientsIsolatedByIP(t *testing.T) {
	l := newTestLimiter(1, nil)
	defer l.Stop()

	a := httptest.NewRequest(http.MethodGet, "/pastes/abc", nil)
	a.RemoteAddr = "203.0.113.10:1000"
	b := httptest.NewRequest(http.MethodGet, "/pastes/abc", nil)
	b.RemoteAddr = "203.0.113.11:1000"

	if !l.CheckLimit(a, "read").Allowed {
		t.Fatal("first client rejected")
	}
	if l.CheckLimit(a, "read").Allowed {
		t.Error("first client not exhausted")
	}
	if !l.CheckLimit(b, "read").Allowed {
		t.Error("second client throttled by the first")
	}
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	l := newTestLimiter(4, nil)
	defer l.Stop()
	l.triggerAdaptiveMode()

	req := httptest.NewRequest(http.MethodGet, "/pastes/abc", nil)
	req.RemoteAddr = "203.0.113.10:54321"

	allowed := 0
	for i := 0; i < 8; i++ {
		if l.CheckLimit(req, "read").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d requests in adaptive mode, want 2", allowed)
	}
}

func TestGetRealIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted []string
		want    string
	}{
		{"no proxies", "198.51.100.7:443", "10.0.0.1", nil, "198.51.100.7"},
		{"untrusted remote ignores xff", "198.51.100.7:443", "10.0.0.1", []string{"192.0.2.1"}, "198.51.100.7"},
		{"trusted remote walks xff", "192.0.2.1:443", "198.51.100.7", []string{"192.0.2.1"}, "198.51.100.7"},
		{"skips trusted hops right to left", "192.0.2.1:443", "198.51.100.7, 192.0.2.2", []string{"192.0.2.1", "192.0.2.2"}, "198.51.100.7"},
		{"cidr trust", "10.1.2.3:443", "198.51.100.7", []string{"10.0.0.0/8"}, "198.51.100.7"},
		{"garbage hop skipped", "192.0.2.1:443", "198.51.100.7, not-an-ip", []string{"192.0.2.1"}, "198.51.100.7"},
		{"all hops trusted falls back to remote", "192.0.2.1:443", "192.0.2.2", []string{"192.0.2.1", "192.0.2.2"}, "192.0.2.1"},
		{"empty xff", "192.0.2.1:443", "", []string{"192.0.2.1"}, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetRealIP(req, tt.trusted); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
