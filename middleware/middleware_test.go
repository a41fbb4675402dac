package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestRateLimiterRefill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	rl := NewRateLimiter(ctx, 60, 2) // one token per second
	rl.now = clock.now

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("a"); !ok {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	ok, wait := rl.Allow("a")
	if ok || wait != time.Second {
		t.Fatalf("third request = %v, wait %v", ok, wait)
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatalf("other client rejected")
	}

	// half a second refills half a token; fractions accumulate
	clock.t = clock.t.Add(500 * time.Millisecond)
	if ok, _ := rl.Allow("a"); ok {
		t.Fatalf("request allowed with half a token")
	}
	clock.t = clock.t.Add(500 * time.Millisecond)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatalf("request rejected after a full token accumulated")
	}

	clock.t = clock.t.Add(2 * time.Hour)
	if n := rl.evictIdle(); n != 2 {
		t.Fatalf("evicted %d idle clients, want 2", n)
	}
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }
	r.GET("/v1/things", ok)
	r.POST("/v1/things", ok)
	r.GET("/metrics", ok)
	return r
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRouter(RateLimitMiddleware(NewRateLimiter(ctx, 1, 1)))

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/things", nil))
		codes[i] = w.Code
		if i == 1 && w.Header().Get("Retry-After") == "" {
			t.Fatalf("rejection carries no Retry-After")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"http://ok.example"}))

	tests := []struct {
		origin string
		method string
		allow  string
		code   int
	}{
		{"http://ok.example", http.MethodGet, "http://ok.example", http.StatusOK},
		{"http://evil.example", http.MethodGet, "", http.StatusOK},
		{"http://ok.example", http.MethodOptions, "http://ok.example", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.origin+" "+tt.method, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/things", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.code || w.Header().Get("Access-Control-Allow-Origin") != tt.allow {
				t.Fatalf("code %d, allow %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestRequestValidationMiddleware(t *testing.T) {
	r := newRouter(SecurityHeadersMiddleware(false), RequestValidationMiddleware("/metrics"))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		code   int
	}{
		{"json body", http.MethodPost, "/v1/things", "{}", map[string]string{"Content-Type": "application/json"}, http.StatusOK},
		{"empty post", http.MethodPost, "/v1/things", "", nil, http.StatusOK},
		{"text body", http.MethodPost, "/v1/things", "x", map[string]string{"Content-Type": "text/plain"}, http.StatusUnsupportedMediaType},
		{"html accept", http.MethodGet, "/v1/things", "", map[string]string{"Accept": "text/html"}, http.StatusNotAcceptable},
		{"metrics accept", http.MethodGet, "/metrics", "", map[string]string{"Accept": "text/plain;version=0.0.4"}, http.StatusOK},
		{"scanner", http.MethodGet, "/v1/things", "", map[string]string{"User-Agent": "sqlmap/1.7"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d", w.Code, tt.code)
			}
			if w.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Fatalf("security headers missing")
			}
		})
	}
}
