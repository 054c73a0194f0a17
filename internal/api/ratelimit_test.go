package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeCounter struct {
	mu   sync.Mutex
	hits map[string]int64
	keys []string
	err  error
}

func (f *fakeCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.hits == nil {
		f.hits = make(map[string]int64)
	}
	f.hits[key]++
	f.keys = append(f.keys, key)
	return f.hits[key], window, nil
}

func TestRateLimiterMiddleware(t *testing.T) {
	counter := &fakeCounter{}
	limiter := NewRateLimiter(counter, "views", 2, time.Minute)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := hit("10.0.0.1:4000"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}

	rec := hit("10.0.0.1:4001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}

	// limits are per client
	if rec := hit("10.0.0.2:4000"); rec.Code != http.StatusNoContent {
		t.Errorf("other client = %d", rec.Code)
	}
	if counter.keys[0] != "rate_limit:views:10.0.0.1" {
		t.Errorf("key = %q", counter.keys[0])
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter := NewRateLimiter(&fakeCounter{err: errors.New("redis down")}, "views", 1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d = %d, want pass-through", i, rec.Code)
		}
	}
}

func TestViewRouteIsRateLimited(t *testing.T) {
	a := newTestAPI(t, NewRateLimiter(&fakeCounter{}, "views", 1, time.Minute))

	rec, _ := a.do(t, http.MethodPost, "/api/v1/projects/p1/view", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first view = %d", rec.Code)
	}
	rec, env := a.do(t, http.MethodPost, "/api/v1/projects/p1/view", "", nil)
	expectError(t, rec, env, http.StatusTooManyRequests, "rate_limited")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.168.1.5:5678", "192.168.1.5"},
		{"[::1]:80", "::1"},
		{"203.0.113.9", "203.0.113.9"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
