package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelododaro/open-deep-research/internal/testutil"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingLimiter) Close() error                                { return nil }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", nil)
	req.RemoteAddr = remote
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	m, _ := newClockedLimiter(1, 2)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	denied := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	h := Middleware(m, IPKeyFunc, denied, testutil.TestLogger())(ok)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1000").Code)
	rec := serve(h, "10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2:1000").Code, "separate bucket per address")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(failingLimiter{}, IPKeyFunc, nil, testutil.TestLogger())(ok)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1000").Code)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	m, _ := newClockedLimiter(1, 1)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(m, func(*http.Request) string { return "" }, nil, testutil.TestLogger())(ok)
	for range 5 {
		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1000").Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:5555"
	assert.Equal(t, "ip:192.168.1.7", IPKeyFunc(req))
}
