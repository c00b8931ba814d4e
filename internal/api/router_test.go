package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterRoutesKnownEndpoints(t *testing.T) {
	board := leaderboardServer(0)
	defer board.Close()
	probe := probeServer(true)
	defer probe.Close()
	s, _, _, _ := newTestServer(t, board, probe)

	handler := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/getleaderboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRouterUnknownPathIs404(t *testing.T) {
	board := leaderboardServer(0)
	defer board.Close()
	probe := probeServer(true)
	defer probe.Close()
	s, _, _, _ := newTestServer(t, board, probe)

	handler := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestRouterAppliesCORSHeaders(t *testing.T) {
	board := leaderboardServer(0)
	defer board.Close()
	probe := probeServer(true)
	defer probe.Close()
	s, _, _, _ := newTestServer(t, board, probe)

	handler := s.Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/getleaderboard", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
