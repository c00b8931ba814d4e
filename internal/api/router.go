package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

// Router builds the full HTTP handler: httprouter routes wrapped in CORS and
// a structured access-log middleware (spec §6 HTTP surface).
func (s *Server) Router() http.Handler {
	r := httprouter.New()
	r.POST("/api/v1/submitscore", s.handleSubmitScore)
	r.POST("/api/v1/s3cr3tUnlockAll", s.handleUnlockAll)
	r.GET("/api/v1/jobs/:id", s.handleJobStatus)
	r.GET("/api/v1/getleaderboard", s.handleLeaderboard)
	r.GET("/health", s.handleHealth)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)

	return s.accessLog(handler)
}

// accessLog logs method, path, status and latency for every request, the
// ambient-stack equivalent of a production RPC server's per-call log line.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "latency", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
