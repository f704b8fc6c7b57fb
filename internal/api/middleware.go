package api

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/utakatalp/league-outlook/internal/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request with its status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithHTTPContext(r.Method, r.URL.Path, r.RemoteAddr).WithFields(logrus.Fields{
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("Request handled")
	})
}

// RateLimitMiddleware rejects requests beyond perSecond with the given burst.
// Simulations are CPU bound, so one limiter guards the whole server.
func RateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Router returns the routes wrapped in logging and, when perSecond > 0,
// rate limiting.
func (h *APIHandler) Router(perSecond float64, burst int) http.Handler {
	r := h.SetupRoutes()
	r.Use(LoggingMiddleware)
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.Use(RateLimitMiddleware(perSecond, burst))
	}
	return r
}
