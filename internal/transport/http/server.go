// Package http provides the HTTP transport layer for alarmd.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /alarms              submit or replace an alarm
//	GET    /alarms              pending alarms in firing order
//	DELETE /alarms/{id}         cancel an alarm
//	GET    /alarms/ws           fired-alarm stream (WebSocket)
//	GET    /history             journaled outcomes, newest first
//	GET    /history/{ticket}    one journaled outcome
//	POST   /subscriptions       register a webhook for fired alarms
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/epochalarm/internal/broker"
	"github.com/snehjoshi/epochalarm/internal/config"
	"github.com/snehjoshi/epochalarm/internal/consumer"
	"github.com/snehjoshi/epochalarm/internal/metrics"
	transportws "github.com/snehjoshi/epochalarm/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with alarmd route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around a Broker. cm and reg may be nil; without cm the
// subscription routes answer 501.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{broker: b, consumer: cm, metrics: reg}
	ws := &transportws.Handler{Broker: b}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /alarms", h.submitAlarm)
	mux.HandleFunc("GET /alarms", h.listAlarms)
	mux.HandleFunc("DELETE /alarms/{id}", h.cancelAlarm)
	mux.Handle("GET /alarms/ws", ws)

	mux.HandleFunc("GET /history", h.listHistory)
	mux.HandleFunc("GET /history/{ticket}", h.getRecord)

	// Webhook subscriptions
	mux.HandleFunc("POST /subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// metrics → CORS → body limit → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		MetricsMiddleware(reg),
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: it would cut long-lived WebSocket streams.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
