// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package api

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/dropstack/ordersync/internal/config"
	"github.com/dropstack/ordersync/internal/logging"
)

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// requestIDHeader is echoed back to clients and accepted from trusted proxies.
const requestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the request id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// RequestID assigns each request a UUID (or adopts the one a proxy already
// set) and echoes it in the response header.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
		})
	}
}

// RequestLogging logs one structured line per request after it completes.
func RequestLogging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logging.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("remote", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// Middleware holds the configured cross-cutting HTTP middleware.
type Middleware struct {
	cfg  *config.ServerConfig
	cors func(http.Handler) http.Handler
}

// NewMiddleware builds the middleware set from server configuration.
func NewMiddleware(cfg *config.ServerConfig) *Middleware {
	return &Middleware{
		cfg: cfg,
		cors: cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
			MaxAge:         86400,
		}),
	}
}

// CORS returns the go-chi/cors handler for the configured origins.
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// RateLimit returns per-client-IP inbound rate limiting. This bounds abusive
// clients at the edge; outbound pacing toward the remote platform is the
// scheduler's job and is configured separately.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	if m.cfg.RateLimitReqs <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		m.cfg.RateLimitReqs,
		m.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)
}
