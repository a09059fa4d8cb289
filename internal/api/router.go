// OrderSync - Rate-Limited Storefront Order Ingestion
// Copyright 2026 Dropstack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dropstack/ordersync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropstack/ordersync/internal/config"
)

// Router wires handlers and middleware into the Chi route tree.
type Router struct {
	handlers *Handlers
	mw       *Middleware
}

// NewRouter creates the API router.
func NewRouter(handlers *Handlers, cfg *config.ServerConfig) *Router {
	return &Router{
		handlers: handlers,
		mw:       NewMiddleware(cfg),
	}
}

// Setup builds the full route tree.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogging())
	r.Use(rt.mw.CORS())

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/v1/health", rt.handlers.Health)

	r.Route("/api/v1/sync/{tenant}", func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Post("/", rt.handlers.StartSync)
		r.Delete("/", rt.handlers.CancelSync)
		r.Get("/status", rt.handlers.SyncStatus)
		r.Get("/live", rt.handlers.LiveUpdates)
	})

	return r
}
