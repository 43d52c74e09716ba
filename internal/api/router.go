// Package api assembles the HTTP surface of the MTR service.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/api/handlers"
	"github.com/drfirst/go-mtr/internal/api/middleware"
	"github.com/drfirst/go-mtr/internal/drugdb"
	"github.com/drfirst/go-mtr/internal/interaction"
	"github.com/drfirst/go-mtr/internal/observability/metrics"
	"github.com/drfirst/go-mtr/internal/review"
	"github.com/drfirst/go-mtr/pkg/circuitbreaker"
)

// Deps are the collaborators the router serves
type Deps struct {
	ServiceName   string
	Version       string
	Service       *review.Service
	Checker       *interaction.Checker
	KnowledgeBase drugdb.Provider
	Breakers      *circuitbreaker.Manager
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// JWTSecret enables bearer token auth. Without it the caller is taken
	// from the X-User-ID and X-Workplace-ID headers.
	JWTSecret []byte
	Logger    *zap.Logger
}

// NewRouter builds the service router
func NewRouter(d Deps) chi.Router {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Tracing(d.ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics.HTTPRequestDuration))
	}

	r.Get("/health", health(d))
	r.Get("/ready", ready(d.Ready))
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.HandlerFor(d.Gatherer))
	}

	r.Route("/api/v1/mtr", func(r chi.Router) {
		r.Use(middleware.Auth(d.JWTSecret))
		r.Mount("/sessions", handlers.NewSessionHandler(d.Service, d.Logger).Routes())
		r.Mount("/", handlers.NewReferenceHandler(d.Checker, d.KnowledgeBase, d.Logger).Routes())
	})
	return r
}

type healthResponse struct {
	Status           string                        `json:"status"`
	Service          string                        `json:"service"`
	Version          string                        `json:"version"`
	KnowledgeVersion string                        `json:"knowledgeVersion,omitempty"`
	Breakers         []circuitbreaker.HealthStatus `json:"breakers"`
}

// health is degraded, not down, while a breaker is open: reviews keep
// running on the last knowledge base snapshot.
func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "healthy",
			Service:  d.ServiceName,
			Version:  d.Version,
			Breakers: []circuitbreaker.HealthStatus{},
		}
		if d.KnowledgeBase != nil {
			resp.KnowledgeVersion = d.KnowledgeBase.Current().Version()
		}
		if d.Breakers != nil {
			resp.Breakers = d.Breakers.Health()
			for _, b := range resp.Breakers {
				if !b.Healthy {
					resp.Status = "degraded"
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

func ready(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}
