// Package server assembles all HTTP handlers and starts the server.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signaldetect/maude/internal/handler"
	"github.com/signaldetect/maude/internal/orchestrator"
	"github.com/signaldetect/maude/internal/registry"
	"github.com/signaldetect/maude/internal/store"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Store        store.Store
}

// Run starts the HTTP server with all routes registered.
func Run(ctx context.Context, cfg Config) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	sh := handler.NewSignalsHandler(cfg.Orchestrator)
	r.Post("/api/analytics/signals/advanced", sh.DetectAdvanced)
	r.Get("/api/analytics/signals", sh.DetectSimple)

	gh := handler.NewGroupsHandler(cfg.Registry, cfg.Store)
	r.Route("/api/entity-groups", func(r chi.Router) {
		r.Get("/", gh.List)
		r.Post("/", gh.Create)
		r.Get("/suggest-name", gh.SuggestName)
		r.Get("/available-entities", gh.AvailableEntities)
		r.Get("/{id}", gh.Get)
		r.Put("/{id}", gh.Update)
		r.Delete("/{id}", gh.Delete)
		r.Post("/{id}/activate", gh.Activate)
		r.Post("/{id}/deactivate", gh.Deactivate)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("starting server on %s", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	return srv.ListenAndServe()
}
