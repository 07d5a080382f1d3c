// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"firetrack/internal/config"
)

// The API gateway gives the presentation layer one origin: device-side
// lifecycle and sync routes under /api/v1/device, the backend under
// /api/v1/backend.
func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	syncdURL, err := url.Parse(cfg.SyncdURL)
	if err != nil {
		log.Fatalf("Invalid syncd url: %v", err)
	}
	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		log.Fatalf("Invalid backend url: %v", err)
	}

	syncdProxy := httputil.NewSingleHostReverseProxy(syncdURL)
	backendProxy := httputil.NewSingleHostReverseProxy(backendURL)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Mount("/api/v1/device", http.StripPrefix("/api/v1/device", syncdProxy))
	router.Mount("/api/v1/backend", http.StripPrefix("/api/v1/backend", backendProxy))

	logger.Info("API gateway listening", "addr", cfg.Addr, "syncd", cfg.SyncdURL, "backend", cfg.BackendURL)
	log.Fatal(http.ListenAndServe(cfg.Addr, router))
}
