// Package server provides the HTTP server and handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryan-buckman/planet/internal/config"
	"github.com/bryan-buckman/planet/internal/opml"
	"github.com/bryan-buckman/planet/internal/page"
	"github.com/bryan-buckman/planet/internal/planet"
	"github.com/bryan-buckman/planet/internal/rss"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the main HTTP server.
type Server struct {
	cfg      *config.Config
	planet   *planet.Planet
	fetcher  *rss.Fetcher
	poller   *rss.Poller
	registry *prometheus.Registry
	router   chi.Router
	log      logrus.FieldLogger
	now      func() time.Time

	// mu is held for writing while channels are updated and for reading
	// while they are rendered.
	mu sync.RWMutex
}

// New creates a new server. reg receives the metrics served on /metrics.
func New(cfg *config.Config, p *planet.Planet, fetcher *rss.Fetcher, reg *prometheus.Registry, log logrus.FieldLogger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		planet:   p,
		fetcher:  fetcher,
		registry: reg,
		log:      log,
		now:      time.Now,
	}
	poller, err := rss.NewPoller(cfg.Planet.Schedule, func(ctx context.Context) {
		if _, err := s.Refresh(ctx); err != nil {
			s.log.WithError(err).Warn("Scheduled update incomplete")
		}
	}, log)
	if err != nil {
		return nil, err
	}
	s.poller = poller
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/feeds/{name}", s.handleFeed)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleChannels)
		r.Get("/pages/{name}", s.handlePage)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the poller and serves addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.poller.Start()
	defer s.poller.Stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Infof("Server starting on %s", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Refresh updates every channel. Concurrent calls wait for each other, as do
// requests that read the channels.
func (s *Server) Refresh(ctx context.Context) ([]rss.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := s.fetcher.FetchAll(ctx, s.planet.Channels())
	s.planet.Invalidate()
	return results, err
}

// --- API Handlers ---

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := page.ChannelList(s.planet.Channels())
	channels := make([]map[string]string, 0, len(infos))
	for _, info := range infos {
		channels = append(channels, info.Map())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	pg, _, ok := s.page(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "Unknown output", http.StatusNotFound)
		return
	}
	data, err := pg.JSON()
	if err != nil {
		s.log.WithError(err).Error("Render failed")
		http.Error(w, "Render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", page.ContentType(page.FormatJSON))
	w.Write(data)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	pg, format, ok := s.page(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "Unknown output", http.StatusNotFound)
		return
	}
	data, err := pg.Render(format)
	if err != nil {
		s.log.WithError(err).Error("Render failed")
		http.Error(w, "Render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", page.ContentType(format))
	w.Write(data)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := s.Refresh(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Fetch error: %v", err), http.StatusInternalServerError)
		return
	}

	counts := make(map[string]int)
	for _, res := range results {
		counts[res.State.String()]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"channels": len(results),
		"states":   counts,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := opml.Export(opml.Head{
		Title:      s.cfg.Planet.Name,
		OwnerName:  s.cfg.Planet.OwnerName,
		OwnerEmail: s.cfg.Planet.OwnerEmail,
	}, s.planet.Channels(), s.now())
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=planet.opml")
	w.Write(data)
}

// --- Helpers ---

// page assembles the named output and returns it with its format.
func (s *Server) page(name string) (*page.Page, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.cfg.Output(name)
	if !ok {
		return nil, "", false
	}
	settings := s.cfg.Settings(o)
	pg := page.New(settings.Name, s.cfg.Meta(), s.planet.Items(), s.planet.Channels(), settings.Options(s.now()))
	return pg, settings.Format, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request at debug level.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
			}).Debug("Request")
		})
	}
}
