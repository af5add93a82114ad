// Package server exposes the latest snapshot over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Dicklesworthstone/sysmoni/internal/model"
)

// Source is the subset of the sampling loop the HTTP API reads.
type Source interface {
	Latest() *model.Snapshot
	Ticks() uint64
}

// Server serves snapshots. It is safe to use concurrently.
type Server struct {
	source Source
	logger *slog.Logger
	router *mux.Router
}

// NewServer constructs a Server with all routes registered.
func NewServer(source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{source: source, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/cpu/temperature", s.handleCPUTemperature).Methods(http.MethodGet)
}

type healthResponse struct {
	Status   string     `json:"status"`
	Ticks    uint64     `json:"ticks"`
	LastTick *time.Time `json:"last_tick"`
}

// handleHealth reports "starting" until the first snapshot exists.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "starting", Ticks: s.source.Ticks()}
	if snap := s.source.Latest(); snap != nil {
		resp.Status = "ok"
		ts := snap.Timestamp
		resp.LastTick = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type temperatureResponse struct {
	Temperature float64 `json:"temperature"`
	Unit        string  `json:"unit"`
	Sensor      string  `json:"sensor"`
}

// handleCPUTemperature implements:
//
//	GET /cpu/temperature
//
// Response: 200 {temperature, unit, sensor} or 503 when no sensor reads.
func (s *Server) handleCPUTemperature(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Latest()
	if snap == nil || snap.CPU.Temperature == nil {
		reason := "no snapshot yet"
		if snap != nil {
			reason = "cpu temperature unavailable"
			if why, ok := snap.Unavailable[model.SectionCPUTemperature]; ok {
				reason = why
			}
		}
		writeError(w, http.StatusServiceUnavailable, reason)
		return
	}
	resp := temperatureResponse{
		Temperature: *snap.CPU.Temperature,
		Unit:        string(model.UnitCelsius),
	}
	if snap.CPU.TemperatureSource != nil {
		resp.Sensor = *snap.CPU.TemperatureSource
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
