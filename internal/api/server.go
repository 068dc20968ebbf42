// Package api exposes a local REST surface for observing and driving the
// node, plus the prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the JSON snapshot served by GET /api/v1/status.
type Status struct {
	Joined      bool    `json:"joined"`
	DevEUI      string  `json:"devEUI"`
	DevAddr     string  `json:"devAddr"`
	Region      string  `json:"region"`
	Class       string  `json:"class"`
	FCntUp      uint32  `json:"fCntUp"`
	FCntDown    uint32  `json:"fCntDown"`
	DataRate    int     `json:"dataRate"`
	SF          int     `json:"sf"`
	RxState     string  `json:"rxState"`
	LastRSSI    int16   `json:"lastRSSI"`
	LastSNR     float64 `json:"lastSNR"`
	ADR         bool    `json:"adr"`
	SessionFile string  `json:"sessionFile"`
}

// ChannelUsage is one row of GET /api/v1/dutycycle.
type ChannelUsage struct {
	Channel   int     `json:"channel"`
	Frequency float64 `json:"frequency"`
	Usage     float64 `json:"usagePercent"`
}

// Node is what the API needs from the daemon. Mutating calls are
// enqueued to the MAC owner loop, never executed on the HTTP goroutine.
type Node interface {
	Status() Status
	DutyCycle() []ChannelUsage
	EnqueueSend(data []byte, port uint8, confirmed bool) error
	EnqueueLinkCheck() error
	EnqueueReset() error
}

// Server wraps the HTTP listener.
type Server struct {
	node   Node
	router chi.Router
	server *http.Server
}

// NewServer builds the router.
func NewServer(node Node) *Server {
	s := &Server{
		node:   node,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/dutycycle", s.handleDutyCycle)
		r.Post("/send", s.handleSend)
		r.Post("/linkcheck", s.handleLinkCheck)
		r.Post("/reset", s.handleReset)
	})

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ListenAndServe starts the listener; it returns on shutdown or error.
func (s *Server) ListenAndServe(host string, port int) error {
	s.server.Addr = fmt.Sprintf("%s:%d", host, port)
	log.Info().Str("addr", s.server.Addr).Msg("API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleDutyCycle(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.node.DutyCycle())
}

type sendRequest struct {
	Data      string `json:"data"` // base64
	Port      uint8  `json:"port"`
	Confirmed bool   `json:"confirmed"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "data must be base64")
		return
	}
	if req.Port == 0 {
		req.Port = 1
	}

	if err := s.node.EnqueueSend(data, req.Port, req.Confirmed); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleLinkCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.node.EnqueueLinkCheck(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.node.EnqueueReset(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
