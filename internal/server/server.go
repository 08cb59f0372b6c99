// Package server exposes the HTTP status and inbound API of a warren instance.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/internal/logger"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodyBytes caps inbound message bodies.
const maxBodyBytes = 1 << 20

// Deps are the components the API reports on. Only Manager is required.
type Deps struct {
	Manager     *broker.Manager
	Coordinator *coordinator.Coordinator
	Store       *casstore.Store
	Ingest      *ingest.Subscriber

	// Ping checks external dependencies for /healthz, e.g. Redis.
	Ping func(ctx context.Context) error

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// Server serves the API.
type Server struct {
	deps   Deps
	logger *zap.Logger
	router chi.Router
	server *http.Server
	addr   net.Addr
}

// New builds the router.
func New(deps Deps) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	s := &Server{deps: deps, logger: logger.OrNop(deps.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.stats)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", s.listRooms)
		r.Post("/{room}/messages", s.postMessage)
		r.Get("/{room}/log", s.roomLog)
	})

	s.router = r
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening",
		logger.Event("server_started"),
		zap.String("addr", s.addr.String()))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Rooms: len(s.deps.Manager.Rooms())}

	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of /stats.
type StatsResponse struct {
	Rooms       map[string]broker.Stats `json:"rooms"`
	Coordinator *coordinator.Stats      `json:"coordinator,omitempty"`
	Store       *casstore.Stats         `json:"store,omitempty"`
	Ingest      *ingest.Stats           `json:"ingest,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Rooms: s.deps.Manager.Stats()}
	if s.deps.Coordinator != nil {
		st := s.deps.Coordinator.Stats()
		resp.Coordinator = &st
	}
	if s.deps.Store != nil {
		st := s.deps.Store.Stats()
		resp.Store = &st
	}
	if s.deps.Ingest != nil {
		st := s.deps.Ingest.Stats()
		resp.Ingest = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"rooms": s.deps.Manager.Rooms()})
}

// AcceptedResponse is returned for an accepted message.
type AcceptedResponse struct {
	RoomID    string `json:"room_id"`
	Seq       int64  `json:"seq"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// postMessage accepts a message for the room in the path. With ?wait=true the
// response is delayed until the message's outcome is final.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg broker.Message
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&msg); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	msg.RoomID = chi.URLParam(r, "room")

	receipt, err := s.deps.Manager.RouteMessage(r.Context(), &msg)
	if err != nil {
		status, code := routeErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	resp := AcceptedResponse{
		RoomID:    receipt.RoomID,
		Seq:       receipt.Seq,
		MessageID: receipt.MessageID,
		Status:    "accepted",
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if err := receipt.Wait(r.Context()); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		writeJSON(w, outcomeStatus(err), resp)
		return
	}
	resp.Status = "committed"
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) roomLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no_store", "results are not persisted by this instance")
		return
	}
	log, err := broker.ReadRoomLog(r.Context(), s.deps.Store, chi.URLParam(r, "room"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func routeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrNoRoomID):
		return http.StatusBadRequest, "no_room_id"
	case errors.Is(err, broker.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, broker.ErrManagerStopped), errors.Is(err, broker.ErrBrokerStopped):
		return http.StatusServiceUnavailable, "stopped"
	default:
		return http.StatusInternalServerError, "routing_error"
	}
}

func outcomeStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrProcessingFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrBrokerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
