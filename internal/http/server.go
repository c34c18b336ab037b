package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"replog/pkg/kv"
	"replog/pkg/logerrors"
	"replog/pkg/replication"
	"replog/pkg/request"
	"replog/pkg/types"
	"replog/pkg/wal"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	maxBodyBytes             = 64 << 20
)

type iLog interface {
	AppendRequest(ctx context.Context, req *request.Request) (types.Offset, error)
	Status() (wal.Status, error)
}

type iStoreAPI interface {
	Get(key []byte) (kv.Item, bool)
}

type iInbox interface {
	Push(ctx context.Context, m replication.Message) error
}

type iMetrics interface {
	WriteText(w io.Writer) error
}

// Server represents the HTTP server in front of one replica
type Server struct {
	log        iLog
	store      iStoreAPI
	inbox      iInbox
	metrics    iMetrics
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// NewServer creates a new server instance
func NewServer(log iLog, store iStoreAPI, inbox iInbox, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		log:               log,
		store:             store,
		inbox:             inbox,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: defaultReadHeaderTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
	}
}

func (s *Server) SetMetrics(m iMetrics) {
	s.metrics = m
}

// SetTimeouts overrides the defaults; zero keeps the current value.
func (s *Server) SetTimeouts(readHeader, shutdown time.Duration) {
	if readHeader > 0 {
		s.readHeaderTimeout = readHeader
	}
	if shutdown > 0 {
		s.shutdownTimeout = shutdown
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/append", s.handleAppend)
	r.Get("/api/string", s.handleGet)

	r.Post(replication.EntryEndpoint, s.handleEntry)
	r.Post(replication.AckEndpoint, s.handleAck)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return false
	}
	return true
}

// statusFor maps WAL errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, logerrors.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, logerrors.ErrNotLeader):
		return http.StatusMisdirectedRequest
	case errors.Is(err, logerrors.ErrRecovering):
		return http.StatusServiceUnavailable
	case errors.Is(err, logerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.metrics == nil {
		if _, err := w.Write([]byte("# replog metrics\n")); err != nil {
			slog.Warn("Failed to write metrics response", "error", err)
		}
		return
	}
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.log.Status()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// appendRequest is the client-facing body of POST /api/append.
type appendRequest struct {
	ClientID     types.ClientID     `json:"client_id"`
	ClientOffset types.ClientOffset `json:"client_offset"`
	Op           string             `json:"op"`
	Key          string             `json:"key"`
	Value        string             `json:"value"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var body appendRequest
	if !s.decodeJSON(w, r, &body) {
		return
	}

	op, err := request.ParseOperation(body.Op)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	var value []byte
	if body.Value != "" {
		value = []byte(body.Value)
	}
	req := request.New(body.ClientID, body.ClientOffset, op, []byte(body.Key), value)

	off, err := s.log.AppendRequest(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to append request", "client", body.ClientID, "error", err)
		}
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewOffsetResponse(off))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	it, found := s.store.Get([]byte(key))
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(it.Value)))
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var e replication.LogEntry
	if !s.decodeJSON(w, r, &e) {
		return
	}
	s.enqueue(w, r, replication.Message{Entry: &e})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var a replication.Ack
	if !s.decodeJSON(w, r, &a) {
		return
	}
	s.enqueue(w, r, replication.Message{Ack: &a})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, m replication.Message) {
	if err := s.inbox.Push(r.Context(), m); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusAccepted, NewSuccessResponse())
}
