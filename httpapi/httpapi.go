// Package httpapi exposes the run lifecycle operations (beginRun,
// appendEvents, finalizeRun) over plain JSON/HTTP for embedding
// applications that don't want to link the runmanager package directly,
// and mounts the websocket fan-out endpoint next to them. Grounded on the
// convention of a thin handler layer in front of a domain object seen in
// registry/registry.go's grpc service wrapping the registry struct; since
// the generated HTTP transports elsewhere in this codebase are produced by
// goa rather than hand-wired against a third-party router, this layer
// uses net/http's pattern-matching ServeMux directly instead.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/runledger"
	"github.com/runledger/runledger/runledgererr"
	"github.com/runledger/runledger/runmanager"
	"github.com/runledger/runledger/streamserver"
	"github.com/runledger/runledger/streamserver/wsconn"
	"github.com/runledger/runledger/telemetry"
)

// Broadcaster is the subset of broadcast/pulse.Publisher / streamserver.Server
// that AppendEvents notifies after a successful append, so subscribers see
// new events without polling.
type Broadcaster interface {
	Broadcast(streamID string, events []ledgermodel.StoredEvent)
}

// Server wires a runmanager.Manager and a streamserver.Server behind HTTP.
type Server struct {
	manager      *runmanager.Manager
	stream       *streamserver.Server
	broadcaster  Broadcaster
	pingInterval time.Duration
	logger       telemetry.Logger
}

// Options configures a Server.
type Options struct {
	// Broadcaster receives every successful append before the HTTP response
	// is written; defaults to the Stream server itself if nil.
	Broadcaster Broadcaster
	// PingInterval is passed through to wsconn.Upgrade for every websocket
	// connection; must match the Stream server's HeartbeatInterval.
	PingInterval time.Duration
	Logger       telemetry.Logger
}

// NewServer constructs a Server. stream may be nil if the process only
// wants the run-lifecycle endpoints (e.g. a pure replica serving /ws off a
// different Stream instance fed via the distributed broadcaster).
func NewServer(manager *runmanager.Manager, stream *streamserver.Server, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	bc := opts.Broadcaster
	if bc == nil && stream != nil {
		bc = stream
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = streamserver.DefaultHeartbeatInterval
	}
	return &Server{manager: manager, stream: stream, broadcaster: bc, pingInterval: pingInterval, logger: logger}
}

// Mux builds the HTTP routing table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleBeginRun)
	mux.HandleFunc("POST /runs/{id}/events", s.handleAppendEvents)
	mux.HandleFunc("POST /runs/{id}/finalize", s.handleFinalizeRun)
	if s.stream != nil {
		mux.HandleFunc("GET /ws", s.handleWebsocket)
	}
	return mux
}

type beginRunRequest struct {
	ThreadID          string  `json:"threadId"`
	ForkFromMessageID *string `json:"forkFromMessageId,omitempty"`
}

func (s *Server) handleBeginRun(w http.ResponseWriter, r *http.Request) {
	var req beginRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.manager.BeginRun(r.Context(), runledger.BeginRunOptions{
		ThreadID:          req.ThreadID,
		ForkFromMessageID: req.ForkFromMessageID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type appendEventsRequest struct {
	Events []ledgermodel.Event `json:"events"`
}

func (s *Server) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req appendEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, err := s.manager.AppendEvents(r.Context(), runID, req.Events)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(stored) > 0 && s.broadcaster != nil {
		s.broadcaster.Broadcast(stored[0].StreamID, stored)
	}
	writeJSON(w, http.StatusOK, stored)
}

type finalizeRunRequest struct {
	Target ledgermodel.RunStatus `json:"target"`
}

func (s *Server) handleFinalizeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req finalizeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.manager.FinalizeRun(r.Context(), runID, req.Target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r, s.pingInterval)
	if err != nil {
		s.logger.Warn(r.Context(), "httpapi: websocket upgrade failed", "err", err)
		return
	}
	if err := s.stream.Accept(r.Context(), conn); err != nil {
		s.logger.Info(r.Context(), "httpapi: connection closed", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps runledgererr kinds to an HTTP status the way a
// thin JSON transport should: not-found and invalid-input kinds are
// client errors, everything else is a server error.
func writeDomainError(w http.ResponseWriter, err error) {
	var derr *runledgererr.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case runledgererr.NotFound:
			writeError(w, http.StatusNotFound, err)
			return
		case runledgererr.InvalidState, runledgererr.InvalidArgument:
			writeError(w, http.StatusConflict, err)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err)
}
