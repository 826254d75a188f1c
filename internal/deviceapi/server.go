package deviceapi

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/sensor"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// Controller is the part of service.Loop the API drives.
type Controller interface {
	Snapshot() service.Snapshot
	Submit(ctx context.Context, cmd service.Command) error
}

type Dependencies struct {
	Logger  *log.Logger
	Addr    string
	Loop    Controller
	Sensors sensor.Pair
	Journal store.SyncJournal // optional
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	loop       Controller
	sensors    sensor.Pair
	journal    store.SyncJournal
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}
	mux := http.NewServeMux()

	s := &Server{
		logger:  d.Logger,
		mux:     mux,
		loop:    d.Loop,
		sensors: d.Sensors,
		journal: d.Journal,
	}

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/journal", s.handleJournal)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("POST /v1/sensors/{kind}", s.handleSensor)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := newStatusResponse(s.loop.Snapshot())

	if wantsProtobuf(r) {
		msg, err := resp.toProto()
		if err != nil {
			s.logger.Printf("status proto error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled", "sync journal is not enabled")
		return
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	attempts, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Printf("journal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, newAttemptResponse(a))
	}
	writeJSON(w, http.StatusOK, journalResponse{Attempts: out})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.loop.Submit(r.Context(), service.CommandSync)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOffline):
			writeError(w, http.StatusServiceUnavailable, "offline", "network link is down")
			return
		case errors.Is(err, service.ErrNotAuthenticated), errors.Is(err, remote.ErrUnauthorized):
			writeError(w, http.StatusServiceUnavailable, "not_authenticated", err.Error())
			return
		case errors.Is(err, remote.ErrTransport):
			writeError(w, http.StatusBadGateway, "sync_failed", err.Error())
			return
		default:
			s.logger.Printf("sync error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
	}

	writeJSON(w, http.StatusOK, newStatusResponse(s.loop.Snapshot()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Submit(r.Context(), service.CommandReset); err != nil {
		s.logger.Printf("reset error: %v", err)
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, newStatusResponse(s.loop.Snapshot()))
}

// handleSensor fires a detection, for bench testing without hardware.
func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	kind, err := types.ParseEventType(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	trig := s.sensors.For(kind)
	if trig == nil {
		writeError(w, http.StatusNotFound, "no_sensor", "sensor not wired")
		return
	}

	trig.Fire(time.Now())
	writeJSON(w, http.StatusAccepted, sensorResponse{OK: true, Kind: kind.String()})
}
