package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/service"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/store"
	"github.com/BrandonDHaskell/interjornada/server/internal/interjornada/types"
)

// WorkerStatus is the ingestion worker as seen by /v1/status.
type WorkerStatus interface {
	Status() service.WorkerStatus
}

// GatewayStatus is the device gateway as seen by /v1/status.
type GatewayStatus interface {
	RestartRecommended() bool
	AuthFailures() int
}

type Dependencies struct {
	Logger    *log.Logger
	Addr      string
	Query     *service.QueryService
	Projector *service.SessionProjector
	Worker    WorkerStatus
	Gateway   GatewayStatus // optional
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	query      *service.QueryService
	projector  *service.SessionProjector
	worker     WorkerStatus
	gateway    GatewayStatus
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:    d.Logger,
		mux:       mux,
		query:     d.Query,
		projector: d.Projector,
		worker:    d.Worker,
		gateway:   d.Gateway,
	}

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionsByState)
	mux.HandleFunc("GET /v1/employees/{id}/session", s.handleCurrentSession)
	mux.HandleFunc("GET /v1/employees/{id}/sessions", s.handleSessionHistory)
	mux.HandleFunc("GET /v1/employees/{id}/events", s.handleEventHistory)
	mux.HandleFunc("GET /v1/employees/{id}/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/employees/{id}/violations", s.handleViolations)
	mux.HandleFunc("GET /v1/group_syncs/failed", s.handleFailedGroupSyncs)
	mux.HandleFunc("POST /v1/simulate", s.handleSimulate)
	mux.HandleFunc("POST /v1/manual_events", s.handleManualEvent)

	handler := recoverMiddleware(d.Logger, loggingMiddleware(d.Logger, mux))

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

// ── Status ───────────────────────────────────────────────────────────────────

// Status is the /v1/status payload.
type Status struct {
	Worker             service.WorkerStatus `json:"worker"`
	RestartRecommended bool                 `json:"restart_recommended"`
	AuthFailures       int                  `json:"auth_failures"`
	ServerTime         time.Time            `json:"server_time"`
}

func (s *Server) status() Status {
	st := Status{ServerTime: time.Now().UTC()}
	if s.worker != nil {
		st.Worker = s.worker.Status()
	}
	if s.gateway != nil {
		st.RestartRecommended = s.gateway.RestartRecommended()
		st.AuthFailures = s.gateway.AuthFailures()
	}
	return st
}

// handleStatus answers 503 once the worker has fail-stopped so a plain HTTP
// probe sees the outage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code := http.StatusOK
	if st.Worker.FailStopped {
		code = http.StatusServiceUnavailable
	}

	if wantsProtobuf(r) {
		msg, err := statusToProto(st)
		if err != nil {
			s.logger.Printf("status proto: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, code, msg)
		return
	}
	writeJSON(w, code, st)
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func (s *Server) handleSessionsByState(w http.ResponseWriter, r *http.Request) {
	state := types.SessionState(r.URL.Query().Get("state"))
	if state == "" {
		state = types.SessionBlocked
	}

	sessions, err := s.query.SessionsByState(r.Context(), state)
	if err != nil {
		s.fail(w, "sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sessions))
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := employeeID(w, r)
	if !ok {
		return
	}
	view, err := s.query.CurrentSession(r.Context(), id)
	if err != nil {
		s.fail(w, "current session", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := employeeID(w, r)
	if !ok {
		return
	}
	sessions, err := s.query.SessionHistory(r.Context(), id)
	if err != nil {
		s.fail(w, "session history", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sessions))
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := employeeID(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	events, err := s.query.EventHistory(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, "event history", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := employeeID(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	decisions, err := s.query.Decisions(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, "decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(decisions))
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := employeeID(w, r)
	if !ok {
		return
	}
	violations, err := s.query.Violations(r.Context(), id)
	if err != nil {
		s.fail(w, "violations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(violations))
}

func (s *Server) handleFailedGroupSyncs(w http.ResponseWriter, r *http.Request) {
	since, ok := parseTime(w, r, "since")
	if !ok {
		return
	}
	records, err := s.query.FailedGroupSyncs(r.Context(), since)
	if err != nil {
		s.fail(w, "group syncs", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// ── Simulation & corrections ─────────────────────────────────────────────────

type simulateRequest struct {
	EmployeeID int64     `json:"employee_id"`
	At         time.Time `json:"at"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	d, err := s.query.Simulate(r.Context(), req.EmployeeID, req.At)
	if err != nil {
		s.fail(w, "simulate", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleManualEvent accepts a JSON body, or a protobuf Struct with the same
// fields when sent as application/x-protobuf.
func (s *Server) handleManualEvent(w http.ResponseWriter, r *http.Request) {
	var (
		m   service.ManualEvent
		err error
	)
	if isProtobuf(r) {
		m, err = manualEventFromProto(r)
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		err = dec.Decode(&m)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid request body")
		return
	}
	if m.EmployeeDeviceID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_employee", "employee_device_id is required")
		return
	}

	ev, err := s.projector.InjectManual(r.Context(), m)
	if err != nil {
		s.fail(w, "manual event", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.Is(err, service.ErrPositiveSequence):
		writeError(w, http.StatusBadRequest, "invalid_sequence", err.Error())
	default:
		s.logger.Printf("%s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

func employeeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "employee id must be a positive integer")
		return 0, false
	}
	return id, true
}

func timeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, ok := parseTime(w, r, "from")
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	to, ok := parseTime(w, r, "to")
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// parseTime reads an optional RFC 3339 query parameter.
func parseTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t.UTC(), true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
