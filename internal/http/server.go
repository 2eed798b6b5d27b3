// Package http provides the HTTP API for sessiond.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cortexbot/sessiond/internal/checkpoint"
	"github.com/cortexbot/sessiond/internal/conversation"
	"github.com/cortexbot/sessiond/internal/fsm"
	"github.com/cortexbot/sessiond/internal/recovery"
	"github.com/cortexbot/sessiond/internal/session"
)

// Server provides HTTP endpoints for sessiond.
type Server struct {
	echo        *echo.Echo
	turns       *recovery.Middleware
	sessions    *conversation.Service
	checkpoints *checkpoint.Manager
	logger      *zap.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(turns *recovery.Middleware, sessions *conversation.Service, checkpoints *checkpoint.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if turns == nil {
		return nil, fmt.Errorf("recovery middleware cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("conversation service cannot be nil")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8085,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:        e,
		turns:       turns,
		sessions:    sessions,
		checkpoints: checkpoints,
		logger:      logger,
		config:      cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// Prometheus metrics
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/conversations/:id/turn", s.handleTurn)
	v1.GET("/conversations/:id", s.handleGetSession)
	v1.DELETE("/conversations/:id", s.handleTerminate)
	v1.POST("/conversations/:id/checkpoints", s.handleCreateCheckpoint)
	v1.GET("/conversations/:id/checkpoints", s.handleListCheckpoints)
	v1.GET("/checkpoints/:checkpointId", s.handleGetCheckpoint)
	v1.POST("/checkpoints/:checkpointId/restore", s.handleRestoreCheckpoint)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleTurn processes one conversation turn. Failures are already
// classified by the recovery middleware; the response carries the
// session's post-recovery state alongside the sanitized error.
func (s *Server) handleTurn(c echo.Context) error {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid turn request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetState == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "targetState field is required")
	}

	payload := make(map[string][]byte, len(req.Fields))
	for name, value := range req.Fields {
		payload[name] = []byte(value)
	}

	rec, serr := s.turns.ProcessTurn(c.Request().Context(), c.Param("id"), fsm.State(req.TargetState), payload)

	resp := TurnResponse{}
	if rec != nil {
		view := s.sessionView(rec)
		resp.Session = &view
	}
	if serr == nil {
		return c.JSON(http.StatusOK, resp)
	}

	resp.Error = &TurnError{
		Kind:        string(serr.Kind),
		Notice:      serr.Notice,
		ReferenceID: serr.ReferenceID,
	}
	return c.JSON(statusForKind(serr.Kind), resp)
}

// handleGetSession returns the current session view. Sensitive field
// values never leave the service; only field names are reported.
func (s *Server) handleGetSession(c echo.Context) error {
	rec, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		s.logger.Error("session read failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "session read failed")
	}
	return c.JSON(http.StatusOK, s.sessionView(rec))
}

// handleTerminate explicitly ends a session.
func (s *Server) handleTerminate(c echo.Context) error {
	if err := s.sessions.Terminate(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		s.logger.Error("terminate failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "terminate failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCreateCheckpoint captures a manual checkpoint of the session.
func (s *Server) handleCreateCheckpoint(c echo.Context) error {
	var req CreateCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reason := checkpoint.ReasonManual
	if req.Reason != "" {
		reason = checkpoint.Reason(req.Reason)
	}

	cp, err := s.checkpoints.Create(c.Request().Context(), c.Param("id"), reason)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		s.logger.Error("checkpoint create failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "checkpoint create failed")
	}
	return c.JSON(http.StatusCreated, checkpointView(cp))
}

// handleListCheckpoints lists a conversation's checkpoints newest-first.
func (s *Server) handleListCheckpoints(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}

	cps, err := s.checkpoints.List(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("checkpoint list failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "checkpoint list failed")
	}

	views := make([]CheckpointView, 0, len(cps))
	for _, cp := range cps {
		views = append(views, checkpointView(cp))
	}
	return c.JSON(http.StatusOK, ListCheckpointsResponse{Checkpoints: views})
}

// handleGetCheckpoint returns one checkpoint by id.
func (s *Server) handleGetCheckpoint(c echo.Context) error {
	cp, err := s.checkpoints.Get(c.Request().Context(), c.Param("checkpointId"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "checkpoint read failed")
	}
	return c.JSON(http.StatusOK, checkpointView(cp))
}

// handleRestoreCheckpoint restores a session from a checkpoint.
func (s *Server) handleRestoreCheckpoint(c echo.Context) error {
	cp, err := s.checkpoints.Get(c.Request().Context(), c.Param("checkpointId"))
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "checkpoint read failed")
	}

	rec, err := s.checkpoints.Restore(c.Request().Context(), cp)
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrInvalidCheckpoint):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "checkpoint failed validation")
		case errors.Is(err, checkpoint.ErrConcurrentModification):
			return echo.NewHTTPError(http.StatusConflict, "session modified concurrently, re-read and retry")
		default:
			s.logger.Error("checkpoint restore failed", zap.String("checkpoint_id", cp.ID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "checkpoint restore failed")
		}
	}
	return c.JSON(http.StatusOK, s.sessionView(rec))
}

// sessionView converts a record to its API representation.
func (s *Server) sessionView(rec *session.Record) SessionView {
	history := make([]HistoryView, 0, len(rec.StateHistory))
	for _, h := range rec.StateHistory {
		history = append(history, HistoryView{State: string(h.State), EnteredAt: h.EnteredAt})
	}
	fields := make([]string, 0, len(rec.Sensitive))
	for name := range rec.Sensitive {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return SessionView{
		ConversationID:  rec.ConversationID,
		CurrentState:    string(rec.CurrentState),
		StateHistory:    history,
		LastActivity:    rec.LastActivity,
		ErrorCount:      rec.ErrorCount,
		SensitiveFields: fields,
		Unreadable:      rec.Unreadable,
		Version:         rec.Version,
		Standing:        string(s.turns.Standing(rec)),
	}
}

func checkpointView(cp *checkpoint.Checkpoint) CheckpointView {
	return CheckpointView{
		ID:              cp.ID,
		ConversationID:  cp.ConversationID,
		Reason:          string(cp.Reason),
		CapturedAt:      cp.CapturedAt,
		CapturedState:   string(cp.Captured.CurrentState),
		CapturedVersion: cp.Captured.Version,
	}
}

// statusForKind maps a recovery classification to an HTTP status.
func statusForKind(kind recovery.Kind) int {
	switch kind {
	case recovery.KindAuth:
		return http.StatusForbidden
	case recovery.KindValidation:
		return http.StatusBadRequest
	case recovery.KindTimeout:
		return http.StatusRequestTimeout
	case recovery.KindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
