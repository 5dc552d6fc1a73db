// Package web serves the monitoring engine over an HTTP JSON API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/procmon/control"
	"github.com/jnesss/procmon/database"
	"github.com/jnesss/procmon/engine"
	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/platform"
	"github.com/jnesss/procmon/sigma"
	"github.com/jnesss/procmon/types"
)

// DefaultLimit is the record count requested when a query names none
const DefaultLimit = 100

// Config wires the server to its collaborators. Detector and DB are
// optional.
type Config struct {
	Handler      control.Handler
	Detector     *sigma.Detector
	DB           *database.DB
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	ListenAddr   string
	DefaultLimit int
	Development  bool
}

// Server is the HTTP front end
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer builds the router
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware(cfg.Metrics))

	s := &Server{cfg: cfg, logger: cfg.Logger, router: router}

	api := router.Group("/api")
	api.GET("/events", s.handleEvents)
	api.GET("/drivers/installed", s.handleDrivers(control.GetInstalledDrivers))
	api.GET("/drivers/loaded", s.handleDrivers(control.GetLoadedDrivers))
	api.GET("/devices", s.handleDevices)
	if cfg.DB != nil {
		api.GET("/history", s.handleHistory)
	}
	if cfg.Detector != nil {
		api.GET("/rules", s.handleRules)
	}

	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	return s
}

// Router exposes the handler for embedding and tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	s.logger.Info("Starting web server", zap.String("addr", s.cfg.ListenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// limit reads the limit query parameter, bounded so the request buffer
// stays within the control channel maximum
func (s *Server) limit(c *gin.Context, code control.Code) (int, bool) {
	n := s.cfg.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return 0, false
		}
		n = v
	}
	max, _ := control.MaxRecords(code, control.DefaultMaxRequest)
	return min(n, max), true
}

// call sizes a buffer for limit records and issues one request
func (s *Server) call(c *gin.Context, code control.Code) ([]byte, bool) {
	limit, ok := s.limit(c, code)
	if !ok {
		return nil, false
	}
	size, err := control.BufferSize(code, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	out := make([]byte, size)
	n, err := s.cfg.Handler.Handle(code, out)
	if err != nil {
		s.writeError(c, code, err)
		return nil, false
	}
	return out[:n], true
}

func (s *Server) writeError(c *gin.Context, code control.Code, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, control.ErrInvalidRequest), errors.Is(err, control.ErrInsufficientBuffer):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, platform.ErrNotSupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Stringer("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleEvents(c *gin.Context) {
	buf, ok := s.call(c, control.GetEvents)
	if !ok {
		return
	}
	events, err := control.DecodeEvents(buf)
	if err != nil {
		s.writeError(c, control.GetEvents, err)
		return
	}

	rows := make([]EventRow, 0, len(events))
	for _, e := range events {
		var matches []sigma.Match
		if s.cfg.Detector != nil {
			matches = s.cfg.Detector.Check(c.Request.Context(), e)
		}
		s.record(e, matches)
		rows = append(rows, eventRow(e, matches))
	}
	c.JSON(http.StatusOK, rows)
}

// record stores drained events so they remain queryable after leaving the
// buffer
func (s *Server) record(e types.Event, matches []sigma.Match) {
	if s.cfg.DB == nil {
		return
	}
	id, err := s.cfg.DB.InsertEvent(e)
	if err != nil {
		s.logger.Warn("Failed to record event", zap.Uint32("pid", e.ProcessID), zap.Error(err))
		return
	}
	for _, m := range matches {
		err := s.cfg.DB.InsertMatch(database.MatchRecord{
			EventID:   id,
			RuleID:    m.RuleID,
			RuleName:  m.Title,
			Severity:  m.Level,
			Timestamp: e.Timestamp,
		})
		if err != nil {
			s.logger.Warn("Failed to record rule match", zap.String("rule", m.RuleID), zap.Error(err))
		}
	}
}

func (s *Server) handleDrivers(code control.Code) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, ok := s.call(c, code)
		if !ok {
			return
		}
		res, err := control.DecodeDrivers(buf)
		if err != nil {
			s.writeError(c, code, err)
			return
		}

		out := ListResponse[DriverRow]{Total: res.Total, Returned: len(res.Drivers), Items: make([]DriverRow, 0, len(res.Drivers))}
		for _, r := range res.Drivers {
			out.Items = append(out.Items, driverRow(r))
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleDevices(c *gin.Context) {
	buf, ok := s.call(c, control.GetDevices)
	if !ok {
		return
	}
	res, err := control.DecodeDevices(buf)
	if err != nil {
		s.writeError(c, control.GetDevices, err)
		return
	}

	out := ListResponse[DeviceRow]{Total: res.Total, Returned: len(res.Devices), Items: make([]DeviceRow, 0, len(res.Devices))}
	for _, r := range res.Devices {
		out.Items = append(out.Items, deviceRow(r))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := s.cfg.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = v
	}

	records, err := s.cfg.DB.RecentEvents(limit)
	if err != nil {
		s.logger.Error("Failed to query history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("history unavailable: %v", err)})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rulesDir":    s.cfg.Detector.RulesDir,
		"activeRules": s.cfg.Detector.RuleCount(),
	})
}
