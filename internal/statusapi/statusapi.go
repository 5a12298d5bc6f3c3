// Package statusapi exposes the disciplining loop's current state over a
// read-only HTTP surface, grounded on internal/server/http.go's gin
// router and StatusResponse shape, restricted to GET routes only — this
// core has no command/monitoring write protocol, only the status query
// the control loop's monitoring publish step produces.
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/controlloop"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Config bundles the HTTP bind address, mirroring
// internal/server/http.go's config.HTTPConfig fields.
type Config struct {
	BindHost string
	BindPort int
}

// StatusResponse is the JSON shape served at /api/v1/status, narrowed
// from internal/server/http.go's StatusResponse (which described
// multiple ranked time sources) down to this core's single
// oscillator/reference pair.
type StatusResponse struct {
	Status           string    `json:"status"`
	DisciplingState  string    `json:"discipling_state"`
	ClockClass       string    `json:"clock_class"`
	PhaseErrorNs     int64     `json:"phase_error_ns"`
	FineCtrl         uint32    `json:"fine_ctrl"`
	CoarseCtrl       uint32    `json:"coarse_ctrl"`
	TemperatureC     float64   `json:"temperature_c"`
	Lock             bool      `json:"lock"`
	GnssValid        bool      `json:"gnss_valid"`
	SatellitesCount  int32     `json:"satellites_count"`
	ReadyForHoldover bool      `json:"ready_for_holdover"`
	Timestamp        time.Time `json:"timestamp"`
}

// Server is a controlloop.Publisher that records the latest Snapshot and
// serves it back over HTTP GET routes.
type Server struct {
	cfg    Config
	logger *logrus.Logger

	mu       sync.RWMutex
	snapshot controlloop.Snapshot
	have     bool

	httpServer *http.Server
}

var _ controlloop.Publisher = (*Server)(nil)

// New builds a Server. It does not start listening until Start is called.
func New(cfg Config, logger *logrus.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Publish implements controlloop.Publisher: it records the latest tick
// under a lock for handleStatus to read concurrently.
func (s *Server) Publish(snap controlloop.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.have = true
	s.mu.Unlock()
}

// Start runs the HTTP server in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.logger.Level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithWriter(s.logger.Writer()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/health", s.handleHealth)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
	s.httpServer = &http.Server{Addr: addr, Handler: router}

	s.logger.WithField("addr", addr).Info("statusapi: starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleStatus serves the current snapshot as JSON, or 503 until the
// first tick has published.
func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	snap, have := s.snapshot, s.have
	s.mu.RUnlock()

	if !have {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, toResponse(snap))
}

// handleHealth reports "unhealthy" once the clock class regresses to
// holdover, matching internal/server/http.go's clock-state-driven health.
func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	snap, have := s.snapshot, s.have
	s.mu.RUnlock()

	status := "healthy"
	if !have || snap.DisciplingStatus.ClockClass == types.ClockClassHoldover {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "timestamp": time.Now()})
}

func toResponse(snap controlloop.Snapshot) StatusResponse {
	return StatusResponse{
		Status:           "ok",
		DisciplingState:  snap.DisciplingStatus.Status.String(),
		ClockClass:       snap.DisciplingStatus.ClockClass.String(),
		PhaseErrorNs:     snap.PhaseErrorNs,
		FineCtrl:         snap.Telemetry.FineCtrl,
		CoarseCtrl:       snap.Telemetry.CoarseCtrl,
		TemperatureC:     snap.Telemetry.Temperature,
		Lock:             snap.Telemetry.Lock,
		GnssValid:        snap.Epoch.Valid(),
		SatellitesCount:  snap.Epoch.SatellitesCount,
		ReadyForHoldover: snap.DisciplingStatus.ReadyForHoldover,
		Timestamp:        time.Now(),
	}
}
