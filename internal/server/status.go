// Package server exposes the root node's status endpoint: health, the
// active partition plan, and the latest per-node timings.
package server

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/internal/transport"
)

// Status serves the run's observability surface.
type Status struct {
	runID string
	plan  *nn.PartitionPlan
	perf  func() []transport.PerfPacket
}

// New creates a status server around the active plan and a perf snapshot
// getter.
func New(plan *nn.PartitionPlan, perf func() []transport.PerfPacket) *Status {
	return &Status{
		runID: uuid.NewString(),
		plan:  plan,
		perf:  perf,
	}
}

// RunID identifies this boot of the engine.
func (s *Status) RunID() string { return s.runID }

func jsonBlob(c *echo.Context, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/json", blob)
}

func (s *Status) handleHealthz(c *echo.Context) error {
	return jsonBlob(c, map[string]string{"status": "ok", "run_id": s.runID})
}

func (s *Status) handlePlan(c *echo.Context) error {
	if s.plan == nil {
		return jsonBlob(c, map[string]any{"stages": nil})
	}
	return jsonBlob(c, s.plan)
}

func (s *Status) handlePerf(c *echo.Context) error {
	return jsonBlob(c, s.perf())
}

// Register mounts the routes.
func (s *Status) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealthz)
	e.GET("/v1/plan", s.handlePlan)
	e.GET("/v1/perf", s.handlePerf)
}

// Start serves until the context is canceled. It runs in its own goroutine
// at the caller's discretion; failures are logged, never fatal to the run.
func (s *Status) Start(ctx context.Context, addr string, log logger.Logger) {
	e := echo.New()
	s.Register(e)
	log.Info("status server listening", "address", addr, "runId", s.runID)
	sc := echo.StartConfig{Address: addr}
	if err := sc.Start(ctx, e); err != nil && ctx.Err() == nil {
		log.Warn("status server stopped", "err", err)
	}
}
