package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/cache/redis"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/pkg/logger"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UsageReader reads the per-model token counters.
type UsageReader interface {
	AllUsage(ctx context.Context) ([]redis.Usage, error)
}

// RunStore reads the analysis-run audit log across sessions.
type RunStore interface {
	RunLister
	CountByStatus(ctx context.Context) (map[models.RunStatus]int, error)
}

type OpsHandler struct {
	deps     map[string]Pinger
	usage    UsageReader
	runs     RunStore
	sessions func() int
}

// NewOpsHandler builds the operational endpoints. usage and runs may be nil
// when the backing store is disabled.
func NewOpsHandler(deps map[string]Pinger, usage UsageReader, runs RunStore, sessions func() int) *OpsHandler {
	return &OpsHandler{deps: deps, usage: usage, runs: runs, sessions: sessions}
}

func (h *OpsHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "healthy",
		"time":     time.Now().Unix(),
		"sessions": h.sessions(),
	})
}

func (h *OpsHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := fiber.StatusOK
	body := fiber.Map{"status": "ready", "checks": checks}
	if !ready {
		status = fiber.StatusServiceUnavailable
		body["status"] = "not ready"
	}
	return c.Status(status).JSON(body)
}

func (h *OpsHandler) Usage(c *fiber.Ctx) error {
	if h.usage == nil {
		return fiber.NewError(fiber.StatusNotFound, "Usage tracking is disabled")
	}
	usage, err := h.usage.AllUsage(c.UserContext())
	if err != nil {
		logger.Error("Failed to read usage", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to read usage")
	}
	return c.JSON(fiber.Map{"models": usage})
}

// Runs lists recent runs of every session together with per-status totals.
func (h *OpsHandler) Runs(c *fiber.Ctx) error {
	if h.runs == nil {
		return fiber.NewError(fiber.StatusNotFound, "Run history is disabled")
	}
	ctx := c.UserContext()
	runs, err := h.runs.ListRuns(ctx, "", c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to list runs")
	}
	counts, err := h.runs.CountByStatus(ctx)
	if err != nil {
		logger.Error("Failed to count runs", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to count runs")
	}
	return c.JSON(fiber.Map{"runs": runs, "counts": counts})
}
