package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/power-budget/backend/internal/cache/redis"
	"github.com/power-budget/backend/internal/models"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeUsage []redis.Usage

func (u fakeUsage) AllUsage(context.Context) ([]redis.Usage, error) { return u, nil }

type fakeRuns struct {
	runs      []models.AnalysisRun
	sessionID string
}

func (r *fakeRuns) ListRuns(_ context.Context, sessionID string, limit int) ([]models.AnalysisRun, error) {
	r.sessionID = sessionID
	if limit < len(r.runs) {
		return r.runs[:limit], nil
	}
	return r.runs, nil
}

func (r *fakeRuns) CountByStatus(context.Context) (map[models.RunStatus]int, error) {
	counts := map[models.RunStatus]int{}
	for _, run := range r.runs {
		counts[run.Status]++
	}
	return counts, nil
}

func opsApp(h *OpsHandler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/usage", h.Usage)
	app.Get("/runs", h.Runs)
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, body
}

func TestOps_HealthAndReady(t *testing.T) {
	deps := map[string]Pinger{
		"sqlite": pingFunc(func(context.Context) error { return nil }),
	}
	app := opsApp(NewOpsHandler(deps, nil, nil, func() int { return 3 }))

	code, body := getJSON(t, app, "/health")
	assert.Equal(t, 200, code)
	assert.Equal(t, float64(3), body["sessions"])

	code, body = getJSON(t, app, "/ready")
	assert.Equal(t, 200, code)
	assert.Equal(t, "ready", body["status"])

	deps["redis"] = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	code, body = getJSON(t, app, "/ready")
	assert.Equal(t, 503, code)
	assert.Equal(t, "not ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["sqlite"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestOps_DisabledStores(t *testing.T) {
	app := opsApp(NewOpsHandler(nil, nil, nil, func() int { return 0 }))

	code, body := getJSON(t, app, "/usage")
	assert.Equal(t, 404, code)
	assert.Equal(t, "Usage tracking is disabled", body["error"])

	code, body = getJSON(t, app, "/runs")
	assert.Equal(t, 404, code)
	assert.Equal(t, "Run history is disabled", body["error"])
}

func TestOps_UsageAndRuns(t *testing.T) {
	runs := &fakeRuns{runs: []models.AnalysisRun{
		{ID: "r2", SessionID: "b", Status: models.RunFailed},
		{ID: "r1", SessionID: "a", Status: models.RunSucceeded},
	}}
	usage := fakeUsage{{Model: "gpt-4o", Requests: 2, PromptTokens: 100}}
	app := opsApp(NewOpsHandler(nil, usage, runs, func() int { return 0 }))

	code, body := getJSON(t, app, "/usage")
	assert.Equal(t, 200, code)
	assert.Len(t, body["models"], 1)

	code, body = getJSON(t, app, "/runs?limit=1")
	assert.Equal(t, 200, code)
	assert.Equal(t, "", runs.sessionID)
	assert.Len(t, body["runs"], 1)
	counts := body["counts"].(map[string]any)
	assert.Equal(t, float64(1), counts[string(models.RunFailed)])
	assert.Equal(t, float64(1), counts[string(models.RunSucceeded)])
}
