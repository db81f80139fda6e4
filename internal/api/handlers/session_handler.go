package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/power-budget/backend/internal/aggregate"
	"github.com/power-budget/backend/internal/analysis"
	"github.com/power-budget/backend/internal/export"
	"github.com/power-budget/backend/internal/middleware/validation"
	"github.com/power-budget/backend/internal/models"
	"github.com/power-budget/backend/internal/session"
	"github.com/power-budget/backend/pkg/faults"
	"github.com/power-budget/backend/pkg/logger"
)

// RunLister reads the analysis run audit log.
type RunLister interface {
	ListRuns(ctx context.Context, sessionID string, limit int) ([]models.AnalysisRun, error)
}

type SessionHandlerConfig struct {
	MaxUploadBytes int
	// ServerKey reports whether the server holds a fallback credential, in
	// which case requests may omit the bearer token.
	ServerKey bool
	Runs      RunLister
}

type SessionHandler struct {
	manager   *session.Manager
	validator *validation.Validator
	cfg       SessionHandlerConfig
}

func NewSessionHandler(manager *session.Manager, cfg SessionHandlerConfig) *SessionHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}
	return &SessionHandler{
		manager:   manager,
		validator: validation.NewValidator(),
		cfg:       cfg,
	}
}

// Register mounts every session route on the /api/v1 group.
func (h *SessionHandler) Register(api fiber.Router) {
	api.Post("/sessions", h.Create)
	api.Get("/sessions/:id", h.Get)
	api.Delete("/sessions/:id", h.Delete)
	api.Post("/sessions/:id/analyze", h.Analyze)
	api.Post("/sessions/:id/items/:index/ignore", h.ToggleIgnored)
	api.Post("/sessions/:id/reestimate", h.Reestimate)
	api.Post("/sessions/:id/reestimate-all", h.ReestimateAll)
	api.Post("/sessions/:id/cancel", h.Cancel)
	api.Post("/sessions/:id/reset", h.Reset)
	api.Get("/sessions/:id/export.xlsx", h.ExportXLSX)
	api.Get("/sessions/:id/report.html", h.ReportHTML)
	api.Get("/sessions/:id/runs", h.Runs)
}

type analyzeForm struct {
	Model      string `validate:"max=128"`
	MaxRetries int    `validate:"min=-1,max=10"`
}

type ReestimateRequest struct {
	Indices    []int  `json:"indices" validate:"required,min=1,dive,min=0"`
	Model      string `json:"model" validate:"max=128"`
	MaxRetries *int   `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

type reestimateAllRequest struct {
	Model      string `json:"model" validate:"max=128"`
	MaxRetries *int   `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	s := h.manager.Create()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    s.ID(),
		"state": s.State(),
	})
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(project(s.Snapshot()))
}

func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if !h.manager.Delete(c.Params("id")) {
		return fiber.NewError(fiber.StatusNotFound, "Session not found")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *SessionHandler) Analyze(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "A BOM file is required in the \"file\" field")
	}
	if fileHeader.Size > int64(h.cfg.MaxUploadBytes) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "File exceeds the upload limit")
	}

	form := analyzeForm{Model: strings.TrimSpace(c.FormValue("model")), MaxRetries: analysis.DefaultRetries}
	if raw := strings.TrimSpace(c.FormValue("maxRetries")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "maxRetries must be an integer")
		}
		form.MaxRetries = n
	}
	if err := h.validator.Struct(&form); err != nil {
		return err
	}

	creds, err := h.credentials(c, form.Model, &form.MaxRetries)
	if err != nil {
		return err
	}

	f, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Failed to read the uploaded file")
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(f, int64(h.cfg.MaxUploadBytes)+1)); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Failed to read the uploaded file")
	}

	err = s.StartAnalyze(session.AnalyzeInput{
		Credentials: creds,
		Filename:    fileHeader.Filename,
		Data:        buf.Bytes(),
	})
	if err != nil {
		return errorResponse(err)
	}

	logger.Info("Analysis started",
		zap.String("session_id", s.ID()),
		zap.String("filename", fileHeader.Filename),
		zap.Int64("bytes", fileHeader.Size),
	)
	return c.Status(fiber.StatusAccepted).JSON(project(s.Snapshot()))
}

func (h *SessionHandler) ToggleIgnored(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	index, err := c.ParamsInt("index")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "index must be an integer")
	}

	record, err := s.ToggleIgnored(index)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(fiber.Map{
		"index":   index,
		"record":  projectRecord(record),
		"summary": s.Report().Summary,
	})
}

func (h *SessionHandler) Reestimate(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}

	var req ReestimateRequest
	if err := h.validator.Bind(c, &req); err != nil {
		return err
	}
	creds, err := h.credentials(c, req.Model, req.MaxRetries)
	if err != nil {
		return err
	}

	if err := s.StartReestimate(req.Indices, creds); err != nil {
		return errorResponse(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(project(s.Snapshot()))
}

func (h *SessionHandler) ReestimateAll(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}

	var req reestimateAllRequest
	if len(c.Body()) > 0 {
		if err := h.validator.Bind(c, &req); err != nil {
			return err
		}
	}
	creds, err := h.credentials(c, req.Model, req.MaxRetries)
	if err != nil {
		return err
	}

	if err := s.StartReestimateAll(creds); err != nil {
		return errorResponse(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(project(s.Snapshot()))
}

func (h *SessionHandler) Cancel(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"cancelled": s.Cancel()})
}

func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := s.Reset(); err != nil {
		return errorResponse(err)
	}
	return c.JSON(project(s.Snapshot()))
}

func (h *SessionHandler) ExportXLSX(c *fiber.Ctx) error {
	snap, err := h.completed(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, snap.Records); err != nil {
		logger.Error("Failed to export workbook", zap.Error(err), zap.String("session_id", snap.ID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to export workbook")
	}

	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Attachment(exportName(snap.Filename, ".xlsx"))
	return c.Send(buf.Bytes())
}

func (h *SessionHandler) ReportHTML(c *fiber.Ctx) error {
	snap, err := h.completed(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	meta := export.ReportMeta{Filename: snap.Filename, GeneratedAt: time.Now()}
	if err := export.WriteHTML(&buf, snap.Records, meta); err != nil {
		logger.Error("Failed to render report", zap.Error(err), zap.String("session_id", snap.ID))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to render report")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(buf.Bytes())
}

func (h *SessionHandler) Runs(c *fiber.Ctx) error {
	if h.cfg.Runs == nil {
		return fiber.NewError(fiber.StatusNotFound, "Run history is disabled")
	}
	s, err := h.session(c)
	if err != nil {
		return err
	}
	runs, err := h.cfg.Runs.ListRuns(c.UserContext(), s.ID(), c.QueryInt("limit", 20))
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to list runs")
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (h *SessionHandler) session(c *fiber.Ctx) (*session.Session, error) {
	s, ok := h.manager.Get(c.Params("id"))
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "Session not found")
	}
	return s, nil
}

func (h *SessionHandler) completed(c *fiber.Ctx) (session.Snapshot, error) {
	s, err := h.session(c)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap := s.Snapshot()
	if snap.State != session.StateComplete {
		return session.Snapshot{}, fiber.NewError(fiber.StatusConflict, "No completed analysis to export")
	}
	return snap, nil
}

// credentials takes the bearer token from the Authorization header. The
// token is handed to the session for one operation and never stored.
func (h *SessionHandler) credentials(c *fiber.Ctx, model string, maxRetries *int) (session.Credentials, error) {
	creds := session.Credentials{Model: model, MaxRetries: analysis.DefaultRetries}
	if maxRetries != nil {
		creds.MaxRetries = *maxRetries
	}

	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		creds.APIKey = strings.TrimSpace(token)
	}
	if creds.APIKey == "" && !h.cfg.ServerKey {
		return creds, fiber.NewError(fiber.StatusUnauthorized, "An API key is required (Authorization: Bearer <key>)")
	}
	return creds, nil
}

// errorResponse maps session and analysis errors to HTTP errors.
func errorResponse(err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, session.ErrBusy):
		return fiber.NewError(fiber.StatusConflict, "Another operation is in progress")
	case errors.Is(err, session.ErrInvalidState):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, aggregate.ErrIndexOutOfRange):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	switch faults.Classify(err) {
	case faults.KindEmptyInput:
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case faults.KindConfiguration:
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	logger.Error("Request failed", zap.Error(err))
	return fiber.NewError(fiber.StatusInternalServerError, "Internal server error")
}

// ErrorHandler renders every error as {"error": message}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func exportName(filename, ext string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" || base == "." {
		return "power-budget" + ext
	}
	return base + "-power-budget" + ext
}
