package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/dispatcher"
	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

// Engine is the dispatch surface the HTTP layer drives.
type Engine interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (domain.Campaign, error)
	Start(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	Cancel(ctx context.Context, id uuid.UUID, by, reason string) (domain.Campaign, error)
	BulkCancel(ctx context.Context, ids []uuid.UUID, by, reason string) []dispatcher.CancelResult
	Snapshot(id uuid.UUID) (domain.Snapshot, error)
	Stats(id uuid.UUID) (domain.CampaignStats, error)
	List(status domain.CampaignStatus) []domain.Campaign
	Lines() []domain.DialLine
	Attempts(ctx context.Context, id uuid.UUID, limit int, page []byte) ([]domain.CallAttempt, []byte, error)
	HandleLineStatus(lineID string, status domain.LineStatus) error
}

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	engine Engine
	log    *logger.Logger
	checks map[string]HealthCheck
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(engine Engine, log *logger.Logger, checks map[string]HealthCheck) *HandlerSet {
	return &HandlerSet{engine: engine, log: log, checks: checks}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")
	v1.Use(h.countRequests)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.submitCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Post("/cancel", h.bulkCancel)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/attempts", h.listAttempts)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)

	lines := v1.Group("/lines")
	lines.Get("/", h.listLines)
	lines.Put("/:id/status", h.updateLineStatus)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) countRequests(ctx *fiber.Ctx) error {
	err := ctx.Next()

	status := ctx.Response().StatusCode()
	if err != nil {
		status = fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
	}
	observability.APIRequests.WithLabelValues(ctx.Route().Path, strconv.Itoa(status)).Inc()
	return err
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}

func parseID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}
