package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/broadcast-dispatch/internal/domain"
)

type lineResponse struct {
	ID                 string            `json:"id"`
	Extension          string            `json:"extension,omitempty"`
	Status             domain.LineStatus `json:"status"`
	MaxConcurrentCalls int               `json:"max_concurrent_calls"`
	CurrentActiveCalls int               `json:"current_active_calls"`
	TotalCalls         int64             `json:"total_calls"`
}

type lineStatusRequest struct {
	Status string `json:"status"`
}

func (h *HandlerSet) listLines(ctx *fiber.Ctx) error {
	lines := h.engine.Lines()
	resp := make([]lineResponse, 0, len(lines))
	for _, l := range lines {
		resp = append(resp, lineResponse{
			ID:                 l.ID,
			Extension:          l.Extension,
			Status:             l.Status,
			MaxConcurrentCalls: l.MaxConcurrentCalls,
			CurrentActiveCalls: l.CurrentActiveCalls,
			TotalCalls:         l.TotalCalls,
		})
	}
	return ctx.JSON(fiber.Map{"lines": resp})
}

// updateLineStatus lets operators take a line out of rotation or bring it
// back without going through the signaling topic.
func (h *HandlerSet) updateLineStatus(ctx *fiber.Ctx) error {
	var req lineStatusRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	status, err := domain.ParseLineStatus(req.Status)
	if err != nil {
		return translateError(err)
	}
	if err := h.engine.HandleLineStatus(ctx.Params("id"), status); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
