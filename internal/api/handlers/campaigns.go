package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/broadcast-dispatch/internal/dispatcher"
	"github.com/acme/broadcast-dispatch/internal/domain"
)

const (
	defaultAttemptPage = 50
	maxAttemptPage     = 500
)

type submitCampaignRequest struct {
	Title              string             `json:"title"`
	Message            string             `json:"message"`
	AudioRef           string             `json:"audio_ref"`
	Priority           string             `json:"priority"`
	MaxRetries         *int               `json:"max_retries"`
	RetryDelayMs       *int64             `json:"retry_delay_ms"`
	CallTimeoutMs      *int64             `json:"call_timeout_ms"`
	MaxConcurrentCalls *int               `json:"max_concurrent_calls"`
	ScheduledAt        *time.Time         `json:"scheduled_at"`
	CreatedBy          string             `json:"created_by"`
	Recipients         []recipientRequest `json:"recipients"`
}

type recipientRequest struct {
	PhoneNumber string `json:"phone_number"`
	ExternalRef string `json:"external_ref"`
	Name        string `json:"name"`
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason"`
}

type bulkCancelRequest struct {
	IDs         []uuid.UUID `json:"ids"`
	CancelledBy string      `json:"cancelled_by"`
	Reason      string      `json:"reason"`
}

type campaignResponse struct {
	ID                 uuid.UUID             `json:"id"`
	Title              string                `json:"title"`
	Message            string                `json:"message,omitempty"`
	AudioRef           string                `json:"audio_ref,omitempty"`
	Priority           string                `json:"priority"`
	Status             domain.CampaignStatus `json:"status"`
	MaxRetries         int                   `json:"max_retries"`
	RetryDelayMs       int64                 `json:"retry_delay_ms"`
	CallTimeoutMs      int64                 `json:"call_timeout_ms"`
	MaxConcurrentCalls int                   `json:"max_concurrent_calls"`
	ScheduledAt        *time.Time            `json:"scheduled_at,omitempty"`
	TotalRecipients    int                   `json:"total_recipients"`
	SuccessCount       int                   `json:"success_count"`
	FailureCount       int                   `json:"failure_count"`
	AverageDurationMs  int64                 `json:"average_duration_ms"`
	CreatedBy          string                `json:"created_by"`
	CancelledBy        string                `json:"cancelled_by,omitempty"`
	CancelReason       string                `json:"cancel_reason,omitempty"`
	FailureReason      string                `json:"failure_reason,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
}

type recipientResponse struct {
	Index         int                    `json:"index"`
	PhoneNumber   string                 `json:"phone_number"`
	ExternalRef   string                 `json:"external_ref,omitempty"`
	Name          string                 `json:"name,omitempty"`
	Status        domain.RecipientStatus `json:"status"`
	Attempts      int                    `json:"attempts"`
	LastAttemptAt *time.Time             `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time             `json:"next_attempt_at,omitempty"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

type campaignDetailResponse struct {
	campaignResponse
	Recipients []recipientResponse `json:"recipients"`
}

type campaignStatsResponse struct {
	CampaignID         uuid.UUID             `json:"campaign_id"`
	Status             domain.CampaignStatus `json:"status"`
	TotalRecipients    int                   `json:"total_recipients"`
	SuccessCount       int                   `json:"success_count"`
	FailureCount       int                   `json:"failure_count"`
	PendingCount       int                   `json:"pending_count"`
	RetryCount         int                   `json:"retry_count"`
	CallingCount       int                   `json:"calling_count"`
	CancelledCount     int                   `json:"cancelled_count"`
	TotalAttempts      int                   `json:"total_attempts"`
	SuccessRate        int                   `json:"success_rate"`
	ProgressPercentage int                   `json:"progress_percentage"`
	AverageDurationMs  int64                 `json:"average_duration_ms"`
	ComputedAt         time.Time             `json:"computed_at"`
}

type attemptResponse struct {
	ID             string            `json:"id"`
	RecipientIndex int               `json:"recipient_index"`
	PhoneNumber    string            `json:"phone_number"`
	LineID         string            `json:"line_id"`
	AttemptNumber  int               `json:"attempt_number"`
	Status         domain.CallStatus `json:"status"`
	StartTime      time.Time         `json:"start_time"`
	AnswerTime     *time.Time        `json:"answer_time,omitempty"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

type cancelResultResponse struct {
	ID    uuid.UUID `json:"id"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

func (h *HandlerSet) submitCampaign(ctx *fiber.Ctx) error {
	var req submitCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := h.engine.Submit(ctx.UserContext(), toSubmitRequest(req))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func toSubmitRequest(req submitCampaignRequest) dispatcher.SubmitRequest {
	out := dispatcher.SubmitRequest{
		Title:              req.Title,
		Message:            req.Message,
		AudioRef:           req.AudioRef,
		Priority:           req.Priority,
		MaxRetries:         req.MaxRetries,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		ScheduledAt:        req.ScheduledAt,
		CreatedBy:          req.CreatedBy,
		Recipients:         make([]dispatcher.RecipientInput, 0, len(req.Recipients)),
	}
	if req.RetryDelayMs != nil {
		d := time.Duration(*req.RetryDelayMs) * time.Millisecond
		out.RetryDelay = &d
	}
	if req.CallTimeoutMs != nil {
		d := time.Duration(*req.CallTimeoutMs) * time.Millisecond
		out.CallTimeout = &d
	}
	for _, r := range req.Recipients {
		out.Recipients = append(out.Recipients, dispatcher.RecipientInput{
			PhoneNumber: r.PhoneNumber,
			ExternalRef: r.ExternalRef,
			Name:        r.Name,
		})
	}
	return out
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	var status domain.CampaignStatus
	if s := ctx.Query("status"); s != "" {
		status = domain.CampaignStatus(s)
	}

	campaigns := h.engine.List(status)
	resp := make([]campaignResponse, 0, len(campaigns))
	for _, c := range campaigns {
		resp = append(resp, toCampaignResponse(c))
	}
	return ctx.JSON(fiber.Map{"campaigns": resp})
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	snap, err := h.engine.Snapshot(id)
	if err != nil {
		return translateError(err)
	}

	resp := campaignDetailResponse{
		campaignResponse: toCampaignResponse(snap.Campaign),
		Recipients:       make([]recipientResponse, 0, len(snap.Recipients)),
	}
	for _, r := range snap.Recipients {
		resp.Recipients = append(resp.Recipients, toRecipientResponse(r))
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	stats, err := h.engine.Stats(id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(campaignStatsResponse{
		CampaignID:         stats.CampaignID,
		Status:             stats.Status,
		TotalRecipients:    stats.TotalRecipients,
		SuccessCount:       stats.SuccessCount,
		FailureCount:       stats.FailureCount,
		PendingCount:       stats.PendingCount,
		RetryCount:         stats.RetryCount,
		CallingCount:       stats.CallingCount,
		CancelledCount:     stats.CancelledCount,
		TotalAttempts:      stats.TotalAttempts,
		SuccessRate:        stats.SuccessRate,
		ProgressPercentage: stats.ProgressPercentage,
		AverageDurationMs:  stats.AverageDuration.Milliseconds(),
		ComputedAt:         stats.ComputedAt,
	})
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.engine.Start(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	var req cancelRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := h.engine.Cancel(ctx.UserContext(), id, req.CancelledBy, req.Reason)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) bulkCancel(ctx *fiber.Ctx) error {
	var req bulkCancelRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return fiber.NewError(http.StatusBadRequest, "ids are required")
	}

	results := h.engine.BulkCancel(ctx.UserContext(), req.IDs, req.CancelledBy, req.Reason)
	resp := make([]cancelResultResponse, 0, len(results))
	for _, r := range results {
		resp = append(resp, cancelResultResponse{ID: r.CampaignID, OK: r.Err == nil, Error: errorText(r.Err)})
	}
	return ctx.JSON(fiber.Map{"results": resp})
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	limit := defaultAttemptPage
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fiber.NewError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxAttemptPage)
	}

	page, err := decodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	attempts, next, err := h.engine.Attempts(ctx.UserContext(), id, limit, page)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts)), NextPage: encodePageToken(next)}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:             a.ID,
			RecipientIndex: a.RecipientIndex,
			PhoneNumber:    a.PhoneNumber,
			LineID:         a.LineID,
			AttemptNumber:  a.AttemptNumber,
			Status:         a.Status,
			StartTime:      a.StartTime,
			AnswerTime:     a.AnswerTime,
			EndTime:        a.EndTime,
			FailureReason:  a.FailureReason,
		})
	}
	return ctx.JSON(resp)
}

func toCampaignResponse(c domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:                 c.ID,
		Title:              c.Title,
		Message:            c.Message,
		AudioRef:           c.AudioRef,
		Priority:           c.Priority.String(),
		Status:             c.Status,
		MaxRetries:         c.RetryPolicy.MaxRetries,
		RetryDelayMs:       c.RetryPolicy.RetryDelay.Milliseconds(),
		CallTimeoutMs:      c.CallTimeout.Milliseconds(),
		MaxConcurrentCalls: c.MaxConcurrentCalls,
		ScheduledAt:        c.ScheduledAt,
		TotalRecipients:    c.TotalRecipients,
		SuccessCount:       c.SuccessCount,
		FailureCount:       c.FailureCount,
		AverageDurationMs:  c.AverageDuration.Milliseconds(),
		CreatedBy:          c.CreatedBy,
		CancelledBy:        c.CancelledBy,
		CancelReason:       c.CancelReason,
		FailureReason:      c.FailureReason,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
		StartedAt:          c.StartedAt,
		CompletedAt:        c.CompletedAt,
	}
}

func toRecipientResponse(r domain.Recipient) recipientResponse {
	resp := recipientResponse{
		Index:         r.Index,
		PhoneNumber:   r.PhoneNumber,
		ExternalRef:   r.ExternalRef,
		Name:          r.Name,
		Status:        r.Status,
		Attempts:      r.Attempts,
		LastAttemptAt: r.LastAttemptAt,
		NextAttemptAt: r.NextAttemptAt,
		LastError:     r.LastError,
	}
	if r.LastDuration != nil {
		ms := r.LastDuration.Milliseconds()
		resp.DurationMs = &ms
	}
	return resp
}
