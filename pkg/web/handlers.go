// Package web provides the REST endpoints for triggering pipelines and
// inspecting run history.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/models"
	"github.com/caldera-ci/caldera/pkg/orchestrator"
	"github.com/caldera-ci/caldera/pkg/registry"
)

type APIHandlers struct {
	orchestrator *orchestrator.Orchestrator
	ledger       ledger.Ledger
	registry     *registry.Registry
	validator    *validator.Validate
}

func NewAPIHandlers(
	orch *orchestrator.Orchestrator,
	led ledger.Ledger,
	reg *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orch,
		ledger:       led,
		registry:     reg,
		validator:    validator,
	}
}

func (h *APIHandlers) TriggerManual(c fiber.Ctx) error {
	var req ManualTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return h.trigger(c, intake.Manual{
		PipelineID:  req.PipelineID,
		Environment: req.Environment,
		Branch:      req.Branch,
		Extra:       req.Extra,
	})
}

func (h *APIHandlers) TriggerSCM(c fiber.Ctx) error {
	var req SCMTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return h.trigger(c, intake.SCMPush{
		PipelineID: req.PipelineID,
		Branch:     req.Branch,
		CommitRef:  req.CommitRef,
	})
}

func (h *APIHandlers) TriggerCron(c fiber.Ctx) error {
	var req CronTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	return h.trigger(c, intake.CronTick{ScheduleID: req.ScheduleID})
}

func (h *APIHandlers) TriggerWebhook(c fiber.Ctx) error {
	sourceID := c.Params("source")
	if sourceID == "" {
		return badRequest(c, "Webhook source is required")
	}

	var payload map[string]any
	if err := c.Bind().JSON(&payload); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	return h.trigger(c, intake.WebhookDelivery{
		SourceID: sourceID,
		Payload:  payload,
	})
}

func (h *APIHandlers) trigger(c fiber.Ctx, raw any) error {
	request, err := h.orchestrator.Trigger(c.Context(), raw)
	if err != nil {
		return handleTriggerError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(TriggerResponse{
		RunID:       request.RunID,
		PipelineID:  request.Pipeline.ID,
		Environment: request.Params.Environment,
		Branch:      request.Params.Branch,
	})
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	filter, err := h.parseRunFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.ledger.ListRuns(c.Context(), *filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (h *APIHandlers) parseRunFilter(c fiber.Ctx) (*ledger.Filter, error) {
	filter := &ledger.Filter{
		PipelineID:  c.Query("pipeline_id"),
		Environment: c.Query("environment"),
		Status:      models.RunStatus(c.Query("status")),
	}

	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return nil, err
		}

		filter.Since = since
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		filter.Offset = offset
	}

	return filter, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	runID, err := h.parseRunID(c)
	if err != nil {
		return badRequest(c, "Run ID must be an integer")
	}

	record, err := h.ledger.RunByID(c.Context(), runID)
	if err != nil {
		if ledger.IsRunNotFound(err) {
			return notFound(c, "run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) ApproveRun(c fiber.Ctx) error {
	runID, err := h.parseRunID(c)
	if err != nil {
		return badRequest(c, "Run ID must be an integer")
	}

	if err := h.orchestrator.Approve(c.Context(), runID); err != nil {
		return handleSignalError(c, err)
	}

	return c.JSON(fiber.Map{"run_id": runID, "approval": "approved"})
}

func (h *APIHandlers) RejectRun(c fiber.Ctx) error {
	runID, err := h.parseRunID(c)
	if err != nil {
		return badRequest(c, "Run ID must be an integer")
	}

	if err := h.orchestrator.Reject(c.Context(), runID); err != nil {
		return handleSignalError(c, err)
	}

	return c.JSON(fiber.Map{"run_id": runID, "approval": "rejected"})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	runID, err := h.parseRunID(c)
	if err != nil {
		return badRequest(c, "Run ID must be an integer")
	}

	if err := h.orchestrator.Cancel(c.Context(), runID); err != nil {
		return handleSignalError(c, err)
	}

	return c.JSON(fiber.Map{"run_id": runID, "cancelled": true})
}

func (h *APIHandlers) parseRunID(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()

	ledgerCheck := "ok"
	ledgerOk := true

	if err := h.ledger.HealthCheck(c.Context()); err != nil {
		ledgerCheck = err.Error()
		ledgerOk = false
	}

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && ledgerOk {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"registry": registryCheck,
			"ledger":   ledgerCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
