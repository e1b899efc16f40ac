package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/engine"
	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/resolve"
	"github.com/caldera-ci/caldera/pkg/scheduler"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleTriggerError maps the trigger path's error taxonomy onto problem
// responses. Every rejection carries the reason so the trigger source can
// decide whether to retry.
func handleTriggerError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, intake.ErrMissingField):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("missing_field").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case errors.Is(err, intake.ErrMalformedTrigger),
		errors.Is(err, resolve.ErrInvalidParameter),
		errors.Is(err, resolve.ErrUnknownTriggerKind):
		return badRequest(c, err.Error())

	case errors.Is(err, resolve.ErrNoMapping),
		errors.Is(err, resolve.ErrUnknownEnvironment):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("unresolvable_parameters").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case errors.Is(err, config.ErrPipelineNotFound),
		errors.Is(err, config.ErrScheduleNotFound),
		errors.Is(err, config.ErrWebhookSourceNotFound):
		return notFound(c, err.Error())

	case scheduler.IsConcurrencyLimitExceeded(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("concurrency_limit_exceeded").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}

// handleSignalError maps approval and cancellation errors.
func handleSignalError(c fiber.Ctx, err error) error {
	switch {
	case ledger.IsRunNotFound(err):
		return notFound(c, "run not found")

	case engine.IsAlreadyResolved(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("already_resolved").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		return internalError(c, err)
	}
}
