// Package intake normalizes the heterogeneous trigger sources into a single
// event type. Normalization is synchronous and side-effect free: it either
// emits one TriggerEvent or one error, and never blocks on admission or
// execution.
package intake

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/xeipuuv/gojsonschema"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/models"
)

var (
	// ErrMalformedTrigger indicates input that matches no known source shape.
	ErrMalformedTrigger = errors.New("malformed trigger input")

	// ErrMissingField indicates a webhook payload lacking a required field path.
	ErrMissingField = errors.New("required field missing from payload")
)

// Manual is a direct run request with explicit user-chosen values.
type Manual struct {
	PipelineID  string
	Environment string
	Branch      string
	Extra       map[string]string
}

// SCMPush is a source-control push notification.
type SCMPush struct {
	PipelineID string
	Branch     string
	CommitRef  string
}

// CronTick is one firing of a configured schedule.
type CronTick struct {
	ScheduleID string
}

// UpstreamCompletion is the completion event of an upstream job carrying the
// parameters the downstream run should inherit.
type UpstreamCompletion struct {
	PipelineID  string
	SourceJobID string
	Environment string
	Branch      string
	Params      map[string]string
}

// WebhookDelivery is a generic webhook payload addressed to a configured
// webhook source.
type WebhookDelivery struct {
	SourceID string
	Payload  map[string]any
}

// webhookExtractor holds the compiled field-path queries for one source.
type webhookExtractor struct {
	source      *config.WebhookSource
	environment *gojq.Query
	branch      *gojq.Query
	extra       map[string]*gojq.Query
	schema      *gojsonschema.Schema
}

// Intake normalizes raw trigger inputs into TriggerEvents.
type Intake struct {
	store      *config.Store
	extractors map[string]*webhookExtractor
	logger     *slog.Logger
	now        func() time.Time
}

// NewIntake builds an intake over the loaded configuration, compiling every
// webhook source's field paths and payload schema up front.
func NewIntake(store *config.Store, logger *slog.Logger) (*Intake, error) {
	intake := &Intake{
		store:      store,
		extractors: make(map[string]*webhookExtractor),
		logger:     logger.With("module", "intake"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, source := range store.WebhookSources() {
		extractor, err := newWebhookExtractor(source)
		if err != nil {
			return nil, fmt.Errorf("webhook source %q: %w", source.ID, err)
		}

		intake.extractors[source.ID] = extractor
	}

	return intake, nil
}

func newWebhookExtractor(source *config.WebhookSource) (*webhookExtractor, error) {
	environment, err := gojq.Parse(source.EnvironmentPath)
	if err != nil {
		return nil, fmt.Errorf("invalid environment path %q: %w", source.EnvironmentPath, err)
	}

	branch, err := gojq.Parse(source.BranchPath)
	if err != nil {
		return nil, fmt.Errorf("invalid branch path %q: %w", source.BranchPath, err)
	}

	extra := make(map[string]*gojq.Query, len(source.ExtraPaths))

	for name, path := range source.ExtraPaths {
		query, err := gojq.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("invalid extra path %q for %q: %w", path, name, err)
		}

		extra[name] = query
	}

	extractor := &webhookExtractor{
		source:      source,
		environment: environment,
		branch:      branch,
		extra:       extra,
	}

	if source.Schema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(source.Schema))
		if err != nil {
			return nil, fmt.Errorf("invalid payload schema: %w", err)
		}

		extractor.schema = schema
	}

	return extractor, nil
}

// Normalize maps one raw trigger input to its TriggerEvent. Unknown or
// malformed input fails with ErrMalformedTrigger and is never forwarded
// downstream.
func (i *Intake) Normalize(raw any) (models.TriggerEvent, error) {
	switch input := raw.(type) {
	case Manual:
		return i.normalizeManual(input)
	case SCMPush:
		return i.normalizeSCMPush(input)
	case CronTick:
		return i.normalizeCronTick(input)
	case UpstreamCompletion:
		return i.normalizeUpstream(input)
	case WebhookDelivery:
		return i.normalizeWebhook(input)
	default:
		return models.TriggerEvent{}, fmt.Errorf("%w: unsupported input type %T", ErrMalformedTrigger, raw)
	}
}

func (i *Intake) newEvent(kind models.TriggerKind, pipelineID string) models.TriggerEvent {
	return models.TriggerEvent{
		ID:         uuid.New().String(),
		Kind:       kind,
		PipelineID: pipelineID,
		Timestamp:  i.now(),
	}
}

func (i *Intake) normalizeManual(input Manual) (models.TriggerEvent, error) {
	if input.PipelineID == "" {
		return models.TriggerEvent{}, fmt.Errorf("%w: manual trigger requires a pipeline", ErrMalformedTrigger)
	}

	event := i.newEvent(models.TriggerKindManual, input.PipelineID)
	event.Environment = input.Environment
	event.Branch = input.Branch
	event.Extra = input.Extra

	return event, nil
}

func (i *Intake) normalizeSCMPush(input SCMPush) (models.TriggerEvent, error) {
	if input.PipelineID == "" || input.Branch == "" {
		return models.TriggerEvent{}, fmt.Errorf("%w: scm push requires a pipeline and a branch", ErrMalformedTrigger)
	}

	event := i.newEvent(models.TriggerKindSCMPush, input.PipelineID)
	event.Branch = input.Branch
	event.CommitRef = input.CommitRef

	return event, nil
}

func (i *Intake) normalizeCronTick(input CronTick) (models.TriggerEvent, error) {
	schedule, err := i.store.Schedule(input.ScheduleID)
	if err != nil {
		return models.TriggerEvent{}, fmt.Errorf("%w: unknown schedule %q", ErrMalformedTrigger, input.ScheduleID)
	}

	event := i.newEvent(models.TriggerKindCron, schedule.PipelineID)
	event.ScheduleID = schedule.ID

	return event, nil
}

func (i *Intake) normalizeUpstream(input UpstreamCompletion) (models.TriggerEvent, error) {
	if input.PipelineID == "" || input.SourceJobID == "" {
		return models.TriggerEvent{}, fmt.Errorf("%w: upstream event requires a pipeline and a source job", ErrMalformedTrigger)
	}

	event := i.newEvent(models.TriggerKindUpstream, input.PipelineID)
	event.SourceJobID = input.SourceJobID
	event.Environment = input.Environment
	event.Branch = input.Branch
	event.Extra = input.Params

	return event, nil
}

func (i *Intake) normalizeWebhook(input WebhookDelivery) (models.TriggerEvent, error) {
	extractor, ok := i.extractors[input.SourceID]
	if !ok {
		return models.TriggerEvent{}, fmt.Errorf("%w: unknown webhook source %q", ErrMalformedTrigger, input.SourceID)
	}

	if input.Payload == nil {
		return models.TriggerEvent{}, fmt.Errorf("%w: webhook payload is empty", ErrMalformedTrigger)
	}

	if extractor.schema != nil {
		result, err := extractor.schema.Validate(gojsonschema.NewGoLoader(input.Payload))
		if err != nil {
			return models.TriggerEvent{}, fmt.Errorf("%w: payload validation failed: %v", ErrMalformedTrigger, err)
		}

		if !result.Valid() {
			return models.TriggerEvent{}, fmt.Errorf("%w: payload does not match schema: %v", ErrMalformedTrigger, result.Errors())
		}
	}

	environment, err := extractString(extractor.environment, input.Payload)
	if err != nil {
		return models.TriggerEvent{}, fmt.Errorf("%w: environment path %q: %v", ErrMissingField, extractor.source.EnvironmentPath, err)
	}

	branch, err := extractString(extractor.branch, input.Payload)
	if err != nil {
		return models.TriggerEvent{}, fmt.Errorf("%w: branch path %q: %v", ErrMissingField, extractor.source.BranchPath, err)
	}

	extra := make(map[string]string, len(extractor.extra))

	for name, query := range extractor.extra {
		value, err := extractString(query, input.Payload)
		if err != nil {
			// Extra paths are optional; absent values are simply dropped.
			continue
		}

		extra[name] = value
	}

	event := i.newEvent(models.TriggerKindWebhook, extractor.source.PipelineID)
	event.Environment = environment
	event.Branch = branch
	event.Extra = extra
	event.Raw = input.Payload

	return event, nil
}

// extractString runs a compiled jq query against the payload and coerces the
// first result to a string. Null and missing values are errors.
func extractString(query *gojq.Query, payload map[string]any) (string, error) {
	iter := query.Run(payload)

	value, ok := iter.Next()
	if !ok {
		return "", errors.New("no value at path")
	}

	if err, isErr := value.(error); isErr {
		return "", err
	}

	switch v := value.(type) {
	case nil:
		return "", errors.New("value at path is null")
	case string:
		if v == "" {
			return "", errors.New("value at path is empty")
		}

		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
