// Package pipeline contains the two halves of the reliable event path:
// the producer that validates, seals and enqueues events, and the
// processor that drains the broker into durable storage.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/logging"
	"github.com/davidleathers/compliant-audit-pipeline/internal/metrics"
	"github.com/davidleathers/compliant-audit-pipeline/internal/validation"
)

// Enqueuer is the broker surface the producer needs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *audit.QueueJob) error
}

// Options steers one enqueue. DefaultOptions covers the common case;
// passing nil to Log is equivalent.
type Options struct {
	Priority audit.Priority
	Delay    time.Duration

	// DurabilityGuarantees keeps the completed job on the broker's done
	// ring instead of trimming it (audit of audit)
	DurabilityGuarantees bool

	GenerateHash      bool
	GenerateSignature bool

	// SignatureRequired makes a signing failure fatal instead of
	// degrading to a hash-only seal
	SignatureRequired bool

	CorrelationID  string
	SkipValidation bool
	Compliance     []string
}

// DefaultOptions hashes but does not sign
func DefaultOptions() *Options {
	return &Options{
		Priority:     audit.PriorityNormal,
		GenerateHash: true,
	}
}

// Producer is the client-facing enqueue API. It owns enrichment:
// preset merge, default filling, validation, sealing.
type Producer struct {
	validator *validation.Validator
	sealer    *crypto.Sealer
	broker    Enqueuer
	presets   audit.PresetRepository
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// NewProducer wires the producer. presets and metrics may be nil.
func NewProducer(validator *validation.Validator, sealer *crypto.Sealer, broker Enqueuer, presets audit.PresetRepository, registry *metrics.Registry, logger *zap.Logger) *Producer {
	return &Producer{
		validator: validator,
		sealer:    sealer,
		broker:    broker,
		presets:   presets,
		metrics:   registry,
		logger:    logger,
	}
}

// builtinPresets back the helper entry points when no stored preset
// overrides them
var builtinPresets = map[string]*audit.Preset{
	"fhir": {
		Name:               "fhir",
		DataClassification: audit.ClassificationPHI,
		RetentionPolicy:    "phi",
		TargetResourceType: "FHIRResource",
	},
	"auth": {
		Name:               "auth",
		DataClassification: audit.ClassificationConfidential,
		RetentionPolicy:    "extended",
	},
	"system": {
		Name:               "system",
		DataClassification: audit.ClassificationInternal,
		RetentionPolicy:    "standard",
	},
	"data": {
		Name:               "data",
		DataClassification: audit.ClassificationConfidential,
		RetentionPolicy:    "standard",
	},
}

var tracer = otel.Tracer("github.com/davidleathers/compliant-audit-pipeline/internal/pipeline")

// Log validates, seals and enqueues one event
func (p *Producer) Log(ctx context.Context, ev *audit.Event, opts *Options) error {
	if ev == nil {
		return errors.NewValidationError("MISSING_EVENT", "event is required")
	}
	ctx, span := tracer.Start(ctx, "audit.enqueue")
	span.SetAttributes(attribute.String("audit.action", ev.Action))
	defer span.End()

	if err := p.log(ctx, ev, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.Code(err))
		return err
	}
	return nil
}

func (p *Producer) log(ctx context.Context, ev *audit.Event, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}

	p.fillDefaults(ev)

	if opts.CorrelationID != "" {
		ev.CorrelationID = opts.CorrelationID
	} else if ev.CorrelationID == "" {
		ev.CorrelationID = logging.CorrelationIDFrom(ctx)
	}

	if !opts.SkipValidation {
		res := p.validator.ValidateAndSanitize(ev, opts.Compliance...)
		for _, w := range res.Warnings {
			p.logger.Warn("event sanitized",
				zap.String("action", ev.Action),
				zap.String("field", w.Field),
				zap.String("code", w.Code))
		}
		if !res.Valid() {
			if p.metrics != nil {
				p.metrics.RecordValidationFailure(ctx, ev.OrganizationID, res.Errors[0].Code)
			}
			return validationError(res)
		}
		// The sanitized copy is what ships; the caller's event is never
		// mutated
		ev = res.Sanitized
	}

	if opts.GenerateHash {
		err := p.sealer.Seal(ctx, ev, opts.GenerateSignature, opts.SignatureRequired)
		if errors.IsType(err, errors.ErrorTypeCryptoUnavailable) {
			// Hash-only seal; the event still ships
			p.logger.Warn("signature degraded to hash-only seal",
				zap.String("action", ev.Action),
				zap.Error(err))
		} else if err != nil {
			return err
		}
	}

	job := audit.NewQueueJob(ev, opts.Priority)
	job.Meta.Durable = opts.DurabilityGuarantees
	if opts.Delay > 0 {
		job.Meta.NextEligibleAt = time.Now().UTC().Add(opts.Delay)
	}

	if err := p.broker.Enqueue(ctx, job); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordIngest(ctx, ev.OrganizationID, ev.Action)
	}
	return nil
}

// LogWithEnhancements merges the named preset and compliance overlays
// before the standard Log path. Explicit caller fields win over preset
// values.
func (p *Producer) LogWithEnhancements(ctx context.Context, ev *audit.Event, presetName string, compliance []string, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(compliance) > 0 {
		opts.Compliance = append(append([]string(nil), opts.Compliance...), compliance...)
	}
	if presetName != "" {
		preset, err := p.preset(ctx, presetName)
		if err != nil {
			return err
		}
		applyPreset(ev, preset)
	}
	return p.Log(ctx, ev, opts)
}

// LogCritical enqueues with full durability: critical priority, hash
// and signature both required, completed record kept on the broker.
func (p *Producer) LogCritical(ctx context.Context, ev *audit.Event, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.Priority = audit.PriorityCritical
	opts.DurabilityGuarantees = true
	opts.GenerateHash = true
	opts.GenerateSignature = true
	opts.SignatureRequired = true
	return p.Log(ctx, ev, opts)
}

// LogFHIR records PHI access under the HIPAA overlay
func (p *Producer) LogFHIR(ctx context.Context, ev *audit.Event, opts *Options) error {
	return p.LogWithEnhancements(ctx, ev, "fhir", []string{validation.ComplianceHIPAA}, opts)
}

// LogAuth records an authentication event
func (p *Producer) LogAuth(ctx context.Context, ev *audit.Event, opts *Options) error {
	return p.LogWithEnhancements(ctx, ev, "auth", nil, opts)
}

// LogSystem records an internal system event
func (p *Producer) LogSystem(ctx context.Context, ev *audit.Event, opts *Options) error {
	return p.LogWithEnhancements(ctx, ev, "system", nil, opts)
}

// LogData records a data-access event under the GDPR overlay
func (p *Producer) LogData(ctx context.Context, ev *audit.Event, opts *Options) error {
	return p.LogWithEnhancements(ctx, ev, "data", []string{validation.ComplianceGDPR}, opts)
}

func (p *Producer) preset(ctx context.Context, name string) (*audit.Preset, error) {
	if p.presets != nil {
		preset, err := p.presets.Get(ctx, name)
		if err == nil {
			return preset, nil
		}
		if !errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}
	}
	if preset, ok := builtinPresets[name]; ok {
		return preset, nil
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("preset %q", name))
}

func (p *Producer) fillDefaults(ev *audit.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(audit.TimestampLayout)
	}
	if ev.EventVersion == "" {
		ev.EventVersion = audit.DefaultEventVersion
	}
	if ev.DataClassification == "" {
		ev.DataClassification = audit.ClassificationInternal
	}
	if ev.RetentionPolicy == "" {
		ev.RetentionPolicy = audit.DefaultRetentionPolicy
	}
	if ev.HashAlgorithm == "" {
		ev.HashAlgorithm = audit.HashAlgorithm
	}
}

// applyPreset copies preset values into fields the caller left empty;
// extension keys merge with caller entries winning.
func applyPreset(ev *audit.Event, preset *audit.Preset) {
	if ev.Action == "" {
		ev.Action = preset.Action
	}
	if ev.DataClassification == "" {
		ev.DataClassification = preset.DataClassification
	}
	if ev.RetentionPolicy == "" {
		ev.RetentionPolicy = preset.RetentionPolicy
	}
	if ev.TargetResourceType == "" {
		ev.TargetResourceType = preset.TargetResourceType
	}
	if len(preset.Extensions) > 0 {
		if ev.Extensions == nil {
			ev.Extensions = make(map[string]audit.Value, len(preset.Extensions))
		}
		for k, v := range preset.Extensions {
			if _, exists := ev.Extensions[k]; !exists {
				ev.Extensions[k] = v.Clone()
			}
		}
	}
}

// validationError folds a failed result into one VALIDATION error
func validationError(res *validation.Result) error {
	first := res.Errors[0]
	msg := fmt.Sprintf("%s: %s", first.Field, first.Message)
	if len(res.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(res.Errors)-1)
	}
	return errors.NewValidationError(first.Code, msg)
}
