package gdpr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Auditor records the engine's own operations in the audit trail
type Auditor interface {
	Record(ctx context.Context, ev *audit.Event) error
}

// AuditorFunc adapts a function to the Auditor interface
type AuditorFunc func(ctx context.Context, ev *audit.Event) error

func (f AuditorFunc) Record(ctx context.Context, ev *audit.Event) error { return f(ctx, ev) }

// Engine executes data-subject rights operations. Long scans run on
// background workers; nothing here belongs on a request path.
type Engine struct {
	events        audit.EventRepository
	pseudonymizer *Pseudonymizer
	auditor       Auditor
	logger        *zap.Logger
}

// NewEngine wires the rights engine
func NewEngine(events audit.EventRepository, pseudonymizer *Pseudonymizer, auditor Auditor, logger *zap.Logger) *Engine {
	return &Engine{
		events:        events,
		pseudonymizer: pseudonymizer,
		auditor:       auditor,
		logger:        logger,
	}
}

// record emits a gdpr.* audit event for the operation itself
func (e *Engine) record(ctx context.Context, action, subjectID, outcome string) {
	if e.auditor == nil {
		return
	}
	ev := audit.New(action, audit.StatusSuccess)
	ev.PrincipalID = subjectID
	ev.OutcomeDescription = outcome
	ev.DataClassification = audit.ClassificationConfidential
	if err := e.auditor.Record(ctx, ev); err != nil {
		e.logger.Error("failed to audit rights operation",
			zap.String("action", action),
			zap.Error(err))
	}
}

// Access produces a sanitized export of the subject's events
func (e *Engine) Access(ctx context.Context, subjectID string, format ExportFormat) (*Export, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}
	records, err := collectSubjectEvents(ctx, e.events, subjectID)
	if err != nil {
		return nil, err
	}
	export, err := renderExport(records, format)
	if err != nil {
		return nil, err
	}
	e.record(ctx, "gdpr.access", subjectID,
		fmt.Sprintf("exported %d events as %s", export.Records, format))
	return export, nil
}

// Portability is the machine-readable access export
func (e *Engine) Portability(ctx context.Context, subjectID string) (*Export, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}
	records, err := collectSubjectEvents(ctx, e.events, subjectID)
	if err != nil {
		return nil, err
	}
	export, err := renderExport(records, FormatJSON)
	if err != nil {
		return nil, err
	}
	e.record(ctx, "gdpr.portability", subjectID,
		fmt.Sprintf("exported %d events for portability", export.Records))
	return export, nil
}

// Rectify records a compensating audit event; the original stays
// immutable.
func (e *Engine) Rectify(ctx context.Context, subjectID, eventID, correction string) error {
	if subjectID == "" || eventID == "" {
		return errors.NewValidationError("MISSING_SUBJECT", "subject id and event id are required")
	}
	if e.auditor == nil {
		return errors.NewConfigError("rectification requires an audit recorder")
	}

	ev := audit.New("gdpr.rectify", audit.StatusSuccess)
	ev.PrincipalID = subjectID
	ev.TargetResourceType = "AuditEvent"
	ev.TargetResourceID = eventID
	ev.OutcomeDescription = correction
	ev.DataClassification = audit.ClassificationConfidential
	return e.auditor.Record(ctx, ev)
}

// ErasureResult summarizes one erasure run
type ErasureResult struct {
	Deleted       int64  `json:"deleted"`
	Pseudonymized int64  `json:"pseudonymized"`
	PseudonymID   string `json:"pseudonymId,omitempty"`
}

// Erase removes the subject from the trail: non-compliance-critical
// events are hard-deleted, compliance-critical ones keep their record
// with the principal pseudonymized.
func (e *Engine) Erase(ctx context.Context, subjectID string) (*ErasureResult, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}

	var (
		deletable []string
		critical  int64
	)
	filter := audit.EventFilter{
		PrincipalIDs:      []string{subjectID},
		IncludeRestricted: true,
	}
	err := e.events.Stream(ctx, filter, audit.Cursor{}, 0, func(ev *audit.Event) error {
		if audit.IsComplianceCritical(ev.Action) {
			critical++
		} else {
			deletable = append(deletable, ev.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ErasureResult{}
	if len(deletable) > 0 {
		deleted, err := e.events.DeleteEvents(ctx, deletable)
		if err != nil {
			return nil, err
		}
		result.Deleted = deleted
	}

	if critical > 0 {
		mapping, err := e.pseudonymizer.Pseudonymize(ctx, subjectID, audit.StrategyDeterministic)
		if err != nil {
			return nil, err
		}
		rewritten, err := e.events.UpdatePseudonym(ctx, subjectID, mapping.PseudonymID, "")
		if err != nil {
			return nil, err
		}
		result.Pseudonymized = rewritten
		result.PseudonymID = mapping.PseudonymID

		e.record(ctx, "gdpr.pseudonymize", mapping.PseudonymID,
			fmt.Sprintf("pseudonymized %d compliance-critical events", rewritten))
	}

	e.record(ctx, "gdpr.delete", subjectID,
		fmt.Sprintf("deleted %d events, pseudonymized %d", result.Deleted, result.Pseudonymized))

	e.logger.Info("erasure completed",
		zap.Int64("deleted", result.Deleted),
		zap.Int64("pseudonymized", result.Pseudonymized),
	)
	return result, nil
}

// Restrict toggles the processing-restriction flag on a subject's
// events. Restricted events are skipped by exports.
func (e *Engine) Restrict(ctx context.Context, subjectID string, restricted bool) (int64, error) {
	if subjectID == "" {
		return 0, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}
	n, err := e.events.SetRestricted(ctx, subjectID, restricted)
	if err != nil {
		return 0, err
	}

	action := "gdpr.restrict"
	outcome := fmt.Sprintf("restricted %d events", n)
	if !restricted {
		action = "gdpr.unrestrict"
		outcome = fmt.Sprintf("lifted restriction on %d events", n)
	}
	e.record(ctx, action, subjectID, outcome)
	return n, nil
}

// Pseudonymize exposes the standalone pseudonymization operation,
// rewriting the subject's events and auditing the rewrite.
func (e *Engine) Pseudonymize(ctx context.Context, subjectID string) (*ErasureResult, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "subject id is required")
	}

	mapping, err := e.pseudonymizer.Pseudonymize(ctx, subjectID, audit.StrategyDeterministic)
	if err != nil {
		return nil, err
	}
	rewritten, err := e.events.UpdatePseudonym(ctx, subjectID, mapping.PseudonymID, "")
	if err != nil {
		return nil, err
	}

	e.record(ctx, "gdpr.pseudonymize", mapping.PseudonymID,
		fmt.Sprintf("pseudonymized %d events", rewritten))
	return &ErasureResult{Pseudonymized: rewritten, PseudonymID: mapping.PseudonymID}, nil
}
