// Package integrity recomputes stored event hashes to detect tampering
// after the fact.
package integrity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/alerting"
	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// FailureReason classifies a verification finding
type FailureReason string

const (
	ReasonTampered         FailureReason = "tampered"
	ReasonMissingHash      FailureReason = "missingHash"
	ReasonSignatureInvalid FailureReason = "signatureInvalid"
)

// Finding is one failed event
type Finding struct {
	EventID      string        `json:"eventId"`
	Reason       FailureReason `json:"reason"`
	StoredHash   string        `json:"storedHash,omitempty"`
	ComputedHash string        `json:"computedHash,omitempty"`
}

// Report summarizes one verification run
type Report struct {
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	Scanned          int64         `json:"scanned"`
	Verified         int64         `json:"verified"`
	Tampered         int64         `json:"tampered"`
	MissingHash      int64         `json:"missingHash"`
	SignatureInvalid int64         `json:"signatureInvalid"`
	Findings         []Finding     `json:"findings,omitempty"`
}

// Clean reports whether the run found no failures
func (r *Report) Clean() bool {
	return r.Tampered == 0 && r.MissingHash == 0 && r.SignatureInvalid == 0
}

// Options scope a verification run
type Options struct {
	Filter           audit.EventFilter
	Cursor           audit.Cursor
	BatchSize        int
	VerifySignatures bool
}

// Verifier streams stored events and recomputes their hashes
type Verifier struct {
	events audit.EventRepository
	log    audit.IntegrityLogRepository
	sealer *crypto.Sealer
	alerts *alerting.Manager
	logger *zap.Logger
}

// NewVerifier wires the verifier. alerts may be nil for CLI use.
func NewVerifier(events audit.EventRepository, log audit.IntegrityLogRepository, sealer *crypto.Sealer, alerts *alerting.Manager, logger *zap.Logger) *Verifier {
	return &Verifier{
		events: events,
		log:    log,
		sealer: sealer,
		alerts: alerts,
		logger: logger,
	}
}

// Verify runs one pass over the selected events. Every failure is
// recorded in the integrity log; tampering raises a CRITICAL alert.
func (v *Verifier) Verify(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC()}
	opts.Filter.IncludeRestricted = true

	err := v.events.Stream(ctx, opts.Filter, opts.Cursor, opts.BatchSize, func(ev *audit.Event) error {
		report.Scanned++

		if ev.Hash == "" {
			report.MissingHash++
			v.recordFailure(ctx, report, Finding{
				EventID: ev.ID,
				Reason:  ReasonMissingHash,
			})
			return nil
		}

		if !v.sealer.VerifyHash(ev, ev.Hash) {
			computed, hashErr := v.sealer.Hash(ev)
			if hashErr != nil {
				computed = ""
			}
			report.Tampered++
			v.recordFailure(ctx, report, Finding{
				EventID:      ev.ID,
				Reason:       ReasonTampered,
				StoredHash:   ev.Hash,
				ComputedHash: computed,
			})
			return nil
		}

		if opts.VerifySignatures && ev.Signature != "" {
			ok, sigErr := v.sealer.VerifySignature(ctx, ev)
			if sigErr != nil {
				return sigErr
			}
			if !ok {
				report.SignatureInvalid++
				v.recordFailure(ctx, report, Finding{
					EventID:    ev.ID,
					Reason:     ReasonSignatureInvalid,
					StoredHash: ev.Hash,
				})
				return nil
			}
		}

		report.Verified++
		return nil
	})
	report.Duration = time.Since(report.StartedAt)
	if err != nil {
		return report, err
	}

	if !report.Clean() && v.alerts != nil {
		_, alertErr := v.alerts.Raise(ctx, audit.SeverityCritical, "integrity",
			"audit trail integrity failure",
			fmt.Sprintf("verification found %d tampered, %d missing hash, %d invalid signature of %d scanned",
				report.Tampered, report.MissingHash, report.SignatureInvalid, report.Scanned))
		if alertErr != nil {
			v.logger.Error("failed to raise integrity alert", zap.Error(alertErr))
		}
	}

	v.logger.Info("integrity verification finished",
		zap.Int64("scanned", report.Scanned),
		zap.Int64("verified", report.Verified),
		zap.Int64("tampered", report.Tampered),
		zap.Int64("missingHash", report.MissingHash),
		zap.Int64("signatureInvalid", report.SignatureInvalid),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (v *Verifier) recordFailure(ctx context.Context, report *Report, finding Finding) {
	report.Findings = append(report.Findings, finding)

	if err := v.log.RecordFailure(ctx, finding.EventID, finding.StoredHash,
		finding.ComputedHash, string(finding.Reason)); err != nil {
		v.logger.Error("failed to record integrity failure",
			zap.String("eventId", finding.EventID),
			zap.Error(err))
	}
	v.logger.Warn("integrity failure detected",
		zap.String("eventId", finding.EventID),
		zap.String("reason", string(finding.Reason)),
	)
}
