// Package reports generates HIPAA, GDPR and custom compliance reports
// over the stored audit trail, and schedules their periodic execution.
package reports

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// ReportType selects the summarizer
type ReportType string

const (
	TypeHIPAA  ReportType = "hipaa"
	TypeGDPR   ReportType = "gdpr"
	TypeCustom ReportType = "custom"
)

// Range bounds a report over the stored trail
type Range struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	OrgID string    `json:"orgId,omitempty"`
}

// Violation is one rule breach found while summarizing
type Violation struct {
	EventID     string `json:"eventId"`
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Summary is the shared core of every report
type Summary struct {
	TotalEvents         int64           `json:"totalEvents"`
	VerifiedEvents      int64           `json:"verifiedEvents"`
	FailedVerifications int64           `json:"failedVerifications"`
	ComplianceScore     decimal.Decimal `json:"complianceScore"`
	Violations          []Violation     `json:"violations"`
	Recommendations     []string        `json:"recommendations"`
	RiskAssessment      string          `json:"riskAssessment"`
}

// Report is a generated compliance report. The GDPR breakdowns are
// populated only for TypeGDPR.
type Report struct {
	Type        ReportType `json:"type"`
	Range       Range      `json:"range"`
	GeneratedAt time.Time  `json:"generatedAt"`
	Summary

	LegalBasisBreakdown map[string]int64 `json:"legalBasisBreakdown,omitempty"`
	RightsRequests      map[string]int64 `json:"rightsRequests,omitempty"`
}

// dataSubjectRightsActions are the request actions counted in the GDPR
// rights breakdown
var dataSubjectRightsActions = map[string]bool{
	"data.export":      true,
	"data.delete":      true,
	"data.rectify":     true,
	"data.access":      true,
	"consent.withdraw": true,
	"gdpr.access":      true,
	"gdpr.portability": true,
	"gdpr.delete":      true,
	"gdpr.rectify":     true,
	"gdpr.restrict":    true,
}

// isPersonalDataAction gates the legal-basis requirement
func isPersonalDataAction(action string) bool {
	return strings.HasPrefix(action, "data.") ||
		strings.HasPrefix(action, "consent.") ||
		strings.HasPrefix(action, "gdpr.")
}

// Generator runs report summarizers against the event store
type Generator struct {
	events    audit.EventRepository
	integrity audit.IntegrityLogRepository
	logger    *zap.Logger
}

// NewGenerator wires the report generator
func NewGenerator(events audit.EventRepository, integrity audit.IntegrityLogRepository, logger *zap.Logger) *Generator {
	return &Generator{events: events, integrity: integrity, logger: logger}
}

// Generate produces the report for the given type and range
func (g *Generator) Generate(ctx context.Context, reportType ReportType, r Range) (*Report, error) {
	if !r.To.IsZero() && !r.From.IsZero() && r.To.Before(r.From) {
		return nil, errors.NewValidationError("INVALID_RANGE", "report range end precedes start")
	}

	switch reportType {
	case TypeHIPAA:
		return g.hipaa(ctx, r)
	case TypeGDPR:
		return g.gdpr(ctx, r)
	case TypeCustom:
		return g.custom(ctx, r)
	default:
		return nil, errors.NewValidationError("INVALID_REPORT_TYPE",
			"report type must be hipaa, gdpr or custom")
	}
}

func (g *Generator) rangeFilter(r Range) audit.EventFilter {
	filter := audit.EventFilter{
		From:              r.From,
		To:                r.To,
		IncludeRestricted: true,
	}
	if r.OrgID != "" {
		filter.OrganizationIDs = []string{r.OrgID}
	}
	return filter
}

// failuresInRange counts recorded integrity failures inside the window
func (g *Generator) failuresInRange(ctx context.Context, r Range) (int64, error) {
	failures, err := g.integrity.ListFailures(ctx, r.From)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, f := range failures {
		if !r.To.IsZero() && f.DetectedAt.After(r.To) {
			continue
		}
		n++
	}
	return n, nil
}

func (g *Generator) hipaa(ctx context.Context, r Range) (*Report, error) {
	report := &Report{Type: TypeHIPAA, Range: r, GeneratedAt: time.Now().UTC()}

	err := g.events.Stream(ctx, g.rangeFilter(r), audit.Cursor{}, 0, func(ev *audit.Event) error {
		report.TotalEvents++
		if ev.Hash != "" {
			report.VerifiedEvents++
		} else {
			report.Violations = append(report.Violations, Violation{
				EventID:     ev.ID,
				Rule:        "MISSING_HASH",
				Description: "event stored without an integrity hash",
			})
		}
		if ev.DataClassification == audit.ClassificationPHI && ev.SessionContext == nil {
			report.Violations = append(report.Violations, Violation{
				EventID:     ev.ID,
				Rule:        "PHI_MISSING_SESSION",
				Description: "PHI access recorded without session context",
			})
		}
		if ev.Action == "data.access.unauthorized" {
			report.Violations = append(report.Violations, Violation{
				EventID:     ev.ID,
				Rule:        "UNAUTHORIZED_ACCESS",
				Description: "unauthorized access to protected data",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.FailedVerifications, err = g.failuresInRange(ctx, r)
	if err != nil {
		return nil, err
	}

	g.finalize(report, map[string]string{
		"MISSING_HASH":        "enable hash generation for all producers writing PHI",
		"PHI_MISSING_SESSION": "require session context on every PHI access path",
		"UNAUTHORIZED_ACCESS": "review access controls for the affected resources",
	})
	return report, nil
}

func (g *Generator) gdpr(ctx context.Context, r Range) (*Report, error) {
	report := &Report{
		Type:                TypeGDPR,
		Range:               r,
		GeneratedAt:         time.Now().UTC(),
		LegalBasisBreakdown: make(map[string]int64),
		RightsRequests:      make(map[string]int64),
	}

	err := g.events.Stream(ctx, g.rangeFilter(r), audit.Cursor{}, 0, func(ev *audit.Event) error {
		report.TotalEvents++
		if ev.Hash != "" {
			report.VerifiedEvents++
		}
		if dataSubjectRightsActions[ev.Action] {
			report.RightsRequests[ev.Action]++
		}
		if !isPersonalDataAction(ev.Action) {
			return nil
		}

		basis := legalBasis(ev)
		if basis == "" {
			report.Violations = append(report.Violations, Violation{
				EventID:     ev.ID,
				Rule:        "MISSING_LEGAL_BASIS",
				Description: "personal-data processing recorded without a legal basis",
			})
			return nil
		}
		report.LegalBasisBreakdown[basis]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.FailedVerifications, err = g.failuresInRange(ctx, r)
	if err != nil {
		return nil, err
	}

	g.finalize(report, map[string]string{
		"MISSING_LEGAL_BASIS": "record gdprContext.legalBasis on every personal-data action",
	})
	return report, nil
}

func (g *Generator) custom(ctx context.Context, r Range) (*Report, error) {
	report := &Report{Type: TypeCustom, Range: r, GeneratedAt: time.Now().UTC()}

	err := g.events.Stream(ctx, g.rangeFilter(r), audit.Cursor{}, 0, func(ev *audit.Event) error {
		report.TotalEvents++
		if ev.Hash != "" {
			report.VerifiedEvents++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.FailedVerifications, err = g.failuresInRange(ctx, r)
	if err != nil {
		return nil, err
	}

	g.finalize(report, nil)
	return report, nil
}

// legalBasis reads gdprContext.legalBasis from the extension map
func legalBasis(ev *audit.Event) string {
	gdprCtx, ok := ev.Extensions["gdprContext"]
	if !ok || gdprCtx.Kind() != audit.KindMap {
		return ""
	}
	basis, ok := gdprCtx.MapValue()["legalBasis"]
	if !ok {
		return ""
	}
	return basis.StringValue()
}

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// finalize computes the compliance score, risk band and recommendations.
// Integrity failures weigh double: a tampered record is worse than a
// missing annotation.
func (g *Generator) finalize(report *Report, remedies map[string]string) {
	report.ComplianceScore = complianceScore(
		report.TotalEvents, int64(len(report.Violations)), report.FailedVerifications)
	report.RiskAssessment = riskBand(report.ComplianceScore)

	seen := map[string]bool{}
	for _, v := range report.Violations {
		if remedy, ok := remedies[v.Rule]; ok && !seen[v.Rule] {
			seen[v.Rule] = true
			report.Recommendations = append(report.Recommendations, remedy)
		}
	}
	if report.FailedVerifications > 0 {
		report.Recommendations = append(report.Recommendations,
			"investigate recorded integrity failures before relying on this trail")
	}
}

func complianceScore(total, violations, failedVerifications int64) decimal.Decimal {
	if total <= 0 {
		return hundred
	}
	weighted := decimal.NewFromInt(violations).
		Add(decimal.NewFromInt(failedVerifications).Mul(two))
	score := hundred.Sub(weighted.Div(decimal.NewFromInt(total)).Mul(hundred)).Round(2)
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

func riskBand(score decimal.Decimal) string {
	switch {
	case score.GreaterThanOrEqual(decimal.NewFromInt(90)):
		return "low"
	case score.GreaterThanOrEqual(decimal.NewFromInt(75)):
		return "medium"
	case score.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return "high"
	default:
		return "critical"
	}
}
