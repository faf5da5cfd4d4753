package reports

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// memEventRepo streams inserted events in id order; the filter fields
// the generator uses are honored.
type memEventRepo struct {
	mu     sync.Mutex
	events map[string]*audit.Event
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: make(map[string]*audit.Event)}
}

func (r *memEventRepo) Insert(_ context.Context, ev *audit.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.ID] = ev.Clone()
	return ev.ID, nil
}

func (r *memEventRepo) QueryByOrg(context.Context, string, audit.EventFilter, audit.Pagination, audit.Sort) (*audit.Page, error) {
	return &audit.Page{}, nil
}

func (r *memEventRepo) Stream(_ context.Context, filter audit.EventFilter, cursor audit.Cursor, _ int, fn func(*audit.Event) error) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var matched []*audit.Event
	for _, id := range ids {
		ev := r.events[id]
		if id <= cursor.AfterID {
			continue
		}
		if len(filter.OrganizationIDs) > 0 && ev.OrganizationID != filter.OrganizationIDs[0] {
			continue
		}
		matched = append(matched, ev.Clone())
	}
	r.mu.Unlock()

	for _, ev := range matched {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *memEventRepo) UpdatePseudonym(context.Context, string, string, string) (int64, error) {
	return 0, nil
}

func (r *memEventRepo) DeleteEvents(context.Context, []string) (int64, error) { return 0, nil }

func (r *memEventRepo) SetRestricted(context.Context, string, bool) (int64, error) { return 0, nil }

type memIntegrityLog struct {
	failures []audit.IntegrityFailure
}

func (l *memIntegrityLog) RecordFailure(_ context.Context, eventID, storedHash, computedHash, reason string) error {
	l.failures = append(l.failures, audit.IntegrityFailure{
		EventID: eventID, StoredHash: storedHash, ComputedHash: computedHash,
		Reason: reason, DetectedAt: time.Now().UTC(),
	})
	return nil
}

func (l *memIntegrityLog) ListFailures(context.Context, time.Time) ([]audit.IntegrityFailure, error) {
	return append([]audit.IntegrityFailure(nil), l.failures...), nil
}

func sealedFixture(action string) *audit.Event {
	ev := audit.New(action, audit.StatusSuccess)
	ev.OrganizationID = "org-1"
	ev.PrincipalID = "user-1"
	ev.Hash = "aabbcc"
	return ev
}

func newGenerator(t *testing.T, events *memEventRepo, log *memIntegrityLog) *Generator {
	t.Helper()
	if log == nil {
		log = &memIntegrityLog{}
	}
	return NewGenerator(events, log, zaptest.NewLogger(t))
}

func TestHIPAAReportFlagsViolations(t *testing.T) {
	events := newMemEventRepo()
	ctx := context.Background()

	clean := sealedFixture("data.read")
	clean.DataClassification = audit.ClassificationPHI
	clean.SessionContext = &audit.SessionContext{SessionID: "s1", IPAddress: "10.0.0.1", UserAgent: "ua"}

	bareSession := sealedFixture("data.read")
	bareSession.DataClassification = audit.ClassificationPHI

	unhashed := sealedFixture("data.read")
	unhashed.Hash = ""

	unauthorized := sealedFixture("data.access.unauthorized")

	for _, ev := range []*audit.Event{clean, bareSession, unhashed, unauthorized} {
		_, err := events.Insert(ctx, ev)
		require.NoError(t, err)
	}

	report, err := newGenerator(t, events, nil).Generate(ctx, TypeHIPAA, Range{OrgID: "org-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.TotalEvents)
	assert.Equal(t, int64(3), report.VerifiedEvents)
	require.Len(t, report.Violations, 3)

	rules := map[string]bool{}
	for _, v := range report.Violations {
		rules[v.Rule] = true
	}
	assert.True(t, rules["PHI_MISSING_SESSION"])
	assert.True(t, rules["MISSING_HASH"])
	assert.True(t, rules["UNAUTHORIZED_ACCESS"])
	assert.Len(t, report.Recommendations, 3)
}

func TestGDPRReportBreaksDownLegalBasis(t *testing.T) {
	events := newMemEventRepo()
	ctx := context.Background()

	consented := sealedFixture("data.read")
	consented.Extensions = map[string]audit.Value{
		"gdprContext": audit.Map(map[string]audit.Value{
			"legalBasis": audit.String("consent"),
		}),
	}

	contractual := sealedFixture("data.export")
	contractual.Extensions = map[string]audit.Value{
		"gdprContext": audit.Map(map[string]audit.Value{
			"legalBasis": audit.String("contract"),
		}),
	}

	missing := sealedFixture("data.delete")

	nonPersonal := sealedFixture("system.backup.completed")

	for _, ev := range []*audit.Event{consented, contractual, missing, nonPersonal} {
		_, err := events.Insert(ctx, ev)
		require.NoError(t, err)
	}

	report, err := newGenerator(t, events, nil).Generate(ctx, TypeGDPR, Range{OrgID: "org-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.TotalEvents)
	assert.Equal(t, int64(1), report.LegalBasisBreakdown["consent"])
	assert.Equal(t, int64(1), report.LegalBasisBreakdown["contract"])
	assert.Equal(t, int64(1), report.RightsRequests["data.export"])
	assert.Equal(t, int64(1), report.RightsRequests["data.delete"])

	require.Len(t, report.Violations, 1)
	assert.Equal(t, "MISSING_LEGAL_BASIS", report.Violations[0].Rule)
	assert.Equal(t, missing.ID, report.Violations[0].EventID)
}

func TestComplianceScoreWeighsIntegrityFailures(t *testing.T) {
	events := newMemEventRepo()
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := events.Insert(ctx, sealedFixture("data.read"))
		require.NoError(t, err)
	}
	unhashed := sealedFixture("data.read")
	unhashed.Hash = ""
	_, err := events.Insert(ctx, unhashed)
	require.NoError(t, err)

	log := &memIntegrityLog{}
	require.NoError(t, log.RecordFailure(ctx, "ev-x", "aa", "bb", "tampered"))

	report, err := newGenerator(t, events, log).Generate(ctx, TypeHIPAA, Range{OrgID: "org-1"})
	require.NoError(t, err)

	// 10 events, 1 violation + 1 integrity failure (double weight):
	// 100 - 100*3/10 = 70
	assert.True(t, report.ComplianceScore.Equal(decimal.NewFromInt(70)),
		"score = %s", report.ComplianceScore)
	assert.Equal(t, "high", report.RiskAssessment)
	assert.Equal(t, int64(1), report.FailedVerifications)
	assert.Contains(t, report.Recommendations,
		"investigate recorded integrity failures before relying on this trail")
}

func TestEmptyTrailScoresClean(t *testing.T) {
	report, err := newGenerator(t, newMemEventRepo(), nil).
		Generate(context.Background(), TypeCustom, Range{})
	require.NoError(t, err)
	assert.True(t, report.ComplianceScore.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "low", report.RiskAssessment)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	g := newGenerator(t, newMemEventRepo(), nil)
	ctx := context.Background()

	_, err := g.Generate(ctx, ReportType("pci"), Range{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	now := time.Now().UTC()
	_, err = g.Generate(ctx, TypeHIPAA, Range{From: now, To: now.Add(-time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

// memReportRepo fakes the schedule store. saveErr simulates a broken
// executions table.
type memReportRepo struct {
	mu         sync.Mutex
	due        []*audit.ScheduledReport
	executions []*audit.ReportExecution
	nextRuns   map[string]time.Time
	saveErr    error
}

func newMemReportRepo(due ...*audit.ScheduledReport) *memReportRepo {
	return &memReportRepo{due: due, nextRuns: make(map[string]time.Time)}
}

func (r *memReportRepo) ClaimDue(_ context.Context, _ time.Time, limit int) ([]*audit.ScheduledReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := r.due
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	r.due = nil
	return claimed, nil
}

func (r *memReportRepo) Reschedule(_ context.Context, id string, nextRunAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRuns[id] = nextRunAt
	return nil
}

func (r *memReportRepo) SaveExecution(_ context.Context, exec *audit.ReportExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.executions = append(r.executions, exec)
	return nil
}

func (r *memReportRepo) ListExecutions(_ context.Context, scheduleID string, _ int) ([]*audit.ReportExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.ReportExecution
	for _, e := range r.executions {
		if e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memDelivery struct {
	mu        sync.Mutex
	delivered []*audit.ReportExecution
	err       error
}

func (d *memDelivery) Deliver(_ context.Context, _ *audit.ScheduledReport, exec *audit.ReportExecution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, exec)
	return nil
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *recordingAuditor) Record(_ context.Context, ev *audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func dailySchedule(reportType string) *audit.ScheduledReport {
	return &audit.ScheduledReport{
		ID:             "sched-1",
		ReportType:     reportType,
		OrganizationID: "org-1",
		Schedule:       "daily",
		Delivery:       "webhook",
		Enabled:        true,
	}
}

func TestSchedulerExecutesDueReports(t *testing.T) {
	events := newMemEventRepo()
	ctx := context.Background()
	_, err := events.Insert(ctx, sealedFixture("data.read"))
	require.NoError(t, err)

	repo := newMemReportRepo(dailySchedule("hipaa"))
	delivery := &memDelivery{}
	auditor := &recordingAuditor{}
	s := NewScheduler(repo, newGenerator(t, events, nil), delivery, auditor, zaptest.NewLogger(t))

	now := time.Now().UTC()
	executed, err := s.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)

	require.Len(t, repo.executions, 1)
	exec := repo.executions[0]
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "sched-1", exec.ScheduleID)

	var report Report
	require.NoError(t, json.Unmarshal(exec.Artifact, &report))
	assert.Equal(t, TypeHIPAA, report.Type)
	assert.Equal(t, int64(1), report.TotalEvents)

	require.Len(t, delivery.delivered, 1)
	assert.Equal(t, now.Add(24*time.Hour), repo.nextRuns["sched-1"])

	require.Len(t, auditor.events, 1)
	assert.Equal(t, "system.report.executed", auditor.events[0].Action)
	assert.Equal(t, audit.StatusSuccess, auditor.events[0].Status)
}

func TestSchedulerRecordsGeneratorFailure(t *testing.T) {
	repo := newMemReportRepo(dailySchedule("pci"))
	auditor := &recordingAuditor{}
	s := NewScheduler(repo, newGenerator(t, newMemEventRepo(), nil), nil, auditor, zaptest.NewLogger(t))

	now := time.Now().UTC()
	executed, err := s.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, executed)

	require.Len(t, repo.executions, 1)
	assert.Equal(t, StatusFailed, repo.executions[0].Status)

	// A failing report still reschedules
	assert.Equal(t, now.Add(24*time.Hour), repo.nextRuns["sched-1"])

	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.StatusFailure, auditor.events[0].Status)
}

func TestSchedulerSurvivesExecutionSaveFailure(t *testing.T) {
	repo := newMemReportRepo(dailySchedule("pci")) // unknown type fails generation
	repo.saveErr = errors.NewStorageUnavailableError("executions table gone")
	s := NewScheduler(repo, newGenerator(t, newMemEventRepo(), nil), nil, nil, zaptest.NewLogger(t))

	now := time.Now().UTC()
	executed, err := s.RunOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, executed)

	// The save failure is logged, not propagated: the schedule still
	// advances so one bad table does not wedge the cadence
	assert.Equal(t, now.Add(24*time.Hour), repo.nextRuns["sched-1"])
}

func TestSchedulerMarksDeliveryFailure(t *testing.T) {
	repo := newMemReportRepo(dailySchedule("custom"))
	delivery := &memDelivery{err: errors.NewInternalError("webhook down")}
	s := NewScheduler(repo, newGenerator(t, newMemEventRepo(), nil), delivery, nil, zaptest.NewLogger(t))

	executed, err := s.RunOnce(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, executed)

	require.Len(t, repo.executions, 1)
	assert.Equal(t, StatusDeliveryFailed, repo.executions[0].Status)
}

func TestSchedulePeriodParsing(t *testing.T) {
	assert.Equal(t, time.Hour, schedulePeriod("hourly"))
	assert.Equal(t, 24*time.Hour, schedulePeriod("daily"))
	assert.Equal(t, 7*24*time.Hour, schedulePeriod("Weekly"))
	assert.Equal(t, 30*24*time.Hour, schedulePeriod("monthly"))
	assert.Equal(t, 6*time.Hour, schedulePeriod("6h"))
	assert.Equal(t, 24*time.Hour, schedulePeriod("every other tuesday"))
	assert.Equal(t, 24*time.Hour, schedulePeriod(""))
}
