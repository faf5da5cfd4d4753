package gdpr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

// RetentionStore is the slice of the event store the retention job uses
type RetentionStore interface {
	ListExpired(ctx context.Context, policy string, cutoff time.Time, limit int) ([]*audit.Event, error)
	DeleteEvents(ctx context.Context, ids []string) (int64, error)
	UpdatePseudonym(ctx context.Context, originalPrincipalID, pseudonymID, orgID string) (int64, error)
}

// Archiver moves expired events to the cold store
type Archiver interface {
	Archive(ctx context.Context, events []*audit.Event) error
}

// RetentionResult summarizes one retention pass
type RetentionResult struct {
	Archived      int64 `json:"archived"`
	Deleted       int64 `json:"deleted"`
	Pseudonymized int64 `json:"pseudonymized"`
}

// RetentionJob applies the registered policies on a daily cadence:
// archive past archiveAfterDays, then delete (or pseudonymize, for
// compliance-critical records) past deleteAfterDays.
type RetentionJob struct {
	registry      *audit.RetentionRegistry
	store         RetentionStore
	archiver      Archiver
	pseudonymizer *Pseudonymizer
	auditor       Auditor
	logger        *zap.Logger
	batchSize     int

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewRetentionJob wires the job. archiver may be nil to disable the
// cold-store move; expired events then stay hot until deletion.
func NewRetentionJob(registry *audit.RetentionRegistry, store RetentionStore, archiver Archiver, pseudonymizer *Pseudonymizer, auditor Auditor, logger *zap.Logger) *RetentionJob {
	return &RetentionJob{
		registry:      registry,
		store:         store,
		archiver:      archiver,
		pseudonymizer: pseudonymizer,
		auditor:       auditor,
		logger:        logger,
		batchSize:     500,
		stop:          make(chan struct{}),
	}
}

// Start runs the job every interval until Stop
func (j *RetentionJob) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	j.done.Add(1)
	go func() {
		defer j.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				if _, err := j.Run(context.Background(), time.Now().UTC()); err != nil {
					j.logger.Error("retention pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the scheduled runs
func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	j.done.Wait()
}

// Run applies every policy once. DryRun is handled by the CLI caller
// inspecting counts before invoking this.
func (j *RetentionJob) Run(ctx context.Context, now time.Time) (*RetentionResult, error) {
	result := &RetentionResult{}

	for _, policy := range j.registry.All() {
		if err := j.applyPolicy(ctx, policy, now, result); err != nil {
			return result, err
		}
	}

	if j.auditor != nil {
		ev := audit.New("system.retention.applied", audit.StatusSuccess)
		ev.OutcomeDescription = "retention pass completed"
		ev.Extensions = map[string]audit.Value{
			"archived":      audit.Int(result.Archived),
			"deleted":       audit.Int(result.Deleted),
			"pseudonymized": audit.Int(result.Pseudonymized),
		}
		if err := j.auditor.Record(ctx, ev); err != nil {
			j.logger.Error("failed to audit retention pass", zap.Error(err))
		}
	}

	j.logger.Info("retention pass completed",
		zap.Int64("archived", result.Archived),
		zap.Int64("deleted", result.Deleted),
		zap.Int64("pseudonymized", result.Pseudonymized),
	)
	return result, nil
}

func (j *RetentionJob) applyPolicy(ctx context.Context, policy audit.RetentionPolicyDef, now time.Time, result *RetentionResult) error {
	// Deletion first so the archive pass does not rewrite doomed rows
	if policy.DeleteAfterDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.DeleteAfterDays)
		if err := j.deleteExpired(ctx, policy.ID, cutoff, result); err != nil {
			return err
		}
	}

	if policy.ArchiveAfterDays > 0 && j.archiver != nil {
		cutoff := now.AddDate(0, 0, -policy.ArchiveAfterDays)
		if err := j.archiveExpired(ctx, policy.ID, cutoff, result); err != nil {
			return err
		}
	}
	return nil
}

func (j *RetentionJob) deleteExpired(ctx context.Context, policyID string, cutoff time.Time, result *RetentionResult) error {
	for {
		expired, err := j.store.ListExpired(ctx, policyID, cutoff, j.batchSize)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		var deletable []string
		criticalSubjects := map[string]bool{}
		for _, ev := range expired {
			if audit.IsComplianceCritical(ev.Action) {
				// Rows already carrying a minted token were rewritten by an
				// earlier pass; rewriting again would chain tokens and break
				// reidentification.
				if ev.PrincipalID != "" && !IsPseudonym(ev.PrincipalID) {
					criticalSubjects[ev.PrincipalID] = true
				}
				continue
			}
			deletable = append(deletable, ev.ID)
		}

		if len(deletable) > 0 {
			deleted, err := j.store.DeleteEvents(ctx, deletable)
			if err != nil {
				return err
			}
			result.Deleted += deleted
		}

		for subject := range criticalSubjects {
			mapping, err := j.pseudonymizer.Pseudonymize(ctx, subject, audit.StrategyDeterministic)
			if err != nil {
				return err
			}
			rewritten, err := j.store.UpdatePseudonym(ctx, subject, mapping.PseudonymID, "")
			if err != nil {
				return err
			}
			result.Pseudonymized += rewritten
		}

		// Critical events stay stored (pseudonymized), so a batch of
		// only-critical rows would loop forever without this check.
		if len(deletable) == 0 {
			return nil
		}
	}
}

func (j *RetentionJob) archiveExpired(ctx context.Context, policyID string, cutoff time.Time, result *RetentionResult) error {
	for {
		expired, err := j.store.ListExpired(ctx, policyID, cutoff, j.batchSize)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		if err := j.archiver.Archive(ctx, expired); err != nil {
			return err
		}
		ids := make([]string, len(expired))
		for i, ev := range expired {
			ids[i] = ev.ID
		}
		deleted, err := j.store.DeleteEvents(ctx, ids)
		if err != nil {
			return err
		}
		result.Archived += deleted
	}
}
