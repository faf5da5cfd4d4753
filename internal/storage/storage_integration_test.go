//go:build integration

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
	"github.com/davidleathers/compliant-audit-pipeline/internal/infrastructure/database"
)

func setupPool(t *testing.T) *database.ConnectionPool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("audit_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return fmt.Sprintf("postgres://test:test@%s:%s/audit_test?sslmode=disable", host, port.Port())
			}).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	_, thisFile, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
	require.NoError(t, database.MigrateUp(url, migrationsDir, logger))

	pool, err := database.NewConnectionPool(ctx, database.DefaultConfig(url), logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func sampleEvent(correlationID string) *audit.Event {
	ev := audit.New("auth.login.success", audit.StatusSuccess)
	ev.PrincipalID = "user-1"
	ev.OrganizationID = "org-1"
	ev.CorrelationID = correlationID
	ev.OutcomeDescription = "user logged in"
	ev.Hash = "deadbeef"
	ev.Extensions = map[string]audit.Value{
		"mfa": audit.Bool(true),
	}
	return ev
}

func TestEventRepository(t *testing.T) {
	pool := setupPool(t)
	sealer := signingSealer(t)
	repo := NewEventRepository(pool.Pool(), sealer, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("insert and query round trip", func(t *testing.T) {
		ev := sampleEvent("corr-rt")
		id, err := repo.Insert(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, ev.ID, id)

		page, err := repo.QueryByOrg(ctx, "org-1", audit.EventFilter{
			CorrelationID: "corr-rt",
		}, audit.Pagination{Limit: 10}, audit.Sort{})
		require.NoError(t, err)
		require.Len(t, page.Events, 1)

		got := page.Events[0]
		assert.Equal(t, ev.Timestamp, got.Timestamp, "raw timestamp must survive the round trip")
		assert.Equal(t, ev.Hash, got.Hash)
		assert.Equal(t, audit.KindBool, got.Extensions["mfa"].Kind())
	})

	t.Run("duplicate tuple absorbed", func(t *testing.T) {
		ev := sampleEvent("corr-dup")
		_, err := repo.Insert(ctx, ev)
		require.NoError(t, err)

		dup := ev.Clone()
		dup.ID = "different-id"
		_, err = repo.Insert(ctx, dup)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicate))
	})

	t.Run("pseudonym update rewrites principal and re-seals", func(t *testing.T) {
		ev := sampleEvent("corr-pseudo")
		ev.PrincipalID = "subject-7"
		ev.Hash = ""
		require.NoError(t, sealer.Seal(ctx, ev, true, true))
		_, err := repo.Insert(ctx, ev)
		require.NoError(t, err)

		n, err := repo.UpdatePseudonym(ctx, "subject-7", "pseudo-abc", "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		page, err := repo.QueryByOrg(ctx, "org-1", audit.EventFilter{
			PrincipalIDs: []string{"pseudo-abc"},
		}, audit.Pagination{Limit: 10}, audit.Sort{})
		require.NoError(t, err)
		require.Len(t, page.Events, 1)

		// The stored seal must verify against the rewritten row
		got := page.Events[0]
		assert.NotEqual(t, ev.Hash, got.Hash)
		assert.True(t, sealer.VerifyHash(got, got.Hash))
		ok, err := sealer.VerifySignature(ctx, got)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("restricted events excluded by default", func(t *testing.T) {
		ev := sampleEvent("corr-restrict")
		ev.PrincipalID = "subject-r"
		_, err := repo.Insert(ctx, ev)
		require.NoError(t, err)

		n, err := repo.SetRestricted(ctx, "subject-r", true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		page, err := repo.QueryByOrg(ctx, "org-1", audit.EventFilter{
			PrincipalIDs: []string{"subject-r"},
		}, audit.Pagination{Limit: 10}, audit.Sort{})
		require.NoError(t, err)
		assert.Empty(t, page.Events)

		page, err = repo.QueryByOrg(ctx, "org-1", audit.EventFilter{
			PrincipalIDs:      []string{"subject-r"},
			IncludeRestricted: true,
		}, audit.Pagination{Limit: 10}, audit.Sort{})
		require.NoError(t, err)
		assert.Len(t, page.Events, 1)
	})

	t.Run("stream visits all events in id order", func(t *testing.T) {
		var seen []string
		err := repo.Stream(ctx, audit.EventFilter{IncludeRestricted: true}, audit.Cursor{}, 2, func(ev *audit.Event) error {
			seen = append(seen, ev.ID)
			return nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(seen), 4)
		for i := 1; i < len(seen); i++ {
			assert.Less(t, seen[i-1], seen[i])
		}
	})
}

func TestDLQRepository(t *testing.T) {
	pool := setupPool(t)
	repo := NewDLQRepository(pool.Pool())
	ctx := context.Background()

	job := audit.NewQueueJob(sampleEvent("corr-dlq"), audit.PriorityNormal)
	record := &audit.DeadLetterRecord{
		Job:           job,
		FailedAt:      time.Now().UTC(),
		TerminalError: "hash mismatch",
		TerminalCode:  "CRYPTO_MISMATCH",
		RetryHistory: []audit.RetryAttempt{
			{Attempt: 1, At: time.Now().UTC(), Error: "hash mismatch", ErrorCode: "CRYPTO_MISMATCH"},
		},
	}

	require.NoError(t, repo.Park(ctx, record))

	got, err := repo.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "CRYPTO_MISMATCH", got.TerminalCode)
	assert.Len(t, got.RetryHistory, 1)

	list, err := repo.List(ctx, "org-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, job.JobID))
	_, err = repo.Get(ctx, job.JobID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestPseudonymRepository(t *testing.T) {
	pool := setupPool(t)
	repo := NewPseudonymRepository(pool.Pool())
	ctx := context.Background()

	mapping := &audit.PseudonymMapping{
		PseudonymID:       "pseudo-123",
		Strategy:          audit.StrategyDeterministic,
		OriginalDigest:    "digest-abc",
		EncryptedOriginal: []byte("ciphertext"),
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, mapping))

	got, err := repo.FindByOriginalDigest(ctx, "digest-abc")
	require.NoError(t, err)
	assert.Equal(t, "pseudo-123", got.PseudonymID)

	got, err = repo.FindByPseudonym(ctx, "pseudo-123")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got.EncryptedOriginal)

	err = repo.Create(ctx, mapping)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicate))
}

func TestAlertRepository(t *testing.T) {
	pool := setupPool(t)
	repo := NewAlertRepository(pool.Pool())
	ctx := context.Background()

	alert := audit.NewAlert(audit.SeverityCritical, "integrity", "hash mismatch", "event e1 failed verification")
	require.NoError(t, repo.Create(ctx, alert))

	active, err := repo.ListActive(ctx, "integrity")
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, alert.Resolve())
	require.NoError(t, repo.Update(ctx, alert))

	active, err = repo.ListActive(ctx, "integrity")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReportRepository(t *testing.T) {
	pool := setupPool(t)
	repo := NewReportRepository(pool.Pool())
	ctx := context.Background()

	due := &audit.ScheduledReport{
		ID:         "sched-1",
		ReportType: "hipaa",
		Schedule:   "daily",
		NextRunAt:  time.Now().Add(-time.Minute),
		Enabled:    true,
	}
	future := &audit.ScheduledReport{
		ID:         "sched-2",
		ReportType: "gdpr",
		Schedule:   "weekly",
		NextRunAt:  time.Now().Add(time.Hour),
		Enabled:    true,
	}
	require.NoError(t, repo.SaveSchedule(ctx, due))
	require.NoError(t, repo.SaveSchedule(ctx, future))

	claimed, err := repo.ClaimDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "sched-1", claimed[0].ID)

	exec := &audit.ReportExecution{
		ID:          "exec-1",
		ScheduleID:  "sched-1",
		ReportType:  "hipaa",
		GeneratedAt: time.Now().UTC(),
		Artifact:    []byte(`{"score":"98.5"}`),
		Status:      "completed",
	}
	require.NoError(t, repo.SaveExecution(ctx, exec))
	require.NoError(t, repo.Reschedule(ctx, "sched-1", time.Now().Add(24*time.Hour)))

	execs, err := repo.ListExecutions(ctx, "sched-1", 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "completed", execs[0].Status)
}

func TestPresetRepository(t *testing.T) {
	pool := setupPool(t)
	repo := NewPresetRepository(pool.Pool())
	ctx := context.Background()

	preset := &audit.Preset{
		Name:               "fhir-read",
		Action:             "fhir.patient.read",
		DataClassification: audit.ClassificationPHI,
		RetentionPolicy:    "phi",
		TargetResourceType: "Patient",
	}
	require.NoError(t, repo.Save(ctx, preset))

	got, err := repo.Get(ctx, "fhir-read")
	require.NoError(t, err)
	assert.Equal(t, audit.ClassificationPHI, got.DataClassification)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
