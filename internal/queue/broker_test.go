package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
)

func setupBroker(t *testing.T, cfg BrokerConfig) *Broker {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewBroker(client, cfg, zaptest.NewLogger(t))
}

func testJob(t *testing.T, priority audit.Priority) *audit.QueueJob {
	t.Helper()
	ev := audit.New("auth.login.success", audit.StatusSuccess)
	ev.PrincipalID = "u1"
	ev.OrganizationID = "o1"
	return audit.NewQueueJob(ev, priority)
}

func TestEnqueueClaimAck(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	job := testJob(t, audit.PriorityNormal)
	require.NoError(t, b.Enqueue(ctx, job))

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	claimed, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.JobID, claimed.JobID)
	assert.Equal(t, job.Event.ID, claimed.Event.ID)
	assert.Equal(t, "o1", claimed.Event.OrganizationID)

	// Claimed but unacked jobs still count toward depth
	depth, err = b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, b.Ack(ctx, claimed))
	depth, err = b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestClaimRecordsVisibilityWithPop(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob(t, audit.PriorityNormal)))

	before := time.Now()
	claimed, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The pop and the visibility bookkeeping land together: the ready
	// list is drained and the claim is tracked with its deadline
	n, err := b.client.LLen(ctx, b.readyKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	score, err := b.client.ZScore(ctx, b.invisibleKey, claimed.JobID).Result()
	require.NoError(t, err)
	deadline := time.UnixMilli(int64(score))
	assert.True(t, deadline.After(before.Add(50*time.Second)))
	assert.True(t, deadline.Before(before.Add(2*time.Minute)))
}

func TestClaimEmptyQueue(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())

	job, err := b.Claim(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestHighPriorityJumpsQueue(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	normal := testJob(t, audit.PriorityNormal)
	critical := testJob(t, audit.PriorityCritical)
	require.NoError(t, b.Enqueue(ctx, normal))
	require.NoError(t, b.Enqueue(ctx, critical))

	first, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, critical.JobID, first.JobID)
}

func TestDelayedJobNotClaimableEarly(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	job := testJob(t, audit.PriorityNormal)
	job.Meta.NextEligibleAt = time.Now().Add(time.Hour)
	require.NoError(t, b.Enqueue(ctx, job))

	claimed, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "delayed job must stay hidden")

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestReleaseSchedulesRetry(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob(t, audit.PriorityNormal)))
	claimed, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Meta.Attempts = 1
	claimed.Meta.LastError = "store down"

	// Past eligibility goes straight back to ready
	require.NoError(t, b.Release(ctx, claimed, time.Now().Add(-time.Second)))

	again, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.JobID, again.JobID)
	assert.Equal(t, 1, again.Meta.Attempts)
	assert.Equal(t, "store down", again.Meta.LastError)
}

func TestExpiredClaimIsReclaimed(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob(t, audit.PriorityNormal)))

	claimed, err := b.Claim(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Within the visibility window the job stays hidden
	hidden, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	time.Sleep(20 * time.Millisecond)
	redelivered, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered, "expired claim must be redelivered")
	assert.Equal(t, claimed.JobID, redelivered.JobID)
}

func TestDropRemovesJob(t *testing.T) {
	b := setupBroker(t, DefaultBrokerConfig())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, testJob(t, audit.PriorityNormal)))
	claimed, err := b.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, b.Drop(ctx, claimed.JobID))
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestCompletedRingTrimsNonDurable(t *testing.T) {
	cfg := DefaultBrokerConfig()
	cfg.RemoveOnComplete = 2
	b := setupBroker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := testJob(t, audit.PriorityNormal)
		require.NoError(t, b.Enqueue(ctx, job))
		claimed, err := b.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, b.Ack(ctx, claimed))
	}

	n, err := b.client.LLen(ctx, b.doneKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDurableJobsSkipTrim(t *testing.T) {
	cfg := DefaultBrokerConfig()
	cfg.RemoveOnComplete = 2
	b := setupBroker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := testJob(t, audit.PriorityNormal)
		job.Meta.Durable = true
		require.NoError(t, b.Enqueue(ctx, job))
		claimed, err := b.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, b.Ack(ctx, claimed))
	}

	n, err := b.client.LLen(ctx, b.doneKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
