package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// Key layout per queue:
//
//	audit:q:<name>:ready      list of job IDs ready for claim
//	audit:q:<name>:job:<id>   JSON payload {jobId, event, meta}
//	audit:q:<name>:delayed    zset of job IDs scored by eligibility (unix ms)
//	audit:q:<name>:invisible  zset of claimed job IDs scored by visibility deadline
//	audit:q:<name>:done       ring of completed payloads
const keyPrefix = "audit:q:"

// BrokerConfig tunes the Redis queue
type BrokerConfig struct {
	QueueName string

	// RemoveOnComplete keeps at most this many completed payloads on
	// the done ring. Durable jobs are exempt from trimming.
	RemoveOnComplete int64

	// DefaultVisibility is used when Claim is called with a zero
	// visibility timeout
	DefaultVisibility time.Duration
}

// DefaultBrokerConfig mirrors the production queue policy
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		QueueName:         "audit-events",
		RemoveOnComplete:  100,
		DefaultVisibility: 30 * time.Second,
	}
}

// Broker is the Redis-backed durable queue. Delivery is at-least-once:
// a claimed job that is neither acked nor released becomes claimable
// again once its visibility deadline passes.
type Broker struct {
	client *redis.Client
	cfg    BrokerConfig
	logger *zap.Logger

	readyKey     string
	delayedKey   string
	invisibleKey string
	doneKey      string
}

// NewBroker builds the queue on an existing Redis client
func NewBroker(client *redis.Client, cfg BrokerConfig, logger *zap.Logger) *Broker {
	if cfg.QueueName == "" {
		cfg.QueueName = "audit-events"
	}
	if cfg.DefaultVisibility <= 0 {
		cfg.DefaultVisibility = 30 * time.Second
	}
	base := keyPrefix + cfg.QueueName
	return &Broker{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		readyKey:     base + ":ready",
		delayedKey:   base + ":delayed",
		invisibleKey: base + ":invisible",
		doneKey:      base + ":done",
	}
}

func (b *Broker) jobKey(jobID string) string {
	return keyPrefix + b.cfg.QueueName + ":job:" + jobID
}

// claimScript pops one ready job id and records its visibility deadline
// in the same atomic step, so a crash between the two cannot lose the
// job. KEYS[1] is the ready list, KEYS[2] the invisible zset, ARGV[1]
// the deadline in unix ms.
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id`)

// Enqueue stores the job payload and makes it claimable. Jobs with a
// future NextEligibleAt go to the delayed set; high-priority jobs jump
// the ready queue.
func (b *Broker) Enqueue(ctx context.Context, job *audit.QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("marshal queue job").WithCause(err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.JobID), payload, 0)

	if eligible := job.Meta.NextEligibleAt; !eligible.IsZero() && eligible.After(time.Now()) {
		pipe.ZAdd(ctx, b.delayedKey, redis.Z{
			Score:  float64(eligible.UnixMilli()),
			Member: job.JobID,
		})
	} else if job.Meta.Priority >= audit.PriorityHigh {
		// Claim pops from the right, so RPUSH puts the job at the front
		pipe.RPush(ctx, b.readyKey, job.JobID)
	} else {
		pipe.LPush(ctx, b.readyKey, job.JobID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("enqueue", err)
	}
	return nil
}

// Claim pops one ready job and hides it for the visibility timeout.
// Returns nil, nil when the queue is empty.
func (b *Broker) Claim(ctx context.Context, visibility time.Duration) (*audit.QueueJob, error) {
	if visibility <= 0 {
		visibility = b.cfg.DefaultVisibility
	}
	if err := b.promote(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(visibility)
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.readyKey, b.invisibleKey}, deadline.UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, brokerErr("claim", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, errors.NewInternalError("unexpected claim script reply")
	}

	payload, err := b.client.Get(ctx, b.jobKey(jobID)).Result()
	if err == redis.Nil {
		// Orphaned ID without payload, drop it
		b.client.ZRem(ctx, b.invisibleKey, jobID)
		if b.logger != nil {
			b.logger.Warn("dropping orphaned job id", zap.String("jobId", jobID))
		}
		return b.Claim(ctx, visibility)
	}
	if err != nil {
		return nil, brokerErr("claim", err)
	}

	var job audit.QueueJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, errors.NewInternalError("unmarshal queue job").WithCause(err)
	}
	return &job, nil
}

// Ack acknowledges a completed job, moving its payload to the done ring
func (b *Broker) Ack(ctx context.Context, job *audit.QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("marshal queue job").WithCause(err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.invisibleKey, job.JobID)
	pipe.Del(ctx, b.jobKey(job.JobID))
	pipe.LPush(ctx, b.doneKey, payload)
	if !job.Meta.Durable && b.cfg.RemoveOnComplete > 0 {
		pipe.LTrim(ctx, b.doneKey, 0, b.cfg.RemoveOnComplete-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("ack", err)
	}
	return nil
}

// Release returns a claimed job to the queue for a later attempt,
// persisting its updated attempt bookkeeping.
func (b *Broker) Release(ctx context.Context, job *audit.QueueJob, nextEligibleAt time.Time) error {
	job.Meta.NextEligibleAt = nextEligibleAt

	payload, err := json.Marshal(job)
	if err != nil {
		return errors.NewInternalError("marshal queue job").WithCause(err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.invisibleKey, job.JobID)
	pipe.Set(ctx, b.jobKey(job.JobID), payload, 0)
	if nextEligibleAt.After(time.Now()) {
		pipe.ZAdd(ctx, b.delayedKey, redis.Z{
			Score:  float64(nextEligibleAt.UnixMilli()),
			Member: job.JobID,
		})
	} else {
		pipe.LPush(ctx, b.readyKey, job.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("release", err)
	}
	return nil
}

// Drop removes a job entirely, used when a job is parked to the DLQ
func (b *Broker) Drop(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.invisibleKey, jobID)
	pipe.ZRem(ctx, b.delayedKey, jobID)
	pipe.Del(ctx, b.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("drop", err)
	}
	return nil
}

// Depth returns the number of pending jobs: ready, delayed, and claimed
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.readyKey)
	delayed := pipe.ZCard(ctx, b.delayedKey)
	invisible := pipe.ZCard(ctx, b.invisibleKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, brokerErr("depth", err)
	}
	return ready.Val() + delayed.Val() + invisible.Val(), nil
}

// Ping checks broker connectivity
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return brokerErr("ping", err)
	}
	return nil
}

// promote moves due delayed jobs and expired invisible claims back to
// the ready list.
func (b *Broker) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, key := range []string{b.delayedKey, b.invisibleKey} {
		ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return brokerErr("promote", err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := b.client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, key, id)
			pipe.LPush(ctx, b.readyKey, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return brokerErr("promote", err)
		}
		if key == b.invisibleKey && b.logger != nil {
			b.logger.Warn("reclaimed expired claims", zap.Int("jobs", len(ids)))
		}
	}
	return nil
}

func brokerErr(op string, err error) error {
	return errors.NewBrokerUnavailableError(fmt.Sprintf("redis %s failed", op)).WithCause(err)
}
