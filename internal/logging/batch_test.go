package logging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// memTransport records batches; fail makes every send error
type memTransport struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    bool
}

func (m *memTransport) Name() string { return "mem" }

func (m *memTransport) Send(_ context.Context, batch []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("sink down")
	}
	copied := make([]Entry, len(batch))
	copy(copied, batch)
	m.batches = append(m.batches, copied)
	return nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *memTransport) setFail(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = v
}

func TestBatchFlushBySize(t *testing.T) {
	sink := &memTransport{}
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     100,
		MaxBatchSize:  5,
		FlushInterval: time.Hour, // only size triggers flushes
		Workers:       1,
	}, nil, sink)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, bl.Info(ctx, "event", zap.Int("i", i)))
	}

	assert.Eventually(t, func() bool { return sink.entries() == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bl.Close(ctx))
}

func TestBatchFlushByTimeout(t *testing.T) {
	sink := &memTransport{}
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     100,
		MaxBatchSize:  1000,
		FlushInterval: 20 * time.Millisecond,
		Workers:       1,
	}, nil, sink)

	require.NoError(t, bl.Info(context.Background(), "lonely event"))
	assert.Eventually(t, func() bool { return sink.entries() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bl.Close(context.Background()))
}

// blockingTransport parks every Send until the gate is closed
type blockingTransport struct {
	gate chan struct{}
}

func (b *blockingTransport) Name() string { return "blocking" }

func (b *blockingTransport) Send(_ context.Context, _ []Entry) error {
	<-b.gate
	return nil
}

func (b *blockingTransport) Close() error { return nil }

func TestBufferFullBackpressure(t *testing.T) {
	sink := &blockingTransport{gate: make(chan struct{})}
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     4,
		HighWaterMark: 2,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
		Workers:       1,
	}, nil, sink)

	ctx := context.Background()
	// The worker absorbs at most one entry before blocking in Send, so
	// rejection is guaranteed once the queue reaches the mark.
	var rejected bool
	for i := 0; i < 10; i++ {
		if err := bl.Info(ctx, "spam"); err != nil {
			assert.ErrorIs(t, err, ErrBufferFull)
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "expected ErrBufferFull above the high-water mark")
	assert.Greater(t, bl.Stats().Rejected, int64(0))

	close(sink.gate)
	require.NoError(t, bl.Close(ctx))
}

func TestCloseFlushesOutstanding(t *testing.T) {
	sink := &memTransport{}
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     100,
		MaxBatchSize:  1000,
		FlushInterval: time.Hour,
		CloseTimeout:  time.Second,
		Workers:       1,
	}, nil, sink)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, bl.Info(ctx, "pending"))
	}
	require.NoError(t, bl.Close(ctx))

	assert.Equal(t, 7, sink.entries())
	assert.ErrorIs(t, bl.Info(ctx, "after close"), ErrClosed)
}

func TestContextIDsPropagate(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	transport := NewZapTransport("obs", zap.New(core))
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     10,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
		Workers:       1,
	}, nil, transport)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTrace(ctx, "trace-1", "span-1")

	require.NoError(t, bl.Info(ctx, "traced"))
	require.NoError(t, bl.Close(context.Background()))

	logs := observed.All()
	require.Len(t, logs, 1)
	fields := logs[0].ContextMap()
	assert.Equal(t, "corr-1", fields["correlationId"])
	assert.Equal(t, "req-1", fields["requestId"])
	assert.Equal(t, "trace-1", fields["traceId"])
	assert.Equal(t, "span-1", fields["spanId"])
}

func TestBreakerTransportOpensOnFailures(t *testing.T) {
	sink := &memTransport{fail: true}
	bt := NewBreakerTransport(sink, BreakerSettings{FailureThreshold: 3, OpenTimeout: time.Hour}, zap.NewNop())

	batch := []Entry{{Level: zapcore.InfoLevel, Message: "x"}}
	for i := 0; i < 3; i++ {
		assert.Error(t, bt.Send(context.Background(), batch))
	}
	require.Equal(t, gobreaker.StateOpen, bt.State())

	// Circuit open: the send fails fast without reaching the sink
	sink.setFail(false)
	assert.Error(t, bt.Send(context.Background(), batch))
	assert.Equal(t, 0, sink.entries())
}

func TestFailedDeliveryCountsDropped(t *testing.T) {
	sink := &memTransport{fail: true}
	bl := NewBatchLogger(BatchConfig{
		QueueSize:     10,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
		Workers:       1,
	}, zap.NewNop(), sink)

	require.NoError(t, bl.Info(context.Background(), "doomed"))
	require.NoError(t, bl.Close(context.Background()))

	stats := bl.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(0), stats.Delivered)
}
