package realtime

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genpaper/internal/logger"
	"genpaper/internal/models"
)

func TestLocalBusForwardsUntilCancelled(t *testing.T) {
	b := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	var got atomic.Int32
	require.NoError(t, b.StartForwarder(ctx, func(ev StatusEvent) {
		require.Equal(t, "job-1", ev.JobID)
		got.Add(1)
	}))

	require.NoError(t, b.Publish(context.Background(), StatusEvent{JobID: "job-1", Status: models.JobProcessing}))
	require.Equal(t, int32(1), got.Load())

	cancel()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.handlers) == 0
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), StatusEvent{JobID: "job-1"}))
	require.Equal(t, int32(1), got.Load())
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	b, err := NewRedisBus(logger.Nop(), addr, "", "genpaper:test")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan StatusEvent, 1)
	require.NoError(t, b.StartForwarder(ctx, func(ev StatusEvent) { got <- ev }))
	require.NoError(t, b.Publish(ctx, StatusEvent{JobID: "j", Status: models.JobCompleted}))

	select {
	case ev := <-got:
		require.Equal(t, models.JobCompleted, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
