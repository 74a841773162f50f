package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxtex/internal/config"
	"github.com/dontdude/goxtex/internal/platform/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewQueueMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Broker = config.BrokerMemory

	q, err := NewQueue(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)
	defer q.Close()

	assert.IsType(t, &queue.MemoryQueue{}, q)
}

func TestNewQueueUnknownBroker(t *testing.T) {
	cfg := config.Default()
	cfg.Broker = "kafka"

	_, err := NewQueue(context.Background(), cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestRecoveryInterval(t *testing.T) {
	assert.Equal(t, 15*time.Second, RecoveryInterval(30*time.Second))
	assert.Equal(t, time.Second, RecoveryInterval(time.Second))
}

func TestWorkersStartAndStop(t *testing.T) {
	cfg := config.Default()
	cfg.Broker = config.BrokerMemory
	cfg.TempRoot = t.TempDir()
	cfg.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := NewQueue(ctx, cfg, nil, testLogger())
	require.NoError(t, err)
	defer q.Close()

	w, err := NewWorkers(ctx, cfg, q, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, cfg.TempRoot, w.Workspaces.Root())

	require.NoError(t, w.Start(ctx))
	assert.Equal(t, 0, w.Pool.InFlight())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Stop did not return")
	}
}
