package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/page-weight-monitor/internal/logger"
)

func TestNewValidates(t *testing.T) {
	noop := func(context.Context) {}
	_, err := New("not a cron", 0, noop, nil)
	require.Error(t, err)
	_, err = New("", 0, noop, nil)
	require.Error(t, err)
	_, err = New("", time.Minute, nil, nil)
	require.Error(t, err)

	s, err := New("*/5 * * * *", time.Minute, noop, nil)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", s.desc)

	s, err = New("", 30*time.Minute, noop, nil)
	require.NoError(t, err)
	assert.Equal(t, "@every 30m0s", s.desc)
}

func TestRunTriggersImmediately(t *testing.T) {
	started := make(chan struct{}, 1)
	s, err := New("@hourly", 0, func(context.Context) { started <- struct{}{} }, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not start")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunSkipsOverlappingTicks(t *testing.T) {
	var runs atomic.Int32
	task := func(ctx context.Context) {
		runs.Add(1)
		<-ctx.Done()
	}
	s, err := New("", time.Second, task, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Skipped() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunRecoversPanics(t *testing.T) {
	var runs atomic.Int32
	s, err := New("", time.Second, func(context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
