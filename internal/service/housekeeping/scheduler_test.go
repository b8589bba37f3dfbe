package housekeeping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls atomic.Int32
	err   error
}

func (c *countingCleaner) CleanExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	return 3, c.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_CleanIdempotencyCache(t *testing.T) {
	cleaner := &countingCleaner{}
	s := NewScheduler(cleaner, "@every 1h", discardLogger())

	s.CleanIdempotencyCache()
	cleaner.err = errors.New("db down")
	s.CleanIdempotencyCache()

	assert.Equal(t, int32(2), cleaner.calls.Load())
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&countingCleaner{}, "every now and then", discardLogger())
	require.Error(t, s.Start())
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&countingCleaner{}, "@every 1h", discardLogger())
	require.NoError(t, s.Start())
	<-s.Stop().Done()
}
