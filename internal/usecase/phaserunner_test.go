package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/audit-orchestrator/internal/usecase"
)

func TestPhaseRunner_CleanExit(t *testing.T) {
	t.Parallel()
	r := usecase.NewPhaseRunner(nil)

	ok, reason := r.RunWithTimeout(context.Background(), 5*time.Second, "sh", "-c", "exit 0")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestPhaseRunner_NonZeroExit(t *testing.T) {
	t.Parallel()
	r := usecase.NewPhaseRunner(nil)

	ok, reason := r.RunWithTimeout(context.Background(), 5*time.Second, "sh", "-c", "exit 3")
	assert.False(t, ok)
	assert.Contains(t, reason, "exit status 3")
}

func TestPhaseRunner_KillsOnTimeout(t *testing.T) {
	t.Parallel()
	r := usecase.NewPhaseRunner(nil)

	start := time.Now()
	ok, reason := r.RunWithTimeout(context.Background(), 100*time.Millisecond, "sleep", "10")
	assert.False(t, ok)
	assert.Equal(t, usecase.ReasonTimeout, reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPhaseRunner_CommandAdapter(t *testing.T) {
	t.Parallel()
	r := usecase.NewPhaseRunner(nil)

	fn := r.Command(5*time.Second, "sh", "-c", "true")
	ok, reason := fn(context.Background())
	assert.True(t, ok)
	assert.Empty(t, reason)
}
