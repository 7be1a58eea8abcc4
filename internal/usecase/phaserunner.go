package usecase

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

// PhaseFunc executes one phase under the given context and reports (ok,
// reason). Implementations must stop producing side effects once the context
// is done; reason is "timeout" when the wall-clock bound fired.
type PhaseFunc func(ctx context.Context) (bool, string)

// ReasonTimeout is the reason reported for a forcibly terminated phase.
const ReasonTimeout = "timeout"

// PhaseRunner executes phase handlers in a separate OS process so that a
// timeout can forcibly terminate in-flight side effects, including pending
// writes, before they reach the outside world. In-process cancellation is not
// enough: a stuck handler could still publish after the deadline.
type PhaseRunner struct {
	log *slog.Logger
}

// NewPhaseRunner builds a runner. log may be nil.
func NewPhaseRunner(log *slog.Logger) *PhaseRunner {
	if log == nil {
		log = slog.Default()
	}
	return &PhaseRunner{log: log}
}

// RunWithTimeout executes the command and kills it when the timeout fires.
// Returns (true, "") on clean exit, (false, "timeout") on forced termination,
// (false, reason) on a non-zero exit.
func (r *PhaseRunner) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (bool, string) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		r.log.Warn("phase process killed on timeout",
			slog.String("cmd", name),
			slog.Duration("timeout", timeout))
		return false, ReasonTimeout
	}
	if err != nil {
		r.log.Error("phase process failed",
			slog.String("cmd", name),
			slog.String("output", string(out)),
			slog.Any("error", err))
		return false, err.Error()
	}
	return true, ""
}

// Command adapts a subprocess invocation to a PhaseFunc with the given
// timeout baked in.
func (r *PhaseRunner) Command(timeout time.Duration, name string, args ...string) PhaseFunc {
	return func(ctx context.Context) (bool, string) {
		return r.RunWithTimeout(ctx, timeout, name, args...)
	}
}
