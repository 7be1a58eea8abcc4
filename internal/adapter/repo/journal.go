package repo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// StateJournal persists the last known workflow phase both in a Redis hash
// and a local JSONL file, so an operator can resume after a restart even when
// the container filesystem is ephemeral. All writes are best-effort.
type StateJournal struct {
	rdb     *redis.Client
	hashKey string
	path    string
}

// NewStateJournal builds a journal. rdb may be nil to skip the Redis mirror;
// path defaults to .agent_manager_journal.jsonl.
func NewStateJournal(rdb *redis.Client, hashKey, path string) *StateJournal {
	if hashKey == "" {
		hashKey = "agent_manager:state"
	}
	if path == "" {
		path = ".agent_manager_journal.jsonl"
	}
	return &StateJournal{rdb: rdb, hashKey: hashKey, path: path}
}

var _ domain.PhaseJournal = (*StateJournal)(nil)

// Record persists the state to both sinks. Failures are logged, never
// returned: journalling must not break phase execution.
func (j *StateJournal) Record(ctx context.Context, state domain.PhaseState) {
	if j.rdb != nil {
		err := j.rdb.HSet(ctx, j.hashKey, map[string]any{
			"phase":      state.Phase,
			"message_id": state.MessageID,
			"timestamp":  state.Timestamp,
		}).Err()
		if err != nil {
			slog.Warn("unable to persist state to redis", slog.Any("error", err))
		}
	}
	raw, err := json.Marshal(state)
	if err == nil {
		if dir := filepath.Dir(j.path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, ferr := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr == nil {
			_, err = f.Write(append(raw, '\n'))
			_ = f.Close()
		} else {
			err = ferr
		}
	}
	if err != nil {
		slog.Warn("unable to persist state locally", slog.Any("error", err))
	}
}

// Clear removes both sinks after a successful workflow run.
func (j *StateJournal) Clear(ctx context.Context) {
	if j.rdb != nil {
		if err := j.rdb.Del(ctx, j.hashKey).Err(); err != nil {
			slog.Warn("unable to clear redis journal state", slog.Any("error", err))
		}
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("unable to clear local journal state", slog.Any("error", err))
	}
}

// LastKnownState returns the most recent state, preferring the Redis hash
// and falling back to the last valid file line. The second return reports
// whether a state was found.
func (j *StateJournal) LastKnownState(ctx context.Context) (domain.PhaseState, bool) {
	if j.rdb != nil {
		if vals, err := j.rdb.HGetAll(ctx, j.hashKey).Result(); err == nil && len(vals) > 0 {
			if vals["phase"] != "" && vals["message_id"] != "" {
				ts, _ := strconv.ParseFloat(vals["timestamp"], 64)
				return domain.PhaseState{Phase: vals["phase"], MessageID: vals["message_id"], Timestamp: ts}, true
			}
		}
	}

	f, err := os.Open(j.path)
	if err != nil {
		return domain.PhaseState{}, false
	}
	defer f.Close()

	var last domain.PhaseState
	found := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var state domain.PhaseState
		if err := json.Unmarshal(line, &state); err != nil {
			continue
		}
		if state.Phase != "" && state.MessageID != "" {
			last = state
			found = true
		}
	}
	return last, found
}

// Path returns the local journal file path.
func (j *StateJournal) Path() string { return j.path }

// String implements fmt.Stringer for log fields.
func (j *StateJournal) String() string {
	return fmt.Sprintf("StateJournal(hash=%s path=%s)", j.hashKey, j.path)
}
