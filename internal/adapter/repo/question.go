package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/audit-orchestrator/internal/domain"
)

// QuestionRepo stores questions and their open index. The question object
// schema is strict, so answers live under a separate key.
type QuestionRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewQuestionRepo wraps the client with the key prefix.
func NewQuestionRepo(rdb *redis.Client, prefix string) *QuestionRepo {
	return &QuestionRepo{rdb: rdb, prefix: prefix}
}

var _ domain.QuestionRepository = (*QuestionRepo)(nil)

func (r *QuestionRepo) questionKey(projectID, questionID string) string {
	return fmt.Sprintf("%s:project:%s:question:%s", r.prefix, projectID, questionID)
}

func (r *QuestionRepo) indexKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:questions:index", r.prefix, projectID)
}

func (r *QuestionRepo) openKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:questions:open", r.prefix, projectID)
}

func (r *QuestionRepo) answerKey(questionID string) string {
	return fmt.Sprintf("%s:question:%s:answer", r.prefix, questionID)
}

// CreateQuestion assigns an id when absent, defaults the status to OPEN and
// registers the question in both indexes.
func (r *QuestionRepo) CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if q.ProjectID == "" || q.BacklogItemID == "" || q.QuestionText == "" {
		return domain.Question{}, fmt.Errorf("op=question.CreateQuestion: %w", domain.ErrInvalidArgument)
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.Status == "" {
		q.Status = domain.QuestionOpen
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return domain.Question{}, fmt.Errorf("op=question.CreateQuestion q=%s: %w", q.ID, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.questionKey(q.ProjectID, q.ID), raw, 0)
	pipe.SAdd(ctx, r.indexKey(q.ProjectID), q.ID)
	pipe.SAdd(ctx, r.openKey(q.ProjectID), q.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Question{}, fmt.Errorf("op=question.CreateQuestion q=%s: %w", q.ID, err)
	}
	return q, nil
}

// GetQuestion loads one question; domain.ErrNotFound when absent.
func (r *QuestionRepo) GetQuestion(ctx context.Context, projectID, questionID string) (domain.Question, error) {
	raw, err := r.rdb.Get(ctx, r.questionKey(projectID, questionID)).Result()
	if err == redis.Nil {
		return domain.Question{}, fmt.Errorf("op=question.GetQuestion q=%s: %w", questionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("op=question.GetQuestion q=%s: %w", questionID, err)
	}
	var q domain.Question
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return domain.Question{}, fmt.Errorf("op=question.GetQuestion q=%s: %w", questionID, err)
	}
	return q, nil
}

// ListOpen returns the open question ids, sorted.
func (r *QuestionRepo) ListOpen(ctx context.Context, projectID string) ([]string, error) {
	return r.sortedMembers(ctx, r.openKey(projectID))
}

// ListAll returns all question ids, sorted.
func (r *QuestionRepo) ListAll(ctx context.Context, projectID string) ([]string, error) {
	return r.sortedMembers(ctx, r.indexKey(projectID))
}

// SetAnswer stores the normalized answer and removes the question from the
// open set. The question status itself only flips via CloseQuestion.
func (r *QuestionRepo) SetAnswer(ctx context.Context, projectID, questionID string, answer any) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("op=question.SetAnswer q=%s: %w", questionID, err)
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.answerKey(questionID), raw, 0)
	pipe.SRem(ctx, r.openKey(projectID), questionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=question.SetAnswer q=%s: %w", questionID, err)
	}
	return nil
}

// GetAnswer loads the stored answer; the second return reports presence.
func (r *QuestionRepo) GetAnswer(ctx context.Context, questionID string) (any, bool, error) {
	raw, err := r.rdb.Get(ctx, r.answerKey(questionID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=question.GetAnswer q=%s: %w", questionID, err)
	}
	var answer any
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return nil, false, fmt.Errorf("op=question.GetAnswer q=%s: %w", questionID, err)
	}
	return answer, true, nil
}

// CloseQuestion flips the status to CLOSED and removes the question from
// the open set. Closing an unknown question is a no-op.
func (r *QuestionRepo) CloseQuestion(ctx context.Context, projectID, questionID string) error {
	q, err := r.GetQuestion(ctx, projectID, questionID)
	if err != nil {
		_ = r.rdb.SRem(ctx, r.openKey(projectID), questionID).Err()
		return nil
	}
	if q.Status != domain.QuestionClosed {
		q.Status = domain.QuestionClosed
		raw, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("op=question.CloseQuestion q=%s: %w", questionID, err)
		}
		if err := r.rdb.Set(ctx, r.questionKey(projectID, questionID), raw, 0).Err(); err != nil {
			return fmt.Errorf("op=question.CloseQuestion q=%s: %w", questionID, err)
		}
	}
	if err := r.rdb.SRem(ctx, r.openKey(projectID), questionID).Err(); err != nil {
		return fmt.Errorf("op=question.CloseQuestion q=%s: %w", questionID, err)
	}
	return nil
}

func (r *QuestionRepo) sortedMembers(ctx context.Context, key string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("op=question.sortedMembers key=%s: %w", key, err)
	}
	sort.Strings(ids)
	return ids, nil
}
