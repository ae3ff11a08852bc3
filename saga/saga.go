// Package saga records the ordered event trail of an assembly cycle.
package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"keel/apperr"
)

const (
	ActionStepStart    = "step.start"
	ActionStepComplete = "step.complete"
	ActionStepFailed   = "step.failed"
	ActionStatus       = "status"
)

type Event struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"sagaId"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Subject   string            `json:"subject"`  // assembly or plan uuid
	Category  string            `json:"category"` // build, unittest, deploy, teardown
	Action    string            `json:"action"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Append(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	ListBySubject(ctx context.Context, subject string, limit int) ([]Event, error)
}

// Saga groups the events of one operation on one subject.
type Saga struct {
	ID       string
	Subject  string
	Source   string
	Category string
	store    Store
}

func New(store Store, subject, source, category string) *Saga {
	return Resume(store, uuid.New().String(), subject, source, category)
}

// Resume continues an existing saga, typically in a different role than
// the one that started it.
func Resume(store Store, id, subject, source, category string) *Saga {
	return &Saga{
		ID:       id,
		Subject:  subject,
		Source:   source,
		Category: category,
		store:    store,
	}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	if s == nil || s.store == nil {
		return nil
	}
	evt := &Event{
		ID:        uuid.New().String(),
		SagaID:    s.ID,
		Timestamp: time.Now().UTC(),
		Source:    s.Source,
		Subject:   s.Subject,
		Category:  s.Category,
		Action:    action,
		Message:   message,
		Metadata:  metadata,
	}
	return s.store.Append(ctx, evt)
}

func (s *Saga) StepStart(ctx context.Context, step string) error {
	return s.Log(ctx, ActionStepStart, step+" started", map[string]string{"step": step})
}

func (s *Saga) StepComplete(ctx context.Context, step string, d time.Duration) error {
	return s.Log(ctx, ActionStepComplete, step+" completed", map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(d.Milliseconds(), 10),
	})
}

// StepFailed records err with its apperr code.
func (s *Saga) StepFailed(ctx context.Context, step string, err error) error {
	return s.Log(ctx, ActionStepFailed, step+" failed: "+err.Error(), map[string]string{
		"step":  step,
		"error": err.Error(),
		"code":  string(apperr.CodeOf(err)),
	})
}
