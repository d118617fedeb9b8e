package outbox

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"
)

// Recipient kinds. A message addresses either a single user, every active
// student of a course, or the guardians linked to a student.
const (
	KindUser      = "USER"
	KindCourse    = "CURSO"
	KindGuardians = "APODERADOS"
)

var ErrNotFound = errors.New("message not found")

type (
	// Message is a queued email waiting for the dispatcher.
	Message struct {
		ID           string      `db:"id" json:"id"`
		Kind         string      `db:"kind" json:"kind"`
		UserID       null.Int    `db:"user_id" json:"user_id,omitempty"`
		CourseID     null.Int    `db:"course_id" json:"course_id,omitempty"`
		Subject      string      `db:"subject" json:"subject"`
		Body         string      `db:"body" json:"body"`
		TemplateName null.String `db:"template_name" json:"template_name,omitempty"`
		Sent         bool        `db:"sent" json:"sent"`
		SentAt       null.Time   `db:"sent_at" json:"sent_at,omitempty"`
		Attempts     int         `db:"attempts" json:"attempts"`
		LastError    null.String `db:"last_error" json:"last_error,omitempty"`
		CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	}

	Repository interface {
		CreateMessage(ctx context.Context, msg Message) (Message, error)
		// GetPendingMessages returns unsent messages with fewer than
		// maxAttempts attempts, oldest first.
		GetPendingMessages(ctx context.Context, limit, maxAttempts int) ([]Message, error)
		UpdateMessage(ctx context.Context, msg Message) (Message, error)
		QueryMessages(ctx context.Context, sentOnly bool) ([]Message, error)
	}

	// Enqueuer is the narrow interface domain services depend on.
	Enqueuer interface {
		Enqueue(ctx context.Context, msg Message) error
	}

	// RecipientResolver expands a message's recipient reference into
	// concrete addresses. Implemented at the storage layer.
	RecipientResolver interface {
		ResolveRecipients(ctx context.Context, msg Message) ([]mail.Address, error)
	}

	queue struct {
		repo Repository
	}
)

var _ Enqueuer = (*queue)(nil)

func NewQueue(repo Repository) *queue {
	return &queue{repo: repo}
}

func (q *queue) Enqueue(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	_, err := q.repo.CreateMessage(ctx, msg)
	return err
}
