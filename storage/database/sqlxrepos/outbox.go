package sqlxrepos

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
)

const messageColumns = `
	id, kind, user_id, course_id, subject, body, template_name,
	sent, sent_at, attempts, last_error, created_at`

type outboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) outbox.Repository {
	return &outboxRepository{db: db}
}

func (repo *outboxRepository) CreateMessage(ctx context.Context, msg outbox.Message) (outbox.Message, error) {
	_, err := sqlx.NamedExecContext(ctx, repo.db, `
	INSERT INTO outbox_messages (id, kind, user_id, course_id, subject, body, template_name,
		sent, sent_at, attempts, last_error, created_at)
	VALUES (:id, :kind, :user_id, :course_id, :subject, :body, :template_name,
		:sent, :sent_at, :attempts, :last_error, :created_at)`, msg)
	if err != nil {
		return outbox.Message{}, pkgerrors.Wrap(err, "inserting outbox message")
	}
	return msg, nil
}

func (repo *outboxRepository) GetPendingMessages(ctx context.Context, limit, maxAttempts int) ([]outbox.Message, error) {
	messages := make([]outbox.Message, 0)
	err := repo.db.SelectContext(ctx, &messages, fmt.Sprintf(`
	SELECT %s FROM outbox_messages
	WHERE NOT sent AND attempts < $1
	ORDER BY created_at
	LIMIT $2`, messageColumns), maxAttempts, limit)
	return messages, err
}

func (repo *outboxRepository) UpdateMessage(ctx context.Context, msg outbox.Message) (outbox.Message, error) {
	res, err := sqlx.NamedExecContext(ctx, repo.db, `
	UPDATE outbox_messages
	SET sent = :sent, sent_at = :sent_at, attempts = :attempts, last_error = :last_error
	WHERE id = :id`, msg)
	if err != nil {
		return outbox.Message{}, pkgerrors.Wrap(err, "updating outbox message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return msg, nil
}

func (repo *outboxRepository) QueryMessages(ctx context.Context, sentOnly bool) ([]outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM outbox_messages`, messageColumns)
	if sentOnly {
		query += ` WHERE sent`
	}
	query += ` ORDER BY created_at DESC`

	messages := make([]outbox.Message, 0)
	err := repo.db.SelectContext(ctx, &messages, query)
	return messages, err
}

// recipientResolver expands message recipient references with direct queries
// instead of going through the domain services.
type recipientResolver struct {
	db *sqlx.DB
}

func NewRecipientResolver(db *sqlx.DB) outbox.RecipientResolver {
	return &recipientResolver{db: db}
}

type recipientRow struct {
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Email     string `db:"email"`
}

func (r *recipientResolver) ResolveRecipients(ctx context.Context, msg outbox.Message) ([]mail.Address, error) {
	var (
		query string
		args  []interface{}
	)
	switch msg.Kind {
	case outbox.KindUser:
		if !msg.UserID.Valid {
			return nil, nil
		}
		query = `SELECT first_name, last_name, email FROM users WHERE id = $1 AND is_active`
		args = []interface{}{msg.UserID.Int}

	case outbox.KindCourse:
		if !msg.CourseID.Valid {
			return nil, nil
		}
		query = `
		SELECT u.first_name, u.last_name, u.email
		FROM enrollments e
		JOIN users u ON u.id = e.student_id
		WHERE e.course_id = $1 AND e.status = $2 AND u.is_active
		ORDER BY u.id`
		args = []interface{}{msg.CourseID.Int, school.EnrollmentActive}

	case outbox.KindGuardians:
		if !msg.UserID.Valid {
			return nil, nil
		}
		query = `
		SELECT u.first_name, u.last_name, u.email
		FROM guardian_links l
		JOIN users u ON u.id = l.guardian_id
		WHERE l.student_id = $1 AND u.is_active
		ORDER BY u.id`
		args = []interface{}{msg.UserID.Int}

	default:
		return nil, pkgerrors.Errorf("unknown recipient kind %q", msg.Kind)
	}

	rows := make([]recipientRow, 0)
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]mail.Address, 0, len(rows))
	for _, row := range rows {
		res = append(res, mail.Address{Name: row.FirstName + " " + row.LastName, Address: row.Email})
	}
	return res, nil
}
