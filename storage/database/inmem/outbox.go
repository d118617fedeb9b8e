package inmemdb

import (
	"context"
	"net/mail"
	"sort"

	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
)

type outboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) outbox.Repository {
	return &outboxRepository{db: db}
}

func (repo *outboxRepository) CreateMessage(ctx context.Context, msg outbox.Message) (outbox.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.messages[msg.ID] = &msg
	return msg, nil
}

func (repo *outboxRepository) GetPendingMessages(ctx context.Context, limit, maxAttempts int) ([]outbox.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []outbox.Message
	for _, msg := range repo.db.messages {
		if msg.Sent || msg.Attempts >= maxAttempts {
			continue
		}
		res = append(res, *msg)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (repo *outboxRepository) UpdateMessage(ctx context.Context, msg outbox.Message) (outbox.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.messages[msg.ID]; !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	repo.db.messages[msg.ID] = &msg
	return msg, nil
}

func (repo *outboxRepository) QueryMessages(ctx context.Context, sentOnly bool) ([]outbox.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []outbox.Message
	for _, msg := range repo.db.messages {
		if sentOnly && !msg.Sent {
			continue
		}
		res = append(res, *msg)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// recipientResolver expands message recipient references against the
// in-memory tables, mirroring the SQL resolver.
type recipientResolver struct {
	db *DB
}

func NewRecipientResolver(db *DB) outbox.RecipientResolver {
	return &recipientResolver{db: db}
}

func (r *recipientResolver) ResolveRecipients(ctx context.Context, msg outbox.Message) ([]mail.Address, error) {
	r.db.mutex.RLock()
	defer r.db.mutex.RUnlock()

	var res []mail.Address
	switch msg.Kind {
	case outbox.KindUser:
		if usr, ok := r.db.users[msg.UserID.Int]; ok && usr.IsActive {
			res = append(res, mail.Address{Name: usr.FullName(), Address: usr.Email})
		}
	case outbox.KindCourse:
		for _, enr := range r.db.enrollments {
			if enr.CourseID != msg.CourseID.Int || enr.Status != school.EnrollmentActive {
				continue
			}
			if usr, ok := r.db.users[enr.StudentID]; ok && usr.IsActive {
				res = append(res, mail.Address{Name: usr.FullName(), Address: usr.Email})
			}
		}
	case outbox.KindGuardians:
		for _, l := range r.db.links {
			if l.StudentID != msg.UserID.Int {
				continue
			}
			if usr, ok := r.db.users[l.GuardianID]; ok && usr.IsActive {
				res = append(res, mail.Address{Name: usr.FullName(), Address: usr.Email})
			}
		}
	}
	return res, nil
}
