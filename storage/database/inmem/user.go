package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/user"
)

type userRepository struct {
	db *DB
}

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.users))
	for _, u := range repo.db.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (repo *userRepository) CheckUniqueness(ctx context.Context, username, email, rut string, excludedIDs ...int) error {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	excluded := func(id int) bool {
		for _, x := range excludedIDs {
			if x == id {
				return true
			}
		}
		return false
	}
	for _, usr := range repo.db.users {
		if excluded(usr.ID) {
			continue
		}
		if username != "" && usr.Username == username {
			return user.ErrUsernameExists
		}
		if email != "" && usr.Email == email {
			return user.ErrEmailExists
		}
		if rut != "" && usr.RUT.Valid && usr.RUT.String == rut {
			return user.ErrRUTExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	usr.ID = repo.db.nextPK()
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if filter.ID != 0 {
		if usr, ok := repo.db.users[filter.ID]; ok {
			return *usr, nil
		}
		return user.User{}, user.ErrNotFound
	}
	for _, usr := range repo.query() {
		switch {
		case filter.Username != "" && usr.Username == filter.Username:
			return usr, nil
		case filter.Email != "" && usr.Email == filter.Email:
			return usr, nil
		case filter.RUT != "" && usr.RUT.Valid && usr.RUT.String == filter.RUT:
			return usr, nil
		case filter.UsernameOrEmail != "" && (usr.Username == filter.UsernameOrEmail || usr.Email == filter.UsernameOrEmail):
			return usr, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	users := repo.query()
	if filter == nil || filter.IsEmpty() {
		return users, nil
	}

	matches := func(usr user.User) bool {
		if filter.Role != "" && usr.Role != filter.Role {
			return false
		}
		if filter.IsActive != nil && usr.IsActive != *filter.IsActive {
			return false
		}
		if !filter.CreatedFrom.IsZero() && usr.CreatedAt.Before(filter.CreatedFrom) {
			return false
		}
		if !filter.CreatedTo.IsZero() && usr.CreatedAt.After(filter.CreatedTo) {
			return false
		}
		if filter.Search != "" {
			s := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(usr.FirstName), s) &&
				!strings.Contains(strings.ToLower(usr.LastName), s) &&
				!strings.Contains(strings.ToLower(usr.Username), s) &&
				!strings.Contains(strings.ToLower(usr.Email), s) &&
				!strings.Contains(strings.ToLower(usr.RUT.String), s) {
				return false
			}
		}
		return true
	}

	res := make([]user.User, 0, len(users))
	for _, usr := range users {
		if matches(usr) {
			res = append(res, usr)
		}
	}
	return res, nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.users[usr.ID]; !ok {
		return user.User{}, user.ErrNotFound
	}
	repo.db.users[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...int) (int, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	var n int
	for _, id := range ids {
		if _, ok := repo.db.users[id]; ok {
			delete(repo.db.users, id)
			n++
		}
	}
	return n, nil
}

func (repo *userRepository) LinkGuardian(ctx context.Context, studentID, guardianID int) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, l := range repo.db.links {
		if l.StudentID == studentID && l.GuardianID == guardianID {
			return nil
		}
	}
	repo.db.links = append(repo.db.links, guardianLink{StudentID: studentID, GuardianID: guardianID})
	return nil
}

func (repo *userRepository) StudentsOfGuardian(ctx context.Context, guardianID int) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []user.User
	for _, l := range repo.db.links {
		if l.GuardianID == guardianID {
			if usr, ok := repo.db.users[l.StudentID]; ok {
				res = append(res, *usr)
			}
		}
	}
	return res, nil
}

func (repo *userRepository) GuardiansOfStudent(ctx context.Context, studentID int) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []user.User
	for _, l := range repo.db.links {
		if l.StudentID == studentID {
			if usr, ok := repo.db.users[l.GuardianID]; ok {
				res = append(res, *usr)
			}
		}
	}
	return res, nil
}

func (repo *userRepository) CreateActivityLog(ctx context.Context, entry user.ActivityLog) (user.ActivityLog, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	entry.ID = repo.db.nextPK()
	repo.db.activityLogs[entry.ID] = &entry
	return entry, nil
}

func (repo *userRepository) QueryActivityLogs(ctx context.Context, filter user.ActivityLogFilter) ([]user.ActivityLog, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	res := make([]user.ActivityLog, 0, len(repo.db.activityLogs))
	for _, entry := range repo.db.activityLogs {
		if filter.UserID != 0 && entry.UserID != filter.UserID {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(entry.Action), strings.ToLower(filter.Search)) {
			continue
		}
		if !filter.CreatedFrom.IsZero() && entry.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		if !filter.CreatedTo.IsZero() && entry.CreatedAt.After(filter.CreatedTo) {
			continue
		}
		res = append(res, *entry)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (repo *userRepository) CreateNotification(ctx context.Context, notif user.Notification) (user.Notification, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	notif.ID = repo.db.nextPK()
	repo.db.notifications[notif.ID] = &notif
	return notif, nil
}

func (repo *userRepository) QueryNotifications(ctx context.Context, userID int, unreadOnly bool) ([]user.Notification, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var res []user.Notification
	for _, notif := range repo.db.notifications {
		if notif.UserID != userID {
			continue
		}
		if unreadOnly && notif.IsRead {
			continue
		}
		res = append(res, *notif)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (repo *userRepository) MarkNotificationRead(ctx context.Context, id, userID int) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	notif, ok := repo.db.notifications[id]
	if !ok || notif.UserID != userID {
		return user.ErrNotFound
	}
	notif.IsRead = true
	return nil
}
