package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/user"
)

const userColumns = `id, first_name, last_name, username, email, rut, role, phone, address, gender,
	birth_date, enrollment_year, profile_image, password_hash, must_change_password, failed_attempts,
	is_blocked, blocked_until, last_login, last_login_ip, is_active, created_at, updated_at`

type userRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckUniqueness(ctx context.Context, username, email, rut string, excludedIDs ...int) error {
	check := func(column, value string, dupErr error) error {
		if value == "" {
			return nil
		}
		query := fmt.Sprintf(`SELECT COUNT(*) FROM users WHERE %s = $1`, column)
		args := []interface{}{value}
		if len(excludedIDs) > 0 {
			in, inArgs, err := sqlx.In(` AND id NOT IN (?)`, excludedIDs)
			if err != nil {
				return err
			}
			for i := range inArgs {
				in = strings.Replace(in, "?", fmt.Sprintf("$%d", i+2), 1)
			}
			query += in
			args = append(args, inArgs...)
		}
		var n int
		if err := repo.db.GetContext(ctx, &n, query, args...); err != nil {
			return pkgerrors.Wrap(err, "checking uniqueness")
		}
		if n > 0 {
			return dupErr
		}
		return nil
	}

	if err := check("username", username, user.ErrUsernameExists); err != nil {
		return err
	}
	if err := check("email", email, user.ErrEmailExists); err != nil {
		return err
	}
	return check("rut", rut, user.ErrRUTExists)
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	query := `
	INSERT INTO users (first_name, last_name, username, email, rut, role, phone, address, gender,
		birth_date, enrollment_year, profile_image, password_hash, must_change_password, failed_attempts,
		is_blocked, blocked_until, last_login, last_login_ip, is_active, created_at, updated_at)
	VALUES (:first_name, :last_name, :username, :email, :rut, :role, :phone, :address, :gender,
		:birth_date, :enrollment_year, :profile_image, :password_hash, :must_change_password, :failed_attempts,
		:is_blocked, :blocked_until, :last_login, :last_login_ip, :is_active, :created_at, :updated_at)
	RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, repo.db, query, usr)
	if err != nil {
		return user.User{}, pkgerrors.Wrap(err, "inserting user")
	}
	defer rows.Close()
	if rows.Next() {
		if err = rows.Scan(&usr.ID); err != nil {
			return user.User{}, err
		}
	}
	return usr, nil
}

func (repo *userRepository) GetUser(ctx context.Context, filter user.GetFilter) (user.User, error) {
	var cond string
	var arg interface{}
	switch {
	case filter.ID != 0:
		cond, arg = "id = $1", filter.ID
	case filter.Username != "":
		cond, arg = "username = $1", filter.Username
	case filter.Email != "":
		cond, arg = "email = $1", filter.Email
	case filter.RUT != "":
		cond, arg = "rut = $1", filter.RUT
	case filter.UsernameOrEmail != "":
		cond, arg = "(username = $1 OR email = $1)", filter.UsernameOrEmail
	default:
		return user.User{}, user.ErrNotFound
	}

	var usr user.User
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s`, userColumns, cond)
	if err := repo.db.GetContext(ctx, &usr, query, arg); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, pkgerrors.Wrap(err, "getting user")
	}
	return usr, nil
}

func (repo *userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering) ([]user.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users`, userColumns)
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter != nil {
		if filter.Search != "" {
			p := arg("%" + filter.Search + "%")
			conds = append(conds, fmt.Sprintf(
				"(first_name ILIKE %[1]s OR last_name ILIKE %[1]s OR username ILIKE %[1]s OR email ILIKE %[1]s OR rut ILIKE %[1]s)", p))
		}
		if filter.Role != "" {
			conds = append(conds, "role = "+arg(filter.Role))
		}
		if filter.IsActive != nil {
			conds = append(conds, "is_active = "+arg(*filter.IsActive))
		}
		if !filter.CreatedFrom.IsZero() {
			conds = append(conds, "created_at >= "+arg(filter.CreatedFrom))
		}
		if !filter.CreatedTo.IsZero() {
			conds = append(conds, "created_at <= "+arg(filter.CreatedTo))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	if len(ordering) > 0 {
		parts := make([]string, 0, len(ordering))
		for _, o := range ordering {
			parts = append(parts, o.String())
		}
		query += " ORDER BY " + strings.Join(parts, ", ")
	} else {
		query += " ORDER BY id"
	}

	users := make([]user.User, 0)
	if err := repo.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "querying users")
	}
	return users, nil
}

func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	query := `
	UPDATE users SET first_name = :first_name, last_name = :last_name, username = :username,
		email = :email, rut = :rut, role = :role, phone = :phone, address = :address, gender = :gender,
		birth_date = :birth_date, enrollment_year = :enrollment_year, profile_image = :profile_image,
		password_hash = :password_hash, must_change_password = :must_change_password,
		failed_attempts = :failed_attempts, is_blocked = :is_blocked, blocked_until = :blocked_until,
		last_login = :last_login, last_login_ip = :last_login_ip, is_active = :is_active,
		updated_at = :updated_at
	WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, repo.db, query, usr)
	if err != nil {
		return user.User{}, pkgerrors.Wrap(err, "updating user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return usr, nil
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := repo.db.ExecContext(ctx, repo.db.Rebind(query), args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "deleting users")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (repo *userRepository) LinkGuardian(ctx context.Context, studentID, guardianID int) error {
	query := `
	INSERT INTO guardian_links (student_id, guardian_id)
	VALUES ($1, $2)
	ON CONFLICT (student_id, guardian_id) DO NOTHING`
	_, err := repo.db.ExecContext(ctx, query, studentID, guardianID)
	return pkgerrors.Wrap(err, "linking guardian")
}

func (repo *userRepository) StudentsOfGuardian(ctx context.Context, guardianID int) ([]user.User, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM users
	WHERE id IN (SELECT student_id FROM guardian_links WHERE guardian_id = $1)
	ORDER BY id`, userColumns)

	users := make([]user.User, 0)
	if err := repo.db.SelectContext(ctx, &users, query, guardianID); err != nil {
		return nil, pkgerrors.Wrap(err, "querying students of guardian")
	}
	return users, nil
}

func (repo *userRepository) GuardiansOfStudent(ctx context.Context, studentID int) ([]user.User, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM users
	WHERE id IN (SELECT guardian_id FROM guardian_links WHERE student_id = $1)
	ORDER BY id`, userColumns)

	users := make([]user.User, 0)
	if err := repo.db.SelectContext(ctx, &users, query, studentID); err != nil {
		return nil, pkgerrors.Wrap(err, "querying guardians of student")
	}
	return users, nil
}

func (repo *userRepository) CreateActivityLog(ctx context.Context, entry user.ActivityLog) (user.ActivityLog, error) {
	query := `
	INSERT INTO activity_logs (user_id, action, ip_address, user_agent, created_at)
	VALUES (:user_id, :action, :ip_address, :user_agent, :created_at)
	RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, repo.db, query, entry)
	if err != nil {
		return user.ActivityLog{}, pkgerrors.Wrap(err, "inserting activity log")
	}
	defer rows.Close()
	if rows.Next() {
		if err = rows.Scan(&entry.ID); err != nil {
			return user.ActivityLog{}, err
		}
	}
	return entry, nil
}

func (repo *userRepository) QueryActivityLogs(ctx context.Context, filter user.ActivityLogFilter) ([]user.ActivityLog, error) {
	query := `SELECT id, user_id, action, ip_address, user_agent, created_at FROM activity_logs`
	var conds []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != 0 {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if filter.Search != "" {
		conds = append(conds, "action ILIKE "+arg("%"+filter.Search+"%"))
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.CreatedFrom))
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, "created_at <= "+arg(filter.CreatedTo))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	logs := make([]user.ActivityLog, 0)
	if err := repo.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "querying activity logs")
	}
	return logs, nil
}

func (repo *userRepository) CreateNotification(ctx context.Context, notif user.Notification) (user.Notification, error) {
	query := `
	INSERT INTO notifications (user_id, title, message, level, is_read, created_at)
	VALUES (:user_id, :title, :message, :level, :is_read, :created_at)
	RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, repo.db, query, notif)
	if err != nil {
		return user.Notification{}, pkgerrors.Wrap(err, "inserting notification")
	}
	defer rows.Close()
	if rows.Next() {
		if err = rows.Scan(&notif.ID); err != nil {
			return user.Notification{}, err
		}
	}
	return notif, nil
}

func (repo *userRepository) QueryNotifications(ctx context.Context, userID int, unreadOnly bool) ([]user.Notification, error) {
	query := `SELECT id, user_id, title, message, level, is_read, created_at FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += ` ORDER BY id DESC`

	notifs := make([]user.Notification, 0)
	if err := repo.db.SelectContext(ctx, &notifs, query, userID); err != nil {
		return nil, pkgerrors.Wrap(err, "querying notifications")
	}
	return notifs, nil
}

func (repo *userRepository) MarkNotificationRead(ctx context.Context, id, userID int) error {
	res, err := repo.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return pkgerrors.Wrap(err, "marking notification read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return user.ErrNotFound
	}
	return nil
}
