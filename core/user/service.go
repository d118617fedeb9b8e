package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/outbox"
)

var (
	// errors
	ErrNotFound           = errors.New("user not found")
	ErrEmailExists        = errors.New("a user with this email already exists")
	ErrUsernameExists     = errors.New("a user with this username already exists")
	ErrRUTExists          = errors.New("a user with this RUT already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountBlocked     = errors.New("account temporarily blocked")
	ErrAccountDeactivated = errors.New("account deactivated")
	ErrInvalidOldPassword = errors.New("current password is not correct")
	ErrNotAStudent        = errors.New("user is not a student")
	ErrNotAGuardian       = errors.New("user is not a guardian")
)

type (
	Repository interface {
		// CheckUniqueness verifies that no other user holds the given
		// username, email or rut. Empty values are skipped.
		CheckUniqueness(ctx context.Context, username, email, rut string, excludedIDs ...int) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUser(ctx context.Context, filter GetFilter) (User, error)
		// QueryUsers applies AND on the available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of
		// FirstName, LastName, Username, Email or RUT.
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		UpdateUser(ctx context.Context, usr User) (User, error)
		DeleteUsersByID(ctx context.Context, ids ...int) (int, error)

		LinkGuardian(ctx context.Context, studentID, guardianID int) error
		StudentsOfGuardian(ctx context.Context, guardianID int) ([]User, error)
		GuardiansOfStudent(ctx context.Context, studentID int) ([]User, error)

		CreateActivityLog(ctx context.Context, entry ActivityLog) (ActivityLog, error)
		QueryActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]ActivityLog, error)

		CreateNotification(ctx context.Context, notif Notification) (Notification, error)
		QueryNotifications(ctx context.Context, userID int, unreadOnly bool) ([]Notification, error)
		MarkNotificationRead(ctx context.Context, id, userID int) error
	}

	ServiceInterface interface {
		CheckUniqueness(uname, email, rut string, exclUsers ...User) error
		Create(ctx context.Context, nu NewUser) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		GetByID(ctx context.Context, id int) (User, error)
		GetByUsername(ctx context.Context, uname string) (User, error)
		GetByEmail(ctx context.Context, email string) (User, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (User, error)
		Update(ctx context.Context, id int, uu UpdateUser) (User, error)
		Delete(ctx context.Context, ids ...int) error

		Authenticate(ctx context.Context, uname, pwd, ip, userAgent string) (User, error)
		Block(ctx context.Context, id, minutes int, actor User) (User, error)
		Unblock(ctx context.Context, id int, actor User) (User, error)
		ChangePassword(ctx context.Context, usr User, oldPwd, newPwd string) error
		AdminResetPassword(ctx context.Context, id int, newPwd string, actor User) error
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetUserPassword) error

		LinkGuardian(ctx context.Context, studentID, guardianID int) error
		Students(ctx context.Context, guardianID int) ([]User, error)
		Guardians(ctx context.Context, studentID int) ([]User, error)

		Notify(ctx context.Context, notif Notification) (Notification, error)
		Notifications(ctx context.Context, userID int, unreadOnly bool) ([]Notification, error)
		MarkNotificationRead(ctx context.Context, id, userID int) error

		LogActivity(ctx context.Context, entry ActivityLog)
		ActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]ActivityLog, error)
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		queue   outbox.Enqueuer
		logger  core.Logger
		conf    *core.Config
	}
)

var _ ServiceInterface = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService, queue outbox.Enqueuer, logger core.Logger, conf *core.Config) *service {
	secretKey = []byte(conf.SecretKey)
	passwordResetTimeoutDelta = conf.PasswordResetTimeoutDelta
	return &service{
		repo:    repo,
		mailSvc: mailSvc,
		queue:   queue,
		logger:  logger,
		conf:    conf,
	}
}

func (svc *service) CheckUniqueness(uname, email, rut string, exclUsers ...User) error {
	ids := make([]int, 0, len(exclUsers))
	for _, u := range exclUsers {
		ids = append(ids, u.ID)
	}
	if err := svc.repo.CheckUniqueness(context.Background(), uname, email, rut, ids...); err != nil {
		var field string
		switch err {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		case ErrRUTExists:
			field = "rut"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := time.Now().UTC()
	usr := User{
		FirstName:      nu.FirstName,
		LastName:       nu.LastName,
		Username:       nu.Username,
		Email:          nu.Email,
		RUT:            null.NewString(nu.RUT, nu.RUT != ""),
		Role:           nu.Role,
		Phone:          nu.Phone,
		Address:        nu.Address,
		Gender:         nu.Gender,
		EnrollmentYear: nu.EnrollmentYear,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if nu.BirthDate != "" {
		bd, err := time.Parse("2006-01-02", nu.BirthDate)
		if err != nil {
			return User{}, pkgerrors.Wrap(err, "parsing birth date")
		}
		usr.BirthDate = null.TimeFrom(bd)
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, err
	}

	usr, err := svc.repo.CreateUser(ctx, usr)
	if err != nil {
		return User{}, err
	}

	// new students: welcome mail for their guardians once linked
	if usr.IsStudent() && svc.queue != nil {
		msg := outbox.Message{
			Kind:    outbox.KindGuardians,
			UserID:  null.IntFrom(usr.ID),
			Subject: "Nuevo estudiante matriculado",
			Body: fmt.Sprintf(
				"El estudiante %s ha sido registrado en el sistema de gestión escolar.\n\n"+
					"A partir de ahora podrá revisar asistencia, notas, observaciones y "+
					"comunicados oficiales a través de la plataforma.", usr.FullName()),
		}
		if err := svc.queue.Enqueue(ctx, msg); err != nil {
			svc.logger.Error("enqueueing welcome mail", err)
		}
	}
	return usr, nil
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

func (svc *service) GetByID(ctx context.Context, id int) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *service) GetByUsername(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Username: core.CleanString(uname, true /* lower */)})
}

func (svc *service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: core.CleanString(uname, true /* lower */)})
}

func (svc *service) Update(ctx context.Context, id int, uu UpdateUser) (User, error) {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}

	usr.FirstName = uu.FirstName
	usr.LastName = uu.LastName
	usr.Username = uu.Username
	usr.Email = uu.Email
	usr.RUT = null.NewString(uu.RUT, uu.RUT != "")
	if uu.Role != "" {
		usr.Role = uu.Role
	}
	if uu.Phone != nil {
		usr.Phone = *uu.Phone
	}
	if uu.Address != nil {
		usr.Address = *uu.Address
	}
	if uu.Gender != nil {
		usr.Gender = *uu.Gender
	}
	if uu.EnrollmentYear != nil {
		usr.EnrollmentYear = *uu.EnrollmentYear
	}
	if uu.BirthDate != "" {
		bd, err := time.Parse("2006-01-02", uu.BirthDate)
		if err != nil {
			return User{}, pkgerrors.Wrap(err, "parsing birth date")
		}
		usr.BirthDate = null.TimeFrom(bd)
	}
	if uu.IsActive != nil {
		usr.IsActive = *uu.IsActive
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, err
		}
	}
	usr.UpdatedAt = time.Now().UTC()

	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) Delete(ctx context.Context, ids ...int) error {
	_, err := svc.repo.DeleteUsersByID(ctx, ids...)
	return err
}

// Authenticate verifies the given credentials applying the institutional
// lockout policy: consecutive failures block the account for a while.
func (svc *service) Authenticate(ctx context.Context, uname, pwd, ip, userAgent string) (User, error) {
	usr, err := svc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		if err == ErrNotFound {
			// same response as a bad password; do not leak existence
			return User{}, ErrInvalidCredentials
		}
		return User{}, pkgerrors.Wrap(err, "finding user by username or email")
	}

	now := time.Now().UTC()
	if usr.IsTemporarilyBlocked(now) {
		return User{}, ErrAccountBlocked
	}
	if usr.IsBlocked && !usr.BlockedUntil.Valid {
		// permanent block; only an unblock lifts it
		return User{}, ErrAccountBlocked
	}

	if err := usr.CheckPassword(pwd); err != nil {
		usr.FailedAttempts++
		if usr.FailedAttempts >= svc.conf.Security.MaxLoginAttempts {
			usr.IsBlocked = true
			usr.BlockedUntil = null.TimeFrom(now.Add(svc.conf.Security.LockoutDuration))
		}
		usr.UpdatedAt = now
		if _, uerr := svc.repo.UpdateUser(ctx, usr); uerr != nil {
			svc.logger.Error("recording failed login attempt", uerr)
		}
		svc.LogActivity(ctx, ActivityLog{
			UserID:    usr.ID,
			Action:    "Intento de inicio de sesión fallido",
			IPAddress: ip,
			UserAgent: userAgent,
		})
		return User{}, ErrInvalidCredentials
	}

	if !usr.IsActive {
		return User{}, ErrAccountDeactivated
	}

	// success: reset counters, stamp last login
	usr.FailedAttempts = 0
	usr.IsBlocked = false
	usr.BlockedUntil = null.Time{}
	usr.LastLogin = null.TimeFrom(now)
	usr.LastLoginIP = ip
	usr.UpdatedAt = now
	usr, err = svc.repo.UpdateUser(ctx, usr)
	if err != nil {
		return User{}, pkgerrors.Wrap(err, "setting last login")
	}

	svc.LogActivity(ctx, ActivityLog{
		UserID:    usr.ID,
		Action:    "Inicio de sesión",
		IPAddress: ip,
		UserAgent: userAgent,
	})
	return usr, nil
}

func (svc *service) Block(ctx context.Context, id, minutes int, actor User) (User, error) {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	usr.IsBlocked = true
	if minutes > 0 {
		usr.BlockedUntil = null.TimeFrom(time.Now().UTC().Add(time.Duration(minutes) * time.Minute))
	} else {
		usr.BlockedUntil = null.Time{}
	}
	usr.UpdatedAt = time.Now().UTC()
	usr, err = svc.repo.UpdateUser(ctx, usr)
	if err != nil {
		return User{}, err
	}
	svc.LogActivity(ctx, ActivityLog{UserID: actor.ID, Action: fmt.Sprintf("Bloqueó al usuario %s", usr.Username)})
	return usr, nil
}

func (svc *service) Unblock(ctx context.Context, id int, actor User) (User, error) {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	usr.IsBlocked = false
	usr.BlockedUntil = null.Time{}
	usr.FailedAttempts = 0
	usr.UpdatedAt = time.Now().UTC()
	usr, err = svc.repo.UpdateUser(ctx, usr)
	if err != nil {
		return User{}, err
	}
	svc.LogActivity(ctx, ActivityLog{UserID: actor.ID, Action: fmt.Sprintf("Desbloqueó al usuario %s", usr.Username)})
	return usr, nil
}

func (svc *service) ChangePassword(ctx context.Context, usr User, oldPwd, newPwd string) error {
	if err := usr.CheckPassword(oldPwd); err != nil {
		return core.NewValidationError(ErrInvalidOldPassword,
			core.FieldError{Field: "old_password", Error: ErrInvalidOldPassword.Error()})
	}
	if err := usr.SetPassword(newPwd); err != nil {
		return err
	}
	usr.MustChangePassword = false
	usr.UpdatedAt = time.Now().UTC()
	if _, err := svc.repo.UpdateUser(ctx, usr); err != nil {
		return err
	}
	svc.LogActivity(ctx, ActivityLog{UserID: usr.ID, Action: "Cambió su contraseña"})
	return nil
}

// AdminResetPassword sets a new password on behalf of a user; the user must
// change it on their next login.
func (svc *service) AdminResetPassword(ctx context.Context, id int, newPwd string, actor User) error {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return err
	}
	if err := usr.SetPassword(newPwd); err != nil {
		return err
	}
	usr.MustChangePassword = true
	usr.UpdatedAt = time.Now().UTC()
	if _, err := svc.repo.UpdateUser(ctx, usr); err != nil {
		return err
	}
	svc.LogActivity(ctx, ActivityLog{
		UserID: actor.ID,
		Action: fmt.Sprintf("Reinició la contraseña del usuario %s", usr.Username),
	})
	return nil
}

func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	go svc.sendPasswordResetMail(usr)
	return nil
}

func (svc *service) sendPasswordResetMail(usr User) {
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: usr.FullName(), Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password-reset",
		TemplateData: struct {
			User  User
			UID   string
			Token string
		}{usr, EncodeUID(usr), makeToken(usr)},
	}
	svc.mailSvc.SendMessages(msg)
}

func (svc *service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	uid, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewValidationError(errInvalidToken)
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: uid})
	if err != nil {
		if err == ErrNotFound {
			return core.NewValidationError(errInvalidToken)
		}
		return err
	}
	if err := verifyToken(usr, rp.Token); err != nil {
		return core.NewValidationError(err)
	}
	if err := usr.SetPassword(rp.Password); err != nil {
		return err
	}
	usr.MustChangePassword = false
	usr.FailedAttempts = 0
	usr.IsBlocked = false
	usr.BlockedUntil = null.Time{}
	usr.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateUser(ctx, usr)
	return err
}

func (svc *service) LinkGuardian(ctx context.Context, studentID, guardianID int) error {
	student, err := svc.repo.GetUser(ctx, GetFilter{ID: studentID})
	if err != nil {
		return err
	}
	guardian, err := svc.repo.GetUser(ctx, GetFilter{ID: guardianID})
	if err != nil {
		return err
	}
	if !student.IsStudent() {
		return core.NewValidationError(ErrNotAStudent, core.FieldError{Field: "student_id", Error: ErrNotAStudent.Error()})
	}
	if !guardian.IsGuardian() {
		return core.NewValidationError(ErrNotAGuardian, core.FieldError{Field: "guardian_id", Error: ErrNotAGuardian.Error()})
	}
	return svc.repo.LinkGuardian(ctx, studentID, guardianID)
}

func (svc *service) Students(ctx context.Context, guardianID int) ([]User, error) {
	return svc.repo.StudentsOfGuardian(ctx, guardianID)
}

func (svc *service) Guardians(ctx context.Context, studentID int) ([]User, error) {
	return svc.repo.GuardiansOfStudent(ctx, studentID)
}

func (svc *service) Notify(ctx context.Context, notif Notification) (Notification, error) {
	if notif.Level == "" {
		notif.Level = NotifInfo
	}
	notif.CreatedAt = time.Now().UTC()
	return svc.repo.CreateNotification(ctx, notif)
}

func (svc *service) Notifications(ctx context.Context, userID int, unreadOnly bool) ([]Notification, error) {
	return svc.repo.QueryNotifications(ctx, userID, unreadOnly)
}

func (svc *service) MarkNotificationRead(ctx context.Context, id, userID int) error {
	return svc.repo.MarkNotificationRead(ctx, id, userID)
}

// LogActivity records an audit entry; failures are logged, never fatal.
func (svc *service) LogActivity(ctx context.Context, entry ActivityLog) {
	entry.CreatedAt = time.Now().UTC()
	if _, err := svc.repo.CreateActivityLog(ctx, entry); err != nil {
		svc.logger.Error("recording activity log", err)
	}
}

func (svc *service) ActivityLogs(ctx context.Context, filter ActivityLogFilter) ([]ActivityLog, error) {
	return svc.repo.QueryActivityLogs(ctx, filter)
}
