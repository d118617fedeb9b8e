package user_test

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/user"
	emailsvc "github.com/ncastellan/escolar/services/email"
	logsvc "github.com/ncastellan/escolar/services/logger"
	inmemdb "github.com/ncastellan/escolar/storage/database/inmem"
)

const testPassword = "LolC@t123"

func newUserService(t *testing.T) (user.ServiceInterface, *core.Config) {
	t.Helper()

	conf := core.NewConfig()
	conf.Debug = false
	conf.TestMode = true

	db := inmemdb.NewDB()
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags), conf)
	logger.Enable(false)
	svc := user.NewServiceMock(
		inmemdb.NewUserRepository(db),
		emailsvc.NewConsoleServiceMock(conf),
		outbox.NewQueue(inmemdb.NewOutboxRepository(db)),
		logger,
		conf,
	)
	return svc, conf
}

func newTestUser(t *testing.T, svc user.ServiceInterface, uname, role string) user.User {
	t.Helper()
	usr, err := svc.Create(context.Background(), user.NewUser{
		FirstName:       "Pedro",
		LastName:        "Soto",
		Username:        uname,
		Email:           uname + "@escolar.cl",
		Role:            role,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	})
	require.NoError(t, err)
	return usr
}

func TestService_Authenticate(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	// unknown user and bad password look the same
	_, err := svc.Authenticate(ctx, "ghost", testPassword, "", "")
	assert.Equal(t, user.ErrInvalidCredentials, err)
	_, err = svc.Authenticate(ctx, usr.Username, "wrong", "", "")
	assert.Equal(t, user.ErrInvalidCredentials, err)

	got, err := svc.Authenticate(ctx, usr.Username, testPassword, "10.0.0.7", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, usr.ID, got.ID)
	assert.True(t, got.LastLogin.Valid)
	assert.Equal(t, "10.0.0.7", got.LastLoginIP)

	// email works as the login identifier too
	_, err = svc.Authenticate(ctx, usr.Email, testPassword, "", "")
	assert.NoError(t, err)
}

func TestService_Authenticate_lockout(t *testing.T) {
	svc, conf := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	for i := 0; i < conf.Security.MaxLoginAttempts; i++ {
		_, err := svc.Authenticate(ctx, usr.Username, "wrong", "", "")
		assert.Equal(t, user.ErrInvalidCredentials, err)
	}

	// blocked even with the right password
	_, err := svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	assert.Equal(t, user.ErrAccountBlocked, err)

	// an explicit unblock lifts it and resets the counter
	admin := newTestUser(t, svc, "admin", user.RoleAdmin)
	_, err = svc.Unblock(ctx, usr.ID, admin)
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.False(t, got.IsBlocked)
}

func TestService_Authenticate_failureResetOnSuccess(t *testing.T) {
	svc, conf := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	for i := 0; i < conf.Security.MaxLoginAttempts-1; i++ {
		_, err := svc.Authenticate(ctx, usr.Username, "wrong", "", "")
		assert.Equal(t, user.ErrInvalidCredentials, err)
	}
	got, err := svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)

	// the slate is clean: a single failure does not block again
	_, err = svc.Authenticate(ctx, usr.Username, "wrong", "", "")
	assert.Equal(t, user.ErrInvalidCredentials, err)
	_, err = svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	assert.NoError(t, err)
}

func TestService_Authenticate_deactivated(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	inactive := false
	_, err := svc.Update(ctx, usr.ID, user.UpdateUser{
		FirstName: usr.FirstName,
		LastName:  usr.LastName,
		Username:  usr.Username,
		Email:     usr.Email,
		IsActive:  &inactive,
	})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	assert.Equal(t, user.ErrAccountDeactivated, err)
}

func TestService_ChangePassword(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	err := svc.ChangePassword(ctx, usr, "wrong", "NewC@t456")
	assert.EqualError(t, err, user.ErrInvalidOldPassword.Error())

	require.NoError(t, svc.ChangePassword(ctx, usr, testPassword, "NewC@t456"))

	_, err = svc.Authenticate(ctx, usr.Username, testPassword, "", "")
	assert.Equal(t, user.ErrInvalidCredentials, err)
	_, err = svc.Authenticate(ctx, usr.Username, "NewC@t456", "", "")
	assert.NoError(t, err)
}

func TestService_AdminResetPassword(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)
	admin := newTestUser(t, svc, "admin", user.RoleAdmin)

	require.NoError(t, svc.AdminResetPassword(ctx, usr.ID, "NewC@t456", admin))

	got, err := svc.GetByID(ctx, usr.ID)
	require.NoError(t, err)
	assert.True(t, got.MustChangePassword)
	assert.NoError(t, got.CheckPassword("NewC@t456"))
}

func TestService_CheckUniqueness(t *testing.T) {
	svc, _ := newUserService(t)
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	err := svc.CheckUniqueness(usr.Username, "other@escolar.cl", "")
	assert.EqualError(t, err, user.ErrUsernameExists.Error())

	err = svc.CheckUniqueness("other", usr.Email, "")
	assert.EqualError(t, err, user.ErrEmailExists.Error())

	// the user itself is excluded on update
	assert.NoError(t, svc.CheckUniqueness(usr.Username, usr.Email, "", usr))
	assert.NoError(t, svc.CheckUniqueness("other", "other@escolar.cl", ""))
}

func TestService_GuardianLinks(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	student := newTestUser(t, svc, "psoto", user.RoleStudent)
	guardian := newTestUser(t, svc, "gsoto", user.RoleGuardian)
	teacher := newTestUser(t, svc, "tpinto", user.RoleTeacher)

	err := svc.LinkGuardian(ctx, teacher.ID, guardian.ID)
	assert.EqualError(t, err, user.ErrNotAStudent.Error())

	err = svc.LinkGuardian(ctx, student.ID, teacher.ID)
	assert.EqualError(t, err, user.ErrNotAGuardian.Error())

	require.NoError(t, svc.LinkGuardian(ctx, student.ID, guardian.ID))

	students, err := svc.Students(ctx, guardian.ID)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, student.ID, students[0].ID)

	guardians, err := svc.Guardians(ctx, student.ID)
	require.NoError(t, err)
	require.Len(t, guardians, 1)
	assert.Equal(t, guardian.ID, guardians[0].ID)
}

func TestService_Notifications(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()
	usr := newTestUser(t, svc, "psoto", user.RoleStudent)

	notif, err := svc.Notify(ctx, user.Notification{UserID: usr.ID, Title: "Reunión", Message: "Viernes a las 18:00"})
	require.NoError(t, err)
	assert.Equal(t, user.NotifInfo, notif.Level)

	unread, err := svc.Notifications(ctx, usr.ID, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, svc.MarkNotificationRead(ctx, notif.ID, usr.ID))

	unread, err = svc.Notifications(ctx, usr.ID, true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
