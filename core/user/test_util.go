package user

import (
	"context"
	"time"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/outbox"
)

// MakeToken exposes password reset token generation to tests.
func MakeToken(usr User) string { return makeToken(usr) }

// SetNowFunc overrides the token clock; tests must reset it with nil.
func SetNowFunc(f func() time.Time) {
	if f == nil {
		f = time.Now
	}
	nowFunc = f
}

type serviceMock struct {
	service
}

func NewServiceMock(repo Repository, mailSvc core.EmailService, queue outbox.Enqueuer, logger core.Logger, conf *core.Config) ServiceInterface {
	svc := NewService(repo, mailSvc, queue, logger, conf)
	return &serviceMock{service: *svc}
}

func (svc *serviceMock) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	// run synchronously
	svc.sendPasswordResetMail(usr)
	return nil
}
