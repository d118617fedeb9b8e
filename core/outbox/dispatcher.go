package outbox

import (
	"context"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/ncastellan/escolar/core"
)

// Dispatcher drains the outbox in the background. It polls pending messages,
// resolves their recipients, hands them to the mail service and records the
// outcome. Messages keep being retried on later polls until they hit the
// attempt limit.
type Dispatcher struct {
	repo     Repository
	resolver RecipientResolver
	mailSvc  core.EmailService
	logger   core.Logger

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
}

func NewDispatcher(
	repo Repository,
	resolver RecipientResolver,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *Dispatcher {
	return &Dispatcher{
		repo:         repo,
		resolver:     resolver,
		mailSvc:      mailSvc,
		logger:       logger,
		pollInterval: conf.Outbox.PollInterval,
		batchSize:    conf.Outbox.BatchSize,
		maxAttempts:  conf.Outbox.MaxAttempts,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchPending(ctx)
		}
	}
}

// DispatchPending processes one batch of pending messages.
func (d *Dispatcher) DispatchPending(ctx context.Context) {
	msgs, err := d.repo.GetPendingMessages(ctx, d.batchSize, d.maxAttempts)
	if err != nil {
		d.logger.Error("fetching pending messages", err)
		return
	}
	for _, msg := range msgs {
		if err := d.dispatch(ctx, msg); err != nil {
			d.logger.Error("dispatching message", "id", msg.ID, "err", err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) error {
	recipients, err := d.resolver.ResolveRecipients(ctx, msg)
	if err != nil {
		msg.Attempts++
		msg.LastError = null.StringFrom(err.Error())
		_, uerr := d.repo.UpdateMessage(ctx, msg)
		if uerr != nil {
			return uerr
		}
		return err
	}

	now := time.Now().UTC()
	if len(recipients) == 0 {
		// nobody to notify; done, not an error
		msg.Sent = true
		msg.SentAt = null.TimeFrom(now)
		_, err = d.repo.UpdateMessage(ctx, msg)
		return err
	}

	email := &core.EmailMessage{
		To:      recipients,
		Subject: msg.Subject,
		BodyStr: msg.Body,
	}
	if msg.TemplateName.Valid {
		email.BodyStr = ""
		email.TemplateName = msg.TemplateName.String
		email.TemplateData = msg
	}
	msg.Attempts++
	if sendErr := d.mailSvc.SendMessage(email); sendErr != nil {
		// leave the message pending so a later poll retries it
		msg.LastError = null.StringFrom(sendErr.Error())
		_, uerr := d.repo.UpdateMessage(ctx, msg)
		if uerr != nil {
			return uerr
		}
		return sendErr
	}

	msg.Sent = true
	msg.SentAt = null.TimeFrom(now)
	msg.LastError = null.String{}
	_, err = d.repo.UpdateMessage(ctx, msg)
	return err
}
