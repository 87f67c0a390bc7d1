package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// MailKind selects the templated message a Mailer sends.
type MailKind string

const (
	MailVerificationCode MailKind = "UVCODE"
	MailTestStart        MailKind = "TESTSTART"
	MailApprove          MailKind = "APPROVE"
	MailReject           MailKind = "REJECT"
	MailResult           MailKind = "RESULT"
	MailResetPassword    MailKind = "RESETPASSWORD"
)

// Mailer delivers templated messages out-of-band. The SMTP gateway lives
// behind this seam.
type Mailer interface {
	Send(ctx context.Context, recipient string, kind MailKind, payload map[string]string) error
}

// dispatchItem is one unit of work for the dispatcher worker.
type dispatchItem struct {
	notification *models.Notification
	recipient    string
	mailKind     MailKind
	payload      map[string]string
}

// Dispatcher persists notification feed entries and delivers the matching
// mail asynchronously. A single worker drains a bounded queue; a full queue
// drops the delivery with a warning rather than blocking callers.
type Dispatcher struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	mailer      Mailer
	logger      logging.Logger

	queue chan dispatchItem
	done  chan struct{}
}

// NewDispatcher builds a dispatcher with the given queue capacity.
func NewDispatcher(db *sql.DB, m repomanager.RepositoryManager, mailer Mailer, logger logging.Logger, queueSize int) *Dispatcher {
	return &Dispatcher{
		db:          db,
		repomanager: m,
		mailer:      mailer,
		logger:      logger.With("module", "dispatcher"),
		queue:       make(chan dispatchItem, queueSize),
		done:        make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled, then exits. Call it in its
// own goroutine; Wait blocks until it has finished.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.process(ctx, item)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) process(ctx context.Context, item dispatchItem) {
	if item.notification != nil {
		repo := d.repomanager.Notifications(d.db)
		if _, err := repo.Create(ctx, item.notification); err != nil {
			d.logger.Error(ctx, "error persisting notification",
				"user_id", item.notification.UserID, "error", err)
		}
	}
	if item.recipient == "" {
		return
	}
	if err := d.mailer.Send(ctx, item.recipient, item.mailKind, item.payload); err != nil {
		d.logger.Error(ctx, "error sending mail", "kind", item.mailKind, "error", err)
		return
	}
	d.logger.Info(ctx, "mail sent", "kind", item.mailKind)
}

// enqueue hands an item to the worker without blocking.
func (d *Dispatcher) enqueue(ctx context.Context, item dispatchItem) {
	select {
	case d.queue <- item:
	default:
		d.logger.Warn(ctx, "dispatch queue full, dropping item", "kind", item.mailKind)
	}
}

// Notify files a feed entry for the user and optionally mails them.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification, recipient string, kind MailKind, payload map[string]string) {
	d.enqueue(ctx, dispatchItem{notification: n, recipient: recipient, mailKind: kind, payload: payload})
}

// Mail sends a templated message without filing a feed entry.
func (d *Dispatcher) Mail(ctx context.Context, recipient string, kind MailKind, payload map[string]string) {
	d.enqueue(ctx, dispatchItem{recipient: recipient, mailKind: kind, payload: payload})
}

// NotifyBreach files a Critical issue on the admin feed. Breaches never
// carry mail; the feed entry alone drives the admin UI.
func (d *Dispatcher) NotifyBreach(ctx context.Context, detail string) {
	admin, err := d.repomanager.Users(d.db).GetAdmin(ctx)
	if err != nil {
		d.logger.Error(ctx, "error locating admin for breach notification", "error", err)
		return
	}
	d.enqueue(ctx, dispatchItem{notification: &models.Notification{
		UserID:   admin.ID,
		Kind:     models.NotificationIssue,
		Severity: models.SeverityCritical,
		Title:    "Security Breach",
		Detail:   detail,
		Notify:   true,
	}})
}

// LogMailer is the development Mailer: it logs instead of sending.
type LogMailer struct {
	Logger logging.Logger
}

func (m *LogMailer) Send(ctx context.Context, recipient string, kind MailKind, payload map[string]string) error {
	m.Logger.Info(ctx, "mail (log only)", "recipient", recipient, "kind", string(kind),
		"payload", fmt.Sprintf("%v", payload))
	return nil
}
