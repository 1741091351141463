// Package notifications turns approval requests into messages and hands them
// to a delivery gateway at most once per (event, approver).
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/metrics"
)

const (
	approvalSubject  = "New Approval Requested"
	defaultLedgerTTL = 72 * time.Hour
	defaultRemindTTL = time.Hour
	releaseTimeout   = 5 * time.Second
)

var ErrNoRecipient = errors.New("approver has no contact address")

// Gateway delivers one message. Implementations own transport concerns.
type Gateway interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// Dispatcher implements events.Notifier on top of a Gateway.
type Dispatcher struct {
	gateway Gateway
	ledger  Ledger
	limiter *rate.Limiter
	ttl     time.Duration
	remind  time.Duration
	logger  zerolog.Logger
}

var _ events.Notifier = (*Dispatcher)(nil)

type DispatcherOption func(*Dispatcher)

func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With().Str("component", "notifications").Logger()
	}
}

// WithRateLimit paces gateway calls to perSecond with the given burst.
// Zero or negative perSecond disables pacing.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLedgerTTL sets how long a sent notification suppresses repeats.
func WithLedgerTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithReminderTTL sets how long a sent reminder suppresses further reminders.
func WithReminderTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.remind = ttl
		}
	}
}

func NewDispatcher(gateway Gateway, ledger Ledger, opts ...DispatcherOption) *Dispatcher {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	d := &Dispatcher{
		gateway: gateway,
		ledger:  ledger,
		ttl:     defaultLedgerTTL,
		remind:  defaultRemindTTL,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyApprover sends the approval request unless it was already sent.
// Reminders are tracked under their own key and TTL. A failed send releases
// the ledger entry so a retry can deliver it.
func (d *Dispatcher) NotifyApprover(ctx context.Context, notice events.ApprovalNotice) error {
	recipient := strings.TrimSpace(notice.Recipient)
	if recipient == "" {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		return fmt.Errorf("notify %s: %w", notice.ApproverID, ErrNoRecipient)
	}

	key, ttl := LedgerKey(notice.EventID, notice.ApproverID), d.ttl
	if notice.Reminder {
		key, ttl = ReminderKey(notice.EventID, notice.ApproverID), d.remind
	}
	reserved, err := d.ledger.Reserve(ctx, key, ttl)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify %s: %w", notice.ApproverID, err)
	}
	if !reserved {
		metrics.NotificationsTotal.WithLabelValues("duplicate").Inc()
		d.logger.Debug().
			Str("event_id", notice.EventID).
			Str("approver_id", notice.ApproverID).
			Bool("reminder", notice.Reminder).
			Msg("approval notification already sent")
		return nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.release(ctx, key)
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("notify %s: %w", notice.ApproverID, err)
		}
	}

	subject, body := RenderApprovalRequest(notice)
	if err := d.gateway.Notify(ctx, recipient, subject, body); err != nil {
		d.release(ctx, key)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify %s: %w", notice.ApproverID, err)
	}

	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	d.logger.Info().
		Str("event_id", notice.EventID).
		Str("approver_id", notice.ApproverID).
		Bool("reminder", notice.Reminder).
		Msg("approval notification sent")
	return nil
}

func (d *Dispatcher) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.ledger.Release(ctx, key); err != nil {
		d.logger.Error().Err(err).Str("key", key).Msg("failed to release notification ledger entry")
	}
}

// RenderApprovalRequest builds the subject and plain-text body.
func RenderApprovalRequest(notice events.ApprovalNotice) (string, string) {
	greeting := "Hello"
	if name := strings.TrimSpace(notice.ApproverName); name != "" {
		greeting = "Hello " + name
	}
	body := fmt.Sprintf("%s,\n\nYou have received a new approval request for the following:\n\nEvent: %s\nClub: %s\n",
		greeting, notice.EventName, notice.OwnerName)
	return approvalSubject, body
}
