// Package notify fans a backup failure out to every configured channel. A
// channel that fails is logged and skipped; Notify itself never fails.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vault-db-backup/internal/backup"
	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// Failure is what gets reported.
type Failure struct {
	AttemptID  string
	Target     string
	Stage      backup.Stage
	Err        error
	OccurredAt time.Time
}

// Trace renders the full error chain of the failure.
func (f Failure) Trace() string {
	if f.Err == nil {
		return "unknown error"
	}
	return apperrors.Trace(f.Err)
}

// Channel delivers a failure to one destination.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, f Failure) error
}

// Outcome is the delivery result of one channel.
type Outcome struct {
	Channel string
	Err     error
}

// Report summarizes a fan-out.
type Report struct {
	Attempted []string
	Succeeded []string
	Failed    []Outcome
}

// Delivered reports whether at least one channel succeeded.
func (r *Report) Delivered() bool {
	return len(r.Succeeded) > 0
}

// Notifier dispatches failures to channels concurrently.
type Notifier struct {
	logger  *logging.Logger
	timeout time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeout bounds each channel's delivery.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewNotifier creates a notifier with a 30s per-channel timeout.
func NewNotifier(logger *logging.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		logger:  logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = logging.NewDefaultLogger()
	}
	return n
}

// Notify attempts delivery on every enabled channel and waits for all of
// them. Delivery errors and panics are logged and recorded in the report.
func (n *Notifier) Notify(ctx context.Context, f Failure, channels []Channel) Report {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now().UTC()
	}

	var (
		mu     sync.Mutex
		report Report
	)

	// Channels never return errors to the group so one failure cannot
	// cancel the others.
	var g errgroup.Group
	for _, ch := range channels {
		if ch == nil || !ch.Enabled() {
			continue
		}
		ch := ch
		report.Attempted = append(report.Attempted, ch.Name())

		g.Go(func() error {
			err := n.send(ctx, ch, f)
			n.logger.LogNotification(ch.Name(), err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, Outcome{Channel: ch.Name(), Err: err})
			} else {
				report.Succeeded = append(report.Succeeded, ch.Name())
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(report.Succeeded)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Channel < report.Failed[j].Channel })

	if len(report.Attempted) == 0 {
		n.logger.Warn("No notification channels configured; failure was only logged")
	}
	return report
}

func (n *Notifier) send(ctx context.Context, ch Channel, f Failure) (err error) {
	// Delivery runs even when the attempt context was cancelled.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewNotificationDeliveryError(
				fmt.Sprintf("%s channel panicked", ch.Name()),
				fmt.Errorf("%v", r),
			).WithContext("channel", ch.Name())
		}
	}()

	if sendErr := ch.Send(sendCtx, f); sendErr != nil {
		return apperrors.NewNotificationDeliveryError(
			fmt.Sprintf("%s delivery failed", ch.Name()),
			sendErr,
		).WithContext("channel", ch.Name())
	}
	return nil
}
