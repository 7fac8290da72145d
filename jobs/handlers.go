package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caixahub/caixahub/internal/dispute"
	"github.com/caixahub/caixahub/internal/loan"
	"github.com/caixahub/caixahub/internal/notify"
	"github.com/caixahub/caixahub/internal/observability"
)

// NewNotifyDispatchHandler delivers queued notification events. The
// log dispatcher is the terminal delivery; a push or e-mail channel
// would slot in here.
func NewNotifyDispatchHandler(logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	terminal := notify.LogDispatcher{Logger: logger}
	return func(ctx context.Context, t *asynq.Task) error {
		done := metrics.TrackJob(notify.TaskTypeDispatch)
		var event notify.Event
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			done(err)
			return asynq.SkipRetry
		}
		terminal.Dispatch(ctx, event)
		done(nil)
		return nil
	}
}

// NewDisputesExpireHandler runs the dispute expiry sweep.
func NewDisputesExpireHandler(svc *dispute.Service, logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		done := metrics.TrackJob(TaskDisputesExpire)
		expired, err := svc.ExpireDue(ctx)
		done(err)
		if err != nil {
			return err
		}
		if expired > 0 && logger != nil {
			logger.Info("disputes expired", slog.Int("count", expired))
		}
		return nil
	}
}

// NewDisputesRedriveHandler replays resolution side effects that were
// lost between the deciding vote and the applier.
func NewDisputesRedriveHandler(svc *dispute.Service, logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		done := metrics.TrackJob(TaskDisputesRedrive)
		applied, err := svc.ApplyPendingOutcomes(ctx)
		done(err)
		if err != nil {
			return err
		}
		if applied > 0 && logger != nil {
			logger.Info("dispute outcomes redriven", slog.Int("count", applied))
		}
		return nil
	}
}

// NewLoansRemindDueHandler runs the installment reminder sweep.
func NewLoansRemindDueHandler(svc *loan.Service, window time.Duration, logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		done := metrics.TrackJob(TaskLoansRemindDue)
		sent, err := svc.RemindDue(ctx, window)
		done(err)
		if err != nil {
			return err
		}
		if sent > 0 && logger != nil {
			logger.Info("installment reminders sent", slog.Int("count", sent))
		}
		return nil
	}
}
