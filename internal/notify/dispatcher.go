// Package notify delivers fire-and-forget domain events. Delivery
// failures are logged and never roll back the state transition that
// produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Event types emitted by the governance engines.
const (
	EventDisputeResolved   = "dispute.resolved"
	EventLoanStatusChanged = "loan.status_changed"
	EventValidationCode    = "bankval.code"
)

// Event is a notification payload.
type Event struct {
	Type       string         `json:"type"`
	CaixinhaID string         `json:"caixinhaId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Subject    string         `json:"subject"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	At         time.Time      `json:"at"`
}

// Dispatcher fans events out to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// TaskTypeDispatch is the asynq task type carrying notification events.
const TaskTypeDispatch = "notify:dispatch"

// AsynqDispatcher enqueues events for the background worker.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqDispatcher constructs an AsynqDispatcher.
func NewAsynqDispatcher(client *asynq.Client, logger *slog.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, logger: logger}
}

// Dispatch enqueues the event. Failures are logged only.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil || d.client == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("notify marshal event", slog.Any("error", err))
		}
		return
	}
	task := asynq.NewTask(TaskTypeDispatch, payload)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil && d.logger != nil {
		d.logger.Error("notify enqueue", slog.String("type", event.Type), slog.Any("error", err))
	}
}

// LogDispatcher writes events to the logger. Used when no queue is
// configured and as the worker-side terminal delivery.
type LogDispatcher struct {
	Logger *slog.Logger
}

// Dispatch logs the event.
func (d LogDispatcher) Dispatch(_ context.Context, event Event) {
	if d.Logger == nil {
		return
	}
	d.Logger.Info("notification",
		slog.String("type", event.Type),
		slog.String("caixinha", event.CaixinhaID),
		slog.String("user", event.UserID),
		slog.String("subject", event.Subject),
		slog.String("message", event.Message),
	)
}

var brl = message.NewPrinter(language.BrazilianPortuguese)

// FormatAmount renders a monetary amount the way members see it.
func FormatAmount(valor float64) string {
	return brl.Sprintf("R$ %.2f", valor)
}
