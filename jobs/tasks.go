// Package jobs hosts the background worker: notification delivery, the
// dispute expiry sweep and the installment reminder sweep.
package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDisputesExpire closes disputes whose voting window passed.
	TaskDisputesExpire = "disputes:expire"
	// TaskDisputesRedrive replays resolution side effects that failed
	// after the deciding vote landed.
	TaskDisputesRedrive = "disputes:redrive"
	// TaskLoansRemindDue notifies borrowers about installments coming due.
	TaskLoansRemindDue = "loans:remind_due"
)

// NewDisputesExpireTask builds the expiry sweep task.
func NewDisputesExpireTask() *asynq.Task {
	return asynq.NewTask(TaskDisputesExpire, nil)
}

// NewDisputesRedriveTask builds the outcome redrive task.
func NewDisputesRedriveTask() *asynq.Task {
	return asynq.NewTask(TaskDisputesRedrive, nil)
}

// NewLoansRemindDueTask builds the reminder sweep task.
func NewLoansRemindDueTask() *asynq.Task {
	return asynq.NewTask(TaskLoansRemindDue, nil)
}
