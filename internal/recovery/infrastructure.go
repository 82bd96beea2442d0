// Package recovery provides recovery steps for the durable delivery
// infrastructure: the outbox sender and the job runner.
package recovery

import (
	"context"
	"fmt"

	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// OutboxRecovery requeues outbox messages a dying process left in the
// sending state so they are retried instead of lost.
type OutboxRecovery struct {
	sender *store.OutboxSender
}

// NewOutboxRecovery creates an outbox recovery step.
func NewOutboxRecovery(sender *store.OutboxSender) *OutboxRecovery {
	return &OutboxRecovery{sender: sender}
}

// Name identifies the component in logs.
func (r *OutboxRecovery) Name() string {
	return "outbox"
}

// Recover requeues stale sending messages.
func (r *OutboxRecovery) Recover(ctx context.Context) error {
	if err := r.sender.RecoverStaleMessages(); err != nil {
		return fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	return nil
}

// JobRecovery requeues durable jobs a dying process left in the running
// state.
type JobRecovery struct {
	runner *store.JobRunner
}

// NewJobRecovery creates a job recovery step.
func NewJobRecovery(runner *store.JobRunner) *JobRecovery {
	return &JobRecovery{runner: runner}
}

// Name identifies the component in logs.
func (r *JobRecovery) Name() string {
	return "jobs"
}

// Recover requeues stale running jobs.
func (r *JobRecovery) Recover(ctx context.Context) error {
	if err := r.runner.RecoverStaleJobs(); err != nil {
		return fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return nil
}
