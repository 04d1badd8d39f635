package compute

import (
	"context"

	"container-job-runner/internal/models"
)

// Provider creates, observes and removes short-lived remote container jobs.
type Provider interface {
	Create(ctx context.Context, spec models.JobSpec) error
	Status(ctx context.Context, name string) (models.JobStatus, error)
	Logs(ctx context.Context, name string, tail int) (string, error)
	Delete(ctx context.Context, name string) error
}
