package job

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no job has the given id
	ErrNotFound = errors.New("job not found")

	// ErrStatusConflict is returned when a status change violates the job lifecycle
	ErrStatusConflict = errors.New("job status conflict")
)

// Store defines the persistence operations for campaign jobs.
// Every mutation is applied to a single record atomically.
type Store interface {
	// List returns jobs in creation order
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Get retrieves a job by ID, returning ErrNotFound if missing
	Get(ctx context.Context, id string) (*Job, error)

	// Append stores a new job
	Append(ctx context.Context, job *Job) error

	// Replace overwrites a job that has not reached a terminal status
	Replace(ctx context.Context, job *Job) error

	// SetStatus moves a job to status if the lifecycle allows it
	SetStatus(ctx context.Context, id string, status Status) (*Job, error)

	// Update applies fn to the stored job and persists the result in one transaction.
	// The lifecycle is not enforced here; fn decides whether the change is allowed.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// Transition moves a job from one status to another, failing with
	// ErrStatusConflict if the stored status differs from from
	Transition(ctx context.Context, id string, from, to Status) (*Job, error)

	// Scheduled returns scheduled jobs ordered by activation time
	Scheduled(ctx context.Context) ([]*Job, error)

	// Stats returns job counts by status
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the storage connection
	Close() error
}
