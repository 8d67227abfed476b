// Package persistence stores targets, jobs and execution history.
//
// Two implementations are provided: MemStore, optionally mirrored to a JSON
// snapshot file, and MongoStore. Both enforce the same referential rules:
// a job needs an existing target, an execution needs an existing job,
// deleting a target removes its jobs and deleting a job removes its
// executions.
package persistence

import (
	"context"
	"errors"

	dm "github.com/andrej220/tsubame/pkg/shared-models"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Store interface {
	GetTarget(ctx context.Context, id int64) (*dm.Target, error)
	PutTarget(ctx context.Context, t *dm.Target) error
	DeleteTarget(ctx context.Context, id int64) error

	GetJob(ctx context.Context, id int64) (*dm.Job, error)
	PutJob(ctx context.Context, j *dm.Job) error
	DeleteJob(ctx context.Context, id int64) error

	CreateExecution(ctx context.Context, e *dm.Execution) error
	UpdateExecution(ctx context.Context, e *dm.Execution) error
	GetExecution(ctx context.Context, id string) (*dm.Execution, error)
	ListExecutions(ctx context.Context, f dm.ExecutionFilter) ([]*dm.Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	Close(ctx context.Context) error
}

// normalizeFilter clamps limit and offset to the supported range.
func normalizeFilter(f dm.ExecutionFilter) dm.ExecutionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
