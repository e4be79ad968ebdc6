package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmallory/procbox/internal/model"
)

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// ErrDuplicateID is returned when creating an execution whose ID already
// exists. The allocator draws from a small numeric space, so callers are
// expected to retry with a fresh ID.
var ErrDuplicateID = errors.New("duplicate execution id")

// ErrTerminal is returned when a write targets an execution that has already
// reached a terminal status.
var ErrTerminal = errors.New("execution already in terminal state")

// ExecutionUpdate is a partial update: only non-nil fields are applied.
type ExecutionUpdate struct {
	Status        *string
	ExitCode      *int
	Stdout        *string
	Stderr        *string
	StdoutEncoded *bool
	StderrEncoded *bool
}

// Store defines the persistence operations for execution records.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) error
	AppendStream(ctx context.Context, id, channel string, chunk []byte) error
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	Close() error
}
