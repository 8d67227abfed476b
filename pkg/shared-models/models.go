// Package datamodels holds the records and wire messages shared by the
// orchestrator, the stores and the transports.
package datamodels

import (
	"time"
)

type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is an edge of the state machine.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// Target is a registered remote machine. Exactly one of PasswordEncrypted
// and PrivateKeyEncrypted is set, matching AuthMode.
type Target struct {
	ID                  int64     `json:"id" bson:"_id"`
	Name                string    `json:"name" bson:"name"`
	Description         string    `json:"description,omitempty" bson:"description,omitempty"`
	Host                string    `json:"host" bson:"host" validate:"required,hostname_rfc1123|ip"`
	Port                int       `json:"port" bson:"port" validate:"min=1,max=65535"`
	Username            string    `json:"username" bson:"username" validate:"required"`
	AuthMode            AuthMode  `json:"auth_method" bson:"auth_method" validate:"oneof=password key"`
	PasswordEncrypted   string    `json:"password_encrypted,omitempty" bson:"password_encrypted,omitempty" validate:"required_if=AuthMode password,excluded_if=AuthMode key"`
	PrivateKeyEncrypted string    `json:"private_key_encrypted,omitempty" bson:"private_key_encrypted,omitempty" validate:"required_if=AuthMode key,excluded_if=AuthMode password"`
	CreatedAt           time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// Job is a named script bound to one Target.
type Job struct {
	ID          int64     `json:"id" bson:"_id"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	Script      string    `json:"script" bson:"script"`
	TargetID    int64     `json:"server_id" bson:"server_id"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// Execution is one run of a Job.
type Execution struct {
	ID           string     `json:"id" bson:"_id"`
	JobID        int64      `json:"job_id" bson:"job_id"`
	Status       Status     `json:"status" bson:"status"`
	ExitCode     *int       `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Stdout       *string    `json:"stdout,omitempty" bson:"stdout,omitempty"`
	Stderr       *string    `json:"stderr,omitempty" bson:"stderr,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// Duration returns the wall time between start and finish, or zero and
// false while either is unset.
func (e *Execution) Duration() (time.Duration, bool) {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0, false
	}
	return e.FinishedAt.Sub(*e.StartedAt), true
}

// Clone returns a deep copy so callers can hand out snapshots.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.ExitCode = clonePtr(e.ExitCode)
	c.Stdout = clonePtr(e.Stdout)
	c.Stderr = clonePtr(e.Stderr)
	c.ErrorMessage = clonePtr(e.ErrorMessage)
	c.StartedAt = clonePtr(e.StartedAt)
	c.FinishedAt = clonePtr(e.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RunRequest asks for one run of a job. It is the Kafka trigger payload and
// the body of POST /executions.
type RunRequest struct {
	JobID int64 `json:"job_id" validate:"required,gt=0"`
}

// ProbeRequest carries plaintext connection parameters for a connectivity
// check.
type ProbeRequest struct {
	Host       string   `json:"host" validate:"required"`
	Port       int      `json:"port" validate:"min=1,max=65535"`
	Username   string   `json:"username" validate:"required"`
	AuthMode   AuthMode `json:"auth_method" validate:"oneof=password key"`
	Password   string   `json:"password,omitempty"`
	PrivateKey string   `json:"private_key,omitempty"`
}

type ProbeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ExecutionEvent is published after every persisted status transition.
type ExecutionEvent struct {
	ExecutionID string    `json:"execution_id"`
	JobID       int64     `json:"job_id"`
	Status      Status    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	At          time.Time `json:"at"`
}

// ExecutionFilter selects executions for listing, newest first.
type ExecutionFilter struct {
	JobID  int64
	Limit  int
	Offset int
}
