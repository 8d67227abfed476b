// Package orchestrator drives a job through one execution: it owns the
// execution record from creation to its terminal commit and is the only
// place where failures are turned into persisted status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultExecTimeout = 300 * time.Second
	DefaultCancelWait  = 10 * time.Second

	cancelMessage = "cancelled by operator"
)

var (
	ErrJobNotFound       = fmt.Errorf("job %w", persistence.ErrNotFound)
	ErrTargetNotFound    = fmt.Errorf("target %w", persistence.ErrNotFound)
	ErrExecutionNotFound = fmt.Errorf("execution %w", persistence.ErrNotFound)

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPersist           = errors.New("failed to persist execution")

	// ErrCancelled is the cancellation cause attached to a run's context
	// when an operator cancels it.
	ErrCancelled = errors.New(cancelMessage)
)

// Store is the part of persistence the orchestrator needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*dm.Job, error)
	GetTarget(ctx context.Context, id int64) (*dm.Target, error)
	CreateExecution(ctx context.Context, e *dm.Execution) error
	UpdateExecution(ctx context.Context, e *dm.Execution) error
	GetExecution(ctx context.Context, id string) (*dm.Execution, error)
}

type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Notifier receives an event after every persisted transition.
type Notifier interface {
	Publish(ctx context.Context, ev dm.ExecutionEvent) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, dm.ExecutionEvent) error { return nil }

type Option func(*Orchestrator)

func WithExecTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.execTimeout = d } }
func WithCancelWait(d time.Duration) Option  { return func(o *Orchestrator) { o.cancelWait = d } }
func WithLogger(l lg.Logger) Option          { return func(o *Orchestrator) { o.logger = l } }
func WithNotifier(n Notifier) Option         { return func(o *Orchestrator) { o.notifier = n } }
func WithClock(now func() time.Time) Option  { return func(o *Orchestrator) { o.now = now } }
func WithIDGenerator(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }

type Orchestrator struct {
	store    Store
	exec     executor.Executor
	cipher   Decrypter
	notifier Notifier
	logger   lg.Logger
	validate *validator.Validate

	execTimeout time.Duration
	cancelWait  time.Duration
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	inflight map[string]*run
	wg       sync.WaitGroup
}

// run is one in-flight execution.
type run struct {
	job    *dm.Job
	target *dm.Target
	ex     *dm.Execution
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	logger lg.Logger
}

func New(store Store, exec executor.Executor, cipher Decrypter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		exec:        exec,
		cipher:      cipher,
		notifier:    nopNotifier{},
		logger:      lg.Discard,
		validate:    validator.New(),
		execTimeout: DefaultExecTimeout,
		cancelWait:  DefaultCancelWait,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		inflight:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes job jobID and returns the terminal execution. Only failures
// before the execution record exists are returned as errors, plus
// ErrPersist when the terminal state could not be saved.
func (o *Orchestrator) Run(ctx context.Context, jobID int64) (*dm.Execution, error) {
	r, err := o.begin(ctx, ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.execute(r)
}

// Submit creates the pending execution and runs it on its own goroutine,
// detached from ctx. The returned snapshot is the pending record.
func (o *Orchestrator) Submit(ctx context.Context, jobID int64) (*dm.Execution, error) {
	r, err := o.begin(ctx, context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	snapshot := r.ex.Clone()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.execute(r)
	}()
	return snapshot, nil
}

// Wait blocks until every run started with Submit has committed.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// begin loads the job and target, creates the pending record and registers
// the run so Cancel can reach it. Store calls use ctx; the run's own context
// derives from parent.
func (o *Orchestrator) begin(ctx, parent context.Context, jobID int64) (*run, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}
	target, err := o.store.GetTarget(ctx, job.TargetID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d (job %d)", ErrTargetNotFound, job.TargetID, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load target %d: %w", job.TargetID, err)
	}

	ex := &dm.Execution{
		ID:        o.newID(),
		JobID:     job.ID,
		Status:    dm.StatusPending,
		CreatedAt: o.now(),
	}
	if err := o.store.CreateExecution(ctx, ex.Clone()); err != nil {
		return nil, fmt.Errorf("create execution for job %d: %w", jobID, err)
	}

	runCtx, cancel := context.WithCancelCause(parent)
	r := &run{
		job:    job,
		target: target,
		ex:     ex,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: o.logger.With(
			lg.String("execution_id", ex.ID),
			lg.Int64("job_id", job.ID),
			lg.String("target", fmt.Sprintf("%s@%s:%d", target.Username, target.Host, target.Port)),
		),
	}
	o.mu.Lock()
	o.inflight[ex.ID] = r
	o.mu.Unlock()

	r.logger.Info("execution created")
	o.publish(r.ctx, ex)
	return r, nil
}

// execute moves the run through running to a terminal state. Whatever
// happens in between, the deferred commit persists exactly one terminal
// state.
func (o *Orchestrator) execute(r *run) (result *dm.Execution, commitErr error) {
	ex := r.ex
	storeCtx := context.WithoutCancel(r.ctx)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", lg.Any("panic", p))
			o.conclude(ex, dm.StatusFailed, fmt.Sprintf("unexpected error: %v", p))
		}
		if !ex.Status.Terminal() {
			o.conclude(ex, dm.StatusFailed, "unexpected error: run ended without a result")
		}
		result, commitErr = o.commit(storeCtx, r)
	}()

	if err := o.transition(ex, dm.StatusRunning); err != nil {
		o.conclude(ex, dm.StatusFailed, "unexpected error: "+err.Error())
		return
	}
	started := o.now()
	ex.StartedAt = &started
	if err := o.store.UpdateExecution(storeCtx, ex.Clone()); err != nil {
		r.logger.Error("failed to persist running state", lg.Err(err))
		o.conclude(ex, dm.StatusFailed, "unexpected error: persist running state: "+err.Error())
		return
	}
	o.publish(storeCtx, ex)

	conn, err := o.connParams(r.target)
	if err != nil {
		r.logger.Warn("cannot prepare connection", lg.Err(err))
		o.conclude(ex, dm.StatusFailed, err.Error())
		return
	}

	r.logger.Info("running script", lg.Duration("timeout", o.execTimeout))
	res, err := o.exec.Execute(r.ctx, conn, r.job.Script, o.execTimeout)
	o.record(r, res, err)
	return
}

// record maps the client's outcome onto the execution.
func (o *Orchestrator) record(r *run, res *executor.Result, err error) {
	ex := r.ex
	switch {
	case err == nil:
		status := dm.StatusSuccess
		if res.ExitCode != 0 {
			status = dm.StatusFailed
		}
		code, stdout, stderr := res.ExitCode, res.Stdout, res.Stderr
		ex.ExitCode, ex.Stdout, ex.Stderr = &code, &stdout, &stderr
		o.conclude(ex, status, "")
	case errors.Is(context.Cause(r.ctx), ErrCancelled):
		o.conclude(ex, dm.StatusCancelled, cancelMessage)
	case errors.Is(err, executor.ErrExecutionTimeout):
		o.conclude(ex, dm.StatusTimeout, fmt.Sprintf("script execution timed out after %s", o.execTimeout))
	case errors.Is(err, executor.ErrConnection):
		o.conclude(ex, dm.StatusFailed, err.Error())
	default:
		o.conclude(ex, dm.StatusFailed, "unexpected error: "+err.Error())
	}
}

// conclude sets a terminal status, message and finish time. A record that
// never reached running is moved through it first so the in-memory history
// keeps the state machine's order.
func (o *Orchestrator) conclude(ex *dm.Execution, status dm.Status, message string) {
	if ex.Status == dm.StatusPending {
		ex.Status = dm.StatusRunning
	}
	if ex.Status.Terminal() {
		// a panic after conclude keeps the first outcome
		return
	}
	ex.Status = status
	if message != "" {
		ex.ErrorMessage = &message
	}
	finished := o.now()
	ex.FinishedAt = &finished
}

func (o *Orchestrator) commit(ctx context.Context, r *run) (*dm.Execution, error) {
	defer o.release(r)

	snapshot := r.ex.Clone()
	if err := o.store.UpdateExecution(ctx, snapshot); err != nil {
		r.logger.Error("failed to persist terminal state", lg.String("status", string(snapshot.Status)), lg.Err(err))
		return snapshot, fmt.Errorf("%w %s: %w", ErrPersist, snapshot.ID, err)
	}
	o.publish(ctx, snapshot)

	fields := []lg.Field{lg.String("status", string(snapshot.Status))}
	if snapshot.ExitCode != nil {
		fields = append(fields, lg.Int("exit_code", *snapshot.ExitCode))
	}
	if d, ok := snapshot.Duration(); ok {
		fields = append(fields, lg.Duration("duration", d))
	}
	r.logger.Info("execution finished", fields...)
	return snapshot, nil
}

func (o *Orchestrator) release(r *run) {
	o.mu.Lock()
	delete(o.inflight, r.ex.ID)
	o.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

func (o *Orchestrator) transition(ex *dm.Execution, to dm.Status) error {
	if !ex.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ex.Status, to)
	}
	ex.Status = to
	return nil
}

// connParams validates the target and decrypts the secret for its auth
// mode. A bad ciphertext stops the run before any network traffic.
func (o *Orchestrator) connParams(t *dm.Target) (executor.Conn, error) {
	if err := o.validate.Struct(t); err != nil {
		return executor.Conn{}, fmt.Errorf("invalid target configuration: %w", err)
	}
	conn := executor.Conn{Host: t.Host, Port: t.Port, Username: t.Username, AuthMode: t.AuthMode}
	var err error
	switch t.AuthMode {
	case dm.AuthPassword:
		conn.Password, err = o.cipher.Decrypt(t.PasswordEncrypted)
	case dm.AuthKey:
		conn.PrivateKey, err = o.cipher.Decrypt(t.PrivateKeyEncrypted)
	}
	if err != nil {
		return executor.Conn{}, fmt.Errorf("credential decryption failed: %w", err)
	}
	return conn, nil
}

func (o *Orchestrator) publish(ctx context.Context, ex *dm.Execution) {
	ev := dm.ExecutionEvent{
		ExecutionID: ex.ID,
		JobID:       ex.JobID,
		Status:      ex.Status,
		ExitCode:    ex.ExitCode,
		At:          o.now(),
	}
	if err := o.notifier.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish execution event",
			lg.String("execution_id", ex.ID), lg.String("status", string(ex.Status)), lg.Err(err))
	}
}
