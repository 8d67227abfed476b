package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/tsubame/internal/orchestrator"
	"github.com/andrej220/tsubame/pkg/cipher"
	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/persistence"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExecutor struct {
	calls   atomic.Int32
	last    executor.Conn
	mu      sync.Mutex
	execute func(ctx context.Context, conn executor.Conn, script string, timeout time.Duration) (*executor.Result, error)
	probe   func(ctx context.Context, conn executor.Conn) (bool, string)
}

func (f *fakeExecutor) Execute(ctx context.Context, conn executor.Conn, script string, timeout time.Duration) (*executor.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = conn
	f.mu.Unlock()
	return f.execute(ctx, conn, script, timeout)
}

func (f *fakeExecutor) Probe(ctx context.Context, conn executor.Conn) (bool, string) {
	f.calls.Add(1)
	return f.probe(ctx, conn)
}

func returns(res *executor.Result, err error) func(context.Context, executor.Conn, string, time.Duration) (*executor.Result, error) {
	return func(context.Context, executor.Conn, string, time.Duration) (*executor.Result, error) {
		return res, err
	}
}

type recorder struct {
	mu     sync.Mutex
	events []dm.ExecutionEvent
}

func (r *recorder) Publish(_ context.Context, ev dm.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) statuses() []dm.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dm.Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// clock advances one second per reading.
func clock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type fixture struct {
	store  *persistence.MemStore
	exec   *fakeExecutor
	events *recorder
	cipher *cipher.Cipher
	o      *orchestrator.Orchestrator
}

func newFixture(t *testing.T, store orchestrator.Store, opts ...orchestrator.Option) *fixture {
	t.Helper()
	c, err := cipher.New("orchestrator-test-secret")
	require.NoError(t, err)

	mem := persistence.NewMemStore()
	token, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mem.PutTarget(ctx, &dm.Target{ID: 1, Name: "web", Host: "10.0.0.5", Port: 22, Username: "deploy", AuthMode: dm.AuthPassword, PasswordEncrypted: token}))
	require.NoError(t, mem.PutTarget(ctx, &dm.Target{ID: 2, Name: "broken", Host: "10.0.0.6", Port: 22, Username: "deploy", AuthMode: dm.AuthPassword, PasswordEncrypted: "not-a-token"}))
	require.NoError(t, mem.PutJob(ctx, &dm.Job{ID: 10, Name: "uptime", Script: "uptime", TargetID: 1}))
	require.NoError(t, mem.PutJob(ctx, &dm.Job{ID: 20, Name: "broken", Script: "uptime", TargetID: 2}))

	if store == nil {
		store = mem
	} else if w, ok := store.(interface{ wrap(*persistence.MemStore) }); ok {
		w.wrap(mem)
	}

	f := &fixture{store: mem, exec: &fakeExecutor{}, events: &recorder{}, cipher: c}
	opts = append([]orchestrator.Option{
		orchestrator.WithNotifier(f.events),
		orchestrator.WithClock(clock()),
		orchestrator.WithExecTimeout(2 * time.Second),
	}, opts...)
	f.o = orchestrator.New(store, f.exec, c, opts...)
	return f
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		execute     func(context.Context, executor.Conn, string, time.Duration) (*executor.Result, error)
		wantStatus  dm.Status
		wantCode    *int
		wantStdout  string
		wantMessage string
	}{
		{
			name:       "exit zero",
			execute:    returns(&executor.Result{ExitCode: 0, Stdout: "up 3 days\n"}, nil),
			wantStatus: dm.StatusSuccess,
			wantCode:   ptr(0),
			wantStdout: "up 3 days\n",
		},
		{
			name:       "non-zero exit",
			execute:    returns(&executor.Result{ExitCode: 7, Stderr: "nope"}, nil),
			wantStatus: dm.StatusFailed,
			wantCode:   ptr(7),
		},
		{
			name:        "unreachable",
			execute:     returns(nil, fmt.Errorf("%w: dial tcp 10.0.0.5:22: connection refused", executor.ErrConnection)),
			wantStatus:  dm.StatusFailed,
			wantMessage: "ssh connection error: dial tcp 10.0.0.5:22: connection refused",
		},
		{
			name:        "timeout",
			execute:     returns(nil, fmt.Errorf("%w: after 2s", executor.ErrExecutionTimeout)),
			wantStatus:  dm.StatusTimeout,
			wantMessage: "script execution timed out after 2s",
		},
		{
			name:        "unexpected error",
			execute:     returns(nil, errors.New("boom")),
			wantStatus:  dm.StatusFailed,
			wantMessage: "unexpected error: boom",
		},
		{
			name: "panic",
			execute: func(context.Context, executor.Conn, string, time.Duration) (*executor.Result, error) {
				panic("kaboom")
			},
			wantStatus:  dm.StatusFailed,
			wantMessage: "unexpected error: kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.exec.execute = tt.execute

			got, err := f.o.Run(context.Background(), 10)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantCode, got.ExitCode)
			if tt.wantStdout != "" {
				require.NotNil(t, got.Stdout)
				assert.Equal(t, tt.wantStdout, *got.Stdout)
			}
			if tt.wantMessage == "" {
				assert.Nil(t, got.ErrorMessage)
			} else {
				require.NotNil(t, got.ErrorMessage)
				assert.Equal(t, tt.wantMessage, *got.ErrorMessage)
			}
			require.NotNil(t, got.StartedAt)
			require.NotNil(t, got.FinishedAt)
			assert.True(t, got.FinishedAt.After(*got.StartedAt))
			assert.True(t, got.StartedAt.After(got.CreatedAt))

			stored, err := f.store.GetExecution(context.Background(), got.ID)
			require.NoError(t, err)
			assert.Equal(t, got, stored)

			assert.Equal(t, []dm.Status{dm.StatusPending, dm.StatusRunning, tt.wantStatus}, f.events.statuses())
			assert.Equal(t, "hunter2", f.exec.last.Password)
			assert.Equal(t, "deploy", f.exec.last.Username)
		})
	}
}

func TestRunPassesScriptAndTimeout(t *testing.T) {
	f := newFixture(t, nil, orchestrator.WithExecTimeout(90*time.Second))
	f.exec.execute = func(_ context.Context, conn executor.Conn, script string, timeout time.Duration) (*executor.Result, error) {
		assert.Equal(t, "uptime", script)
		assert.Equal(t, 90*time.Second, timeout)
		assert.Equal(t, "10.0.0.5:22", conn.Addr())
		return &executor.Result{}, nil
	}
	got, err := f.o.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusSuccess, got.Status)
}

func TestRunInvalidCiphertext(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.execute = returns(&executor.Result{}, nil)

	got, err := f.o.Run(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "credential decryption failed")
	assert.Nil(t, got.ExitCode)
	assert.Zero(t, f.exec.calls.Load())
}

func TestRunInvalidTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.execute = returns(&executor.Result{}, nil)
	ctx := context.Background()
	require.NoError(t, f.store.PutTarget(ctx, &dm.Target{ID: 3, Host: "10.0.0.7", Port: 0, Username: "deploy", AuthMode: dm.AuthPassword, PasswordEncrypted: "x"}))
	require.NoError(t, f.store.PutJob(ctx, &dm.Job{ID: 30, Script: "true", TargetID: 3}))

	got, err := f.o.Run(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "invalid target configuration")
	assert.Zero(t, f.exec.calls.Load())
}

func TestRunJobNotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.o.Run(context.Background(), 999)
	assert.ErrorIs(t, err, orchestrator.ErrJobNotFound)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	all, err := f.store.ListExecutions(context.Background(), dm.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.events.statuses())
}

type missingTargets struct{ *persistence.MemStore }

func (m *missingTargets) wrap(s *persistence.MemStore) { m.MemStore = s }
func (m *missingTargets) GetTarget(context.Context, int64) (*dm.Target, error) {
	return nil, persistence.ErrNotFound
}

func TestRunTargetNotFound(t *testing.T) {
	f := newFixture(t, &missingTargets{})

	_, err := f.o.Run(context.Background(), 10)
	assert.ErrorIs(t, err, orchestrator.ErrTargetNotFound)
	assert.Zero(t, f.exec.calls.Load())
}

// failingUpdates rejects execution updates whose status matches fail.
type failingUpdates struct {
	*persistence.MemStore
	fail func(dm.Status) bool
}

func (s *failingUpdates) wrap(m *persistence.MemStore) { s.MemStore = m }
func (s *failingUpdates) UpdateExecution(ctx context.Context, e *dm.Execution) error {
	if s.fail(e.Status) {
		return errors.New("disk full")
	}
	return s.MemStore.UpdateExecution(ctx, e)
}

func TestRunTerminalPersistFailure(t *testing.T) {
	f := newFixture(t, &failingUpdates{fail: func(s dm.Status) bool { return s.Terminal() }})
	f.exec.execute = returns(&executor.Result{ExitCode: 0}, nil)

	got, err := f.o.Run(context.Background(), 10)
	assert.ErrorIs(t, err, orchestrator.ErrPersist)
	require.NotNil(t, got)
	assert.Equal(t, dm.StatusSuccess, got.Status)

	stored, err := f.store.GetExecution(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusRunning, stored.Status)
}

func TestRunRunningPersistFailure(t *testing.T) {
	f := newFixture(t, &failingUpdates{fail: func(s dm.Status) bool { return s == dm.StatusRunning }})
	f.exec.execute = returns(&executor.Result{}, nil)

	got, err := f.o.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "persist running state")
	assert.Zero(t, f.exec.calls.Load())
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.exec.execute = func(context.Context, executor.Conn, string, time.Duration) (*executor.Result, error) {
		<-release
		return &executor.Result{Stdout: "done"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	snapshot, err := f.o.Submit(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusPending, snapshot.Status)
	cancel() // the run is detached from the caller

	close(release)
	f.o.Wait()

	stored, err := f.store.GetExecution(context.Background(), snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusSuccess, stored.Status)
	require.NotNil(t, stored.Stdout)
	assert.Equal(t, "done", *stored.Stdout)

	_, err = f.o.Submit(context.Background(), 404)
	assert.ErrorIs(t, err, orchestrator.ErrJobNotFound)
}

func TestCancelInFlight(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	f.exec.execute = func(ctx context.Context, _ executor.Conn, _ string, _ time.Duration) (*executor.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", executor.ErrConnection, context.Cause(ctx))
	}

	snapshot, err := f.o.Submit(context.Background(), 10)
	require.NoError(t, err)
	<-started

	got, err := f.o.Cancel(context.Background(), snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, dm.StatusCancelled, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "cancelled by operator", *got.ErrorMessage)
	assert.Nil(t, got.ExitCode)
	require.NotNil(t, got.FinishedAt)

	f.o.Wait()
	assert.Equal(t, []dm.Status{dm.StatusPending, dm.StatusRunning, dm.StatusCancelled}, f.events.statuses())
}

func TestCancelLeavesNonRunningUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.execute = returns(&executor.Result{ExitCode: 0}, nil)
	ctx := context.Background()

	done, err := f.o.Run(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateExecution(ctx, &dm.Execution{ID: "queued", JobID: 10, Status: dm.StatusPending}))

	for _, id := range []string{done.ID, "queued"} {
		before, err := f.store.GetExecution(ctx, id)
		require.NoError(t, err)
		got, err := f.o.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, got)
	}
}

func TestCancelOrphanedRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	started := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.CreateExecution(ctx, &dm.Execution{ID: "stuck", JobID: 10, Status: dm.StatusRunning, StartedAt: &started}))

	got, err := f.o.Cancel(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, dm.StatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)

	stored, err := f.store.GetExecution(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, dm.StatusCancelled, stored.Status)
	assert.Equal(t, []dm.Status{dm.StatusCancelled}, f.events.statuses())
}

func TestCancelOrphanedRunPersistFailure(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	store, err := persistence.OpenMemStore(filepath.Join(dir, "tsubame.json"))
	require.NoError(t, err)
	require.NoError(t, store.PutTarget(ctx, &dm.Target{ID: 1, Host: "10.0.0.5", Port: 22, Username: "deploy", AuthMode: dm.AuthPassword, PasswordEncrypted: "tok"}))
	require.NoError(t, store.PutJob(ctx, &dm.Job{ID: 10, Script: "uptime", TargetID: 1}))
	require.NoError(t, store.CreateExecution(ctx, &dm.Execution{ID: "stuck", JobID: 10, Status: dm.StatusRunning}))

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o600))

	o := orchestrator.New(store, &fakeExecutor{}, nil)
	_, err = o.Cancel(ctx, "stuck")
	assert.ErrorIs(t, err, orchestrator.ErrPersist)

	stored, err := store.GetExecution(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, dm.StatusRunning, stored.Status)
}

func TestCancelNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.o.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, orchestrator.ErrExecutionNotFound)
}

func TestProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.probe = func(_ context.Context, conn executor.Conn) (bool, string) {
		assert.Equal(t, "s3cret", conn.Password)
		return true, "connection succeeded"
	}

	got := f.o.Probe(context.Background(), dm.ProbeRequest{Host: "10.0.0.9", Port: 22, Username: "root", AuthMode: dm.AuthPassword, Password: "s3cret"})
	assert.Equal(t, dm.ProbeResponse{Success: true, Message: "connection succeeded"}, got)

	got = f.o.Probe(context.Background(), dm.ProbeRequest{Host: "10.0.0.9", Port: 70000, Username: "root", AuthMode: dm.AuthPassword})
	assert.False(t, got.Success)
	assert.Contains(t, got.Message, "invalid connection parameters")
	assert.Equal(t, int32(1), f.exec.calls.Load())
}

func ptr[T any](v T) *T { return &v }
