package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
)

// Cancel stops a running execution. Records that are pending or already
// terminal are returned unchanged.
//
// When the run lives in this process its context is cancelled and Cancel
// waits, up to the configured cancel wait, for the run to commit. A record
// that is running with no local run (a crashed or foreign process) is moved
// to cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*dm.Execution, error) {
	// a run registers before its record can become running, so a running
	// record with no registered run cannot belong to this process
	o.mu.Lock()
	r := o.inflight[id]
	o.mu.Unlock()

	ex, err := o.getExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status != dm.StatusRunning {
		return ex, nil
	}

	if r != nil {
		r.logger.Info("cancel requested")
		r.cancel(ErrCancelled)
		timer := time.NewTimer(o.cancelWait)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			r.logger.Warn("run did not stop in time", lg.Duration("wait", o.cancelWait))
		case <-ctx.Done():
		}
		return o.getExecution(context.WithoutCancel(ctx), id)
	}

	if err := o.transition(ex, dm.StatusCancelled); err != nil {
		return nil, err
	}
	msg := cancelMessage
	finished := o.now()
	ex.ErrorMessage = &msg
	ex.FinishedAt = &finished
	if err := o.store.UpdateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrPersist, id, err)
	}
	o.logger.Info("cancelled orphaned execution", lg.String("execution_id", id))
	o.publish(ctx, ex)
	return ex, nil
}

func (o *Orchestrator) getExecution(ctx context.Context, id string) (*dm.Execution, error) {
	ex, err := o.store.GetExecution(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return ex, nil
}

// Probe checks that the given plaintext parameters open a working session.
// Nothing is persisted. Missing secrets are left to the client, which
// reports them as connection failures.
func (o *Orchestrator) Probe(ctx context.Context, req dm.ProbeRequest) dm.ProbeResponse {
	if err := o.validate.Struct(req); err != nil {
		return dm.ProbeResponse{Message: "invalid connection parameters: " + err.Error()}
	}
	conn := executor.Conn{
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthMode:   req.AuthMode,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
	}
	ok, msg := o.exec.Probe(ctx, conn)
	o.logger.Info("probe finished", lg.String("target", conn.String()), lg.Bool("success", ok))
	return dm.ProbeResponse{Success: ok, Message: msg}
}
