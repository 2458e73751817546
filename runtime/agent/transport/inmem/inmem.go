// Package inmem provides an in-process task transport.
//
// Each enqueued run executes on its own goroutine. The transport is intended
// for tests and single-process deployments; it assigns a token per enqueue so
// dispatch bookkeeping behaves like a real queue.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"goa.design/clue/log"

	"goa.design/agentic/runtime/agent/transport"
)

type (
	// ExecuteFunc runs one delivered run to a terminal state.
	ExecuteFunc func(ctx context.Context, runID string) error

	// Transport executes runs on goroutines in the current process.
	Transport struct {
		execute ExecuteFunc
		next    atomic.Int64
		wg      sync.WaitGroup
	}
)

// New returns a Transport delivering runs to execute.
func New(execute ExecuteFunc) (*Transport, error) {
	if execute == nil {
		return nil, errors.New("execute func is required")
	}
	return &Transport{execute: execute}, nil
}

// Enqueue implements transport.Transport. Delivery happens on a new goroutine;
// execution failures are logged, matching a real queue's worker behavior.
func (t *Transport) Enqueue(ctx context.Context, runID string) (transport.Enqueued, error) {
	if runID == "" {
		return transport.Enqueued{}, errors.New("run id is required")
	}
	token := fmt.Sprintf("inmem-%d", t.next.Add(1))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// Detach from the caller's cancellation: the enqueue is
		// fire-and-forget and the run must reach a terminal state.
		runCtx := context.WithoutCancel(ctx)
		if err := t.execute(runCtx, runID); err != nil {
			log.Errorf(runCtx, err, "run execution failed (run: %s)", runID)
		}
	}()
	return transport.Enqueued{CorrelationToken: token}, nil
}

// Wait blocks until every delivered run has finished executing. Tests use it
// to observe terminal states deterministically.
func (t *Transport) Wait() {
	t.wg.Wait()
}
