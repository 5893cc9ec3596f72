// Package dispatch resolves compute targets to concrete runners and invokes
// units of work through them. This layer performs no retries and no
// persistence; both belong to the step executor, which keeps dispatch
// policy-free.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

// Callable is a serializable invocation descriptor: which step type to run,
// with which resolved config, against which execution state.
type Callable struct {
	StepType string                  `json:"step_type"`
	Config   map[string]any          `json:"config,omitempty"`
	State    protocol.ExecutionState `json:"state"`
}

// Invoker executes a callable in-process. The engine wires a registry-backed
// invoker; tests wire fakes.
type Invoker func(ctx context.Context, callable Callable) (*protocol.Result, error)

// Runner invokes a callable on one kind of compute target.
type Runner interface {
	Invoke(ctx context.Context, callable Callable) (*protocol.Result, error)
}

// Error marks a failure of the dispatch layer itself, as opposed to an error
// the step's handler reported.
type Error struct {
	Kind models.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dispatcher routes a callable to the runner selected by the target type.
type Dispatcher struct {
	logger *slog.Logger
	local  *LocalRunner
	remote *RemoteRunner
	pools  *PoolManager
}

// Option configures optional runners on a dispatcher.
type Option func(*Dispatcher)

// WithRemote enables remote-node dispatch through the given client.
func WithRemote(client NodeClient) Option {
	return func(d *Dispatcher) {
		d.remote = NewRemoteRunner(client)
	}
}

// WithPools enables elastic-pool dispatch through the given manager.
func WithPools(pools *PoolManager) Option {
	return func(d *Dispatcher) {
		d.pools = pools
	}
}

// NewDispatcher builds a dispatcher whose local runner executes through the
// given invoker.
func NewDispatcher(logger *slog.Logger, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: logger.With("module", "dispatch"),
		local:  NewLocalRunner(invoker),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch invokes the callable on the target's runner. Unknown or unset
// target types fall back to local.
func (d *Dispatcher) Dispatch(ctx context.Context, target models.ComputeTarget, callable Callable) (*protocol.Result, error) {
	switch target.Type {
	case models.TargetRemoteNode:
		if d.remote == nil {
			return nil, &Error{Kind: models.ErrorKindRPC, Err: fmt.Errorf("remote-node dispatch is not configured")}
		}

		return d.remote.InvokeOn(ctx, target.ID, callable)
	case models.TargetElasticPool:
		if d.pools == nil {
			return nil, &Error{Kind: models.ErrorKindPool, Err: fmt.Errorf("elastic-pool dispatch is not configured")}
		}

		return d.pools.InvokeOn(ctx, target.ID, callable)
	case models.TargetLocal:
		return d.local.Invoke(ctx, callable)
	default:
		d.logger.Debug("unknown compute target type, falling back to local", "target_type", target.Type)

		return d.local.Invoke(ctx, callable)
	}
}
