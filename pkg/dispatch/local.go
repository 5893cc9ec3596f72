package dispatch

import (
	"context"
	"fmt"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

// LocalRunner invokes callables in-process. Runtime faults are caught and
// normalized into dispatch errors; a fault never escapes uncaught.
type LocalRunner struct {
	invoker Invoker
}

func NewLocalRunner(invoker Invoker) *LocalRunner {
	return &LocalRunner{invoker: invoker}
}

func (r *LocalRunner) Invoke(ctx context.Context, callable Callable) (result *protocol.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &Error{
				Kind: models.ErrorKindCompute,
				Err:  fmt.Errorf("step type %s panicked: %v", callable.StepType, recovered),
			}
		}
	}()

	return r.invoker(ctx, callable)
}
