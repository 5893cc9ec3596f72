package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/weftworks/weft/pkg/envelope"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/events"
	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

// NodeClient invokes a callable on a named member of a trusted cluster.
type NodeClient interface {
	Call(ctx context.Context, nodeID string, callable Callable) (*protocol.Result, error)
}

// RemoteRunner dispatches callables to remote nodes, wrapping every failure
// as an rpc error.
type RemoteRunner struct {
	client NodeClient
}

func NewRemoteRunner(client NodeClient) *RemoteRunner {
	return &RemoteRunner{client: client}
}

func (r *RemoteRunner) InvokeOn(ctx context.Context, nodeID string, callable Callable) (*protocol.Result, error) {
	if nodeID == "" {
		return nil, &Error{Kind: models.ErrorKindRPC, Err: fmt.Errorf("remote-node target has no node id")}
	}

	result, err := r.client.Call(ctx, nodeID, callable)
	if err != nil {
		return nil, &Error{Kind: models.ErrorKindRPC, Err: err}
	}

	return result, nil
}

// BusNodeClient calls remote nodes over the callable topic of the event bus:
// a request is published with a fresh invocation id and the reply is matched
// back by that id.
type BusNodeClient struct {
	bus    eventbus.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *events.CallableCompleted
}

func NewBusNodeClient(bus eventbus.EventBus, logger *slog.Logger) *BusNodeClient {
	return &BusNodeClient{
		bus:     bus,
		logger:  logger.With("module", "bus_node_client"),
		pending: make(map[string]chan *events.CallableCompleted),
	}
}

// Register attaches the reply handler to the bus without subscribing. Use it
// when the callable bus carries other handlers and is subscribed once by the
// caller.
func (c *BusNodeClient) Register() error {
	return c.bus.Handle(events.CallableCompletedEvent, c.handleCompleted)
}

// Start registers the reply handler and subscribes the bus. Must be called
// before Call.
func (c *BusNodeClient) Start(ctx context.Context) error {
	if err := c.Register(); err != nil {
		return err
	}

	return c.bus.Subscribe(ctx)
}

func (c *BusNodeClient) Call(ctx context.Context, nodeID string, callable Callable) (*protocol.Result, error) {
	invocationID := uuid.New().String()
	replyCh := make(chan *events.CallableCompleted, 1)

	c.mu.Lock()
	c.pending[invocationID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, invocationID)
		c.mu.Unlock()
	}()

	request := callableToEvent(callable, nodeID, invocationID)
	if err := c.bus.Publish(ctx, nodeID, request); err != nil {
		return nil, fmt.Errorf("failed to publish callable request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		if reply.Error != "" {
			return nil, fmt.Errorf("remote node %s: %s", nodeID, reply.Error)
		}

		return &protocol.Result{Value: reply.Result}, nil
	}
}

func (c *BusNodeClient) handleCompleted(_ context.Context, event any) error {
	reply, ok := event.(*events.CallableCompleted)
	if !ok {
		return nil
	}

	c.mu.Lock()
	replyCh, waiting := c.pending[reply.InvocationID]
	c.mu.Unlock()

	if !waiting {
		// Reply for a caller that already timed out.
		c.logger.Debug("dropping unmatched callable reply", "invocation_id", reply.InvocationID)

		return nil
	}

	select {
	case replyCh <- reply:
	default:
	}

	return nil
}

// CallableServer executes callable requests addressed to this node and
// publishes replies. Every node subscribes with its own consumer group so
// each sees all requests and serves only its own.
type CallableServer struct {
	bus     eventbus.EventBus
	nodeID  string
	invoker Invoker
	logger  *slog.Logger
}

func NewCallableServer(bus eventbus.EventBus, nodeID string, invoker Invoker, logger *slog.Logger) *CallableServer {
	return &CallableServer{
		bus:     bus,
		nodeID:  nodeID,
		invoker: invoker,
		logger:  logger.With("module", "callable_server", "node_id", nodeID),
	}
}

// Register attaches the request handler to the bus without subscribing.
func (s *CallableServer) Register() error {
	return s.bus.Handle(events.CallableRequestedEvent, s.handleRequested)
}

func (s *CallableServer) Start(ctx context.Context) error {
	if err := s.Register(); err != nil {
		return err
	}

	return s.bus.Subscribe(ctx)
}

func (s *CallableServer) handleRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.CallableRequested)
	if !ok {
		return nil
	}

	if request.NodeID != s.nodeID {
		return nil
	}

	callable, err := callableFromEvent(request)

	var result *protocol.Result
	if err == nil {
		result, err = s.invoker(ctx, callable)
	}

	reply := events.CallableCompleted{
		BaseEvent:    events.NewBaseEvent(events.CallableCompletedEvent, request.ExecutionID),
		InvocationID: request.InvocationID,
		NodeID:       s.nodeID,
	}

	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		reply.Result = result.Value
	}

	if publishErr := s.bus.Publish(ctx, request.InvocationID, reply); publishErr != nil {
		s.logger.ErrorContext(ctx, "failed to publish callable reply",
			"invocation_id", request.InvocationID, "error", publishErr)

		return publishErr
	}

	return nil
}

func callableToEvent(callable Callable, nodeID, invocationID string) events.CallableRequested {
	event := events.CallableRequested{
		BaseEvent:    events.NewBaseEvent(events.CallableRequestedEvent, callable.State.ExecutionID),
		InvocationID: invocationID,
		NodeID:       nodeID,
		StepType:     callable.StepType,
		Config:       callable.Config,
		State: map[string]any{
			"execution_id": callable.State.ExecutionID,
			"workflow_id":  callable.State.WorkflowID,
			"step_outputs": callable.State.StepOutputs,
			"variables":    callable.State.Variables,
			"trigger_data": callable.State.TriggerData,
		},
	}

	if callable.State.Input != nil {
		event.Input = callable.State.Input.ToMap()
	}

	return event
}

func callableFromEvent(event *events.CallableRequested) (Callable, error) {
	callable := Callable{
		StepType: event.StepType,
		Config:   event.Config,
	}

	if executionID, ok := event.State["execution_id"].(string); ok {
		callable.State.ExecutionID = executionID
	}

	if workflowID, ok := event.State["workflow_id"].(string); ok {
		callable.State.WorkflowID = workflowID
	}

	if stepOutputs, ok := event.State["step_outputs"].(map[string]any); ok {
		callable.State.StepOutputs = stepOutputs
	}

	if variables, ok := event.State["variables"].(map[string]any); ok {
		callable.State.Variables = variables
	}

	if triggerData, ok := event.State["trigger_data"].(map[string]any); ok {
		callable.State.TriggerData = triggerData
	}

	if event.Input != nil {
		input, err := envelope.FromMap(event.Input)
		if err != nil {
			return callable, fmt.Errorf("failed to decode callable input: %w", err)
		}

		callable.State.Input = input
	}

	return callable, nil
}
