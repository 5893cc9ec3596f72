// Package queue provides the Redis-backed queue trigger for workflow graphs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

// Trigger pops messages from a Redis list and starts a graph per message.
// The message body becomes the trigger payload.
type Trigger struct {
	GraphID    string
	Queue      string
	Connection map[string]string
	Enabled    bool

	client   redis.UniversalClient
	callback protocol.TriggerCallback
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTrigger builds a queue trigger from config. Required keys: graph_id and
// queue; connection may set addr, password and db.
func NewTrigger(config map[string]any, logger *slog.Logger) (*Trigger, error) {
	graphID, _ := config["graph_id"].(string)
	queue, _ := config["queue"].(string)

	connection := make(map[string]string)
	if connectionConfig, ok := config["connection"].(map[string]any); ok {
		for k, v := range connectionConfig {
			if str, ok := v.(string); ok {
				connection[k] = str
			}
		}
	}

	trigger := &Trigger{
		GraphID:    graphID,
		Queue:      queue,
		Connection: connection,
		Enabled:    true,
		stopCh:     make(chan struct{}),
		logger: logger.With(
			"module", "queue_trigger",
			"graph_id", graphID,
			"queue", queue,
		),
	}

	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate() error {
	if t.GraphID == "" {
		return errors.New("queue trigger graph_id is required")
	}

	if t.Queue == "" {
		return errors.New("queue trigger queue name is required")
	}

	return nil
}

func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	if !t.Enabled {
		t.logger.InfoContext(ctx, "queue trigger is disabled")

		return nil
	}

	t.callback = callback

	if err := t.initializeClient(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	t.wg.Add(1)

	go t.consume(ctx)

	return nil
}

func (t *Trigger) initializeClient(ctx context.Context) error {
	addr := t.Connection["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	db := 0

	if dbStr := t.Connection["db"]; dbStr != "" {
		parsed, err := strconv.Atoi(dbStr)
		if err != nil {
			return fmt.Errorf("invalid db value: %w", err)
		}

		db = parsed
	}

	t.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: t.Connection["password"],
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := t.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	t.logger.InfoContext(ctx, "connected to redis", "addr", addr, "db", db)

	return nil
}

func (t *Trigger) consume(ctx context.Context) {
	defer t.wg.Done()

	t.logger.InfoContext(ctx, "queue consumer started")

	for {
		select {
		case <-t.stopCh:
			t.logger.InfoContext(ctx, "queue consumer stopped")

			return
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "context cancelled, stopping queue consumer")

			return
		default:
			if err := t.processMessage(ctx); err != nil {
				t.logger.ErrorContext(ctx, "error processing queue message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (t *Trigger) processMessage(ctx context.Context) error {
	result, err := t.client.BLPop(ctx, 1*time.Second, t.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	payload := parsePayload(result[1])

	trigger := models.TriggerDescriptor{Type: "queue", Payload: payload}

	go func() {
		if err := t.callback(ctx, t.GraphID, trigger); err != nil {
			t.logger.ErrorContext(ctx, "failed to start execution from queue message", "error", err)
		}
	}()

	return nil
}

// parsePayload decodes the message body as JSON; bodies that are not JSON
// objects are wrapped under a message key.
func parsePayload(message string) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		payload = map[string]any{"message": message}
	}

	if payload["timestamp"] == nil {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	return payload
}

func (t *Trigger) Stop(ctx context.Context) error {
	close(t.stopCh)
	t.wg.Wait()

	if t.client != nil {
		if err := t.client.Close(); err != nil {
			t.logger.ErrorContext(ctx, "error closing redis client", "error", err)
		}
	}

	t.logger.InfoContext(ctx, "queue trigger stopped")

	return nil
}
