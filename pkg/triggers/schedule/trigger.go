// Package schedule provides the cron-based trigger for workflow graphs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftworks/weft/pkg/models"
	"github.com/weftworks/weft/pkg/protocol"
)

// Trigger starts a graph on a cron schedule.
type Trigger struct {
	GraphID  string
	CronExpr string
	Enabled  bool

	cron     *cron.Cron
	callback protocol.TriggerCallback
	logger   *slog.Logger
}

// NewTrigger builds a schedule trigger from config. Required keys: graph_id
// and cron (standard five-field expression).
func NewTrigger(config map[string]any, logger *slog.Logger) (*Trigger, error) {
	graphID, _ := config["graph_id"].(string)
	cronExpr, _ := config["cron"].(string)

	trigger := &Trigger{
		GraphID:  graphID,
		CronExpr: cronExpr,
		Enabled:  true,
		logger: logger.With(
			"module", "schedule_trigger",
			"graph_id", graphID,
			"cron", cronExpr,
		),
	}

	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate() error {
	if t.GraphID == "" {
		return errors.New("schedule trigger graph_id is required")
	}

	if t.CronExpr == "" {
		return errors.New("schedule trigger cron expression is required")
	}

	if _, err := cron.ParseStandard(t.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	return nil
}

func (t *Trigger) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	if !t.Enabled {
		t.logger.InfoContext(ctx, "schedule trigger is disabled")

		return nil
	}

	t.callback = callback

	t.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := t.cron.AddFunc(t.CronExpr, t.fire); err != nil {
		return fmt.Errorf("failed to add cron job for graph %s: %w", t.GraphID, err)
	}

	t.cron.Start()
	t.logger.InfoContext(ctx, "schedule trigger started")

	return nil
}

func (t *Trigger) fire() {
	trigger := models.TriggerDescriptor{
		Type: "schedule",
		Payload: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"cron":      t.CronExpr,
		},
	}

	go func() {
		if err := t.callback(context.Background(), t.GraphID, trigger); err != nil {
			t.logger.Error("failed to start execution from schedule", "error", err)
		}
	}()
}

func (t *Trigger) Stop(ctx context.Context) error {
	if t.cron != nil {
		stopCtx := t.cron.Stop()

		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.logger.InfoContext(ctx, "schedule trigger stopped")

	return nil
}
