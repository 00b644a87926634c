package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronDriver fires trigger events on a cron schedule, wire-shaped per
// spec.md §9 as {driverId, workflowId, scheduledFor, firedAt}.
type CronDriver struct {
	mu   sync.Mutex
	runs map[string]*cron.Cron
}

// NewCronDriver builds a Driver backed by robfig/cron/v3.
func NewCronDriver() *CronDriver {
	return &CronDriver{runs: make(map[string]*cron.Cron)}
}

// Activate expects activation.Config["schedule"] to hold a standard 5-field
// cron expression.
func (d *CronDriver) Activate(ctx context.Context, activation Activation) (<-chan Event, error) {
	schedule, _ := activation.Config["schedule"].(string)
	if schedule == "" {
		return nil, fmt.Errorf("trigger: cron activation %q missing schedule", activation.ActivationID)
	}

	events := make(chan Event, 8)
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		now := time.Now().UTC()
		select {
		case events <- Event{
			DriverID:     "cron",
			ActivationID: activation.ActivationID,
			WorkflowID:   activation.WorkflowID,
			Timestamp:    now,
			Payload: map[string]any{
				"driverId":     "cron",
				"workflowId":   activation.WorkflowID,
				"scheduledFor": now.Format(time.RFC3339),
				"firedAt":      now.Format(time.RFC3339),
			},
		}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		close(events)
		return nil, fmt.Errorf("trigger: parse cron schedule %q: %w", schedule, err)
	}

	d.mu.Lock()
	d.runs[activation.ActivationID] = c
	d.mu.Unlock()

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
		close(events)
	}()
	return events, nil
}

// Deactivate stops the cron runner for activationID, if any.
func (d *CronDriver) Deactivate(ctx context.Context, activationID string) error {
	d.mu.Lock()
	c, ok := d.runs[activationID]
	delete(d.runs, activationID)
	d.mu.Unlock()
	if ok {
		c.Stop()
	}
	return nil
}
