package trigger

import (
	"context"
	"sync"

	"github.com/eyeflow-dev/kernel/cdcproc"
)

// CDCDriver bridges cdcproc.Mission firings (C9 output) into the Bus as
// Trigger Events, one activation per workflow.
type CDCDriver struct {
	mu       sync.Mutex
	channels map[string]chan Event
}

// NewCDCDriver builds a Driver fed by Submit.
func NewCDCDriver() *CDCDriver {
	return &CDCDriver{channels: make(map[string]chan Event)}
}

// Activate registers a channel for the activation; Submit delivers matching
// missions into it.
func (d *CDCDriver) Activate(ctx context.Context, activation Activation) (<-chan Event, error) {
	events := make(chan Event, 32)
	d.mu.Lock()
	d.channels[activation.ActivationID] = events
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.channels, activation.ActivationID)
		d.mu.Unlock()
		close(events)
	}()
	return events, nil
}

// Deactivate removes the channel for activationID.
func (d *CDCDriver) Deactivate(ctx context.Context, activationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, activationID)
	return nil
}

// Submit delivers a processed Mission to the activation named by
// activationID. Intended to be called from the cdcproc.Processor.Process call
// site after a successful match.
func (d *CDCDriver) Submit(activationID string, mission cdcproc.Mission) {
	d.mu.Lock()
	ch, ok := d.channels[activationID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Event{
		DriverID:     "cdc",
		ActivationID: activationID,
		WorkflowID:   mission.WorkflowID,
		Timestamp:    mission.Event.Timestamp,
		Payload:      mission,
	}:
	default:
	}
}

var _ Driver = (*CDCDriver)(nil)
