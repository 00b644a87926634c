package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDriver fires trigger events on messages received over an MQTT topic.
type MQTTDriver struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewMQTTDriver builds a Driver backed by an already-connected paho client.
func NewMQTTDriver(client mqtt.Client) *MQTTDriver {
	return &MQTTDriver{client: client, subs: make(map[string]struct{})}
}

// Activate expects activation.Config["topic"] to hold the MQTT topic filter.
func (d *MQTTDriver) Activate(ctx context.Context, activation Activation) (<-chan Event, error) {
	topic, _ := activation.Config["topic"].(string)
	if topic == "" {
		return nil, fmt.Errorf("trigger: mqtt activation %q missing topic", activation.ActivationID)
	}

	events := make(chan Event, 32)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case events <- Event{
			DriverID:     "mqtt",
			ActivationID: activation.ActivationID,
			WorkflowID:   activation.WorkflowID,
			Timestamp:    time.Now().UTC(),
			Payload: map[string]any{
				"topic":   msg.Topic(),
				"payload": string(msg.Payload()),
			},
		}:
		case <-ctx.Done():
		}
	}

	token := d.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		close(events)
		return nil, fmt.Errorf("trigger: mqtt subscribe %q: %w", topic, token.Error())
	}

	d.mu.Lock()
	d.subs[activation.ActivationID] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.client.Unsubscribe(topic)
		close(events)
	}()
	return events, nil
}

// Deactivate is a no-op beyond bookkeeping; unsubscription happens when the
// activation's context is cancelled.
func (d *MQTTDriver) Deactivate(ctx context.Context, activationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, activationID)
	return nil
}
