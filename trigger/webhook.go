package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// WebhookDriver feeds a channel from inbound HTTP POST requests. One
// WebhookDriver is typically shared by every webhook activation; each
// activation owns its own request path.
type WebhookDriver struct {
	mu       sync.Mutex
	channels map[string]chan Event
}

// NewWebhookDriver builds a Driver that must be wired into an http.ServeMux
// via Handler.
func NewWebhookDriver() *WebhookDriver {
	return &WebhookDriver{channels: make(map[string]chan Event)}
}

// Activate registers a channel for activationID; Handler routes matching
// requests into it.
func (d *WebhookDriver) Activate(ctx context.Context, activation Activation) (<-chan Event, error) {
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
func (d *WebhookDriver) Deactivate(ctx context.Context, activationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, activationID)
	return nil
}

// Handler returns an http.HandlerFunc that accepts POSTed JSON bodies and
// forwards them to the activation named by the URL's "activationId" query
// parameter, tagged with workflowID.
func (d *WebhookDriver) Handler(workflowID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		activationID := r.URL.Query().Get("activationId")
		d.mu.Lock()
		ch, ok := d.channels[activationID]
		d.mu.Unlock()
		if !ok {
			http.Error(w, fmt.Sprintf("no active webhook trigger for activationId %q", activationID), http.StatusNotFound)
			return
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		select {
		case ch <- Event{
			DriverID:     "webhook",
			ActivationID: activationID,
			WorkflowID:   workflowID,
			Timestamp:    time.Now().UTC(),
			Payload:      payload,
		}:
			w.WriteHeader(http.StatusAccepted)
		case <-r.Context().Done():
		default:
			http.Error(w, "trigger queue full", http.StatusServiceUnavailable)
		}
	}
}

var _ Driver = (*WebhookDriver)(nil)
