package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FilesystemDriver fires trigger events on filesystem changes, wire-shaped
// per spec.md §9 as {path, op}.
type FilesystemDriver struct {
	mu        sync.Mutex
	watchers  map[string]*fsnotify.Watcher
}

// NewFilesystemDriver builds a Driver backed by fsnotify.
func NewFilesystemDriver() *FilesystemDriver {
	return &FilesystemDriver{watchers: make(map[string]*fsnotify.Watcher)}
}

// Activate expects activation.Config["path"] to hold the directory or file
// to watch.
func (d *FilesystemDriver) Activate(ctx context.Context, activation Activation) (<-chan Event, error) {
	path, _ := activation.Config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("trigger: filesystem activation %q missing path", activation.ActivationID)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("trigger: create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("trigger: watch %q: %w", path, err)
	}

	d.mu.Lock()
	d.watchers[activation.ActivationID] = watcher
	d.mu.Unlock()

	events := make(chan Event, 32)
	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fsEvent, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case events <- Event{
					DriverID:     "fsnotify",
					ActivationID: activation.ActivationID,
					WorkflowID:   activation.WorkflowID,
					Timestamp:    time.Now().UTC(),
					Payload: map[string]any{
						"path": fsEvent.Name,
						"op":   fsEvent.Op.String(),
					},
				}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return events, nil
}

// Deactivate closes the watcher for activationID, if any.
func (d *FilesystemDriver) Deactivate(ctx context.Context, activationID string) error {
	d.mu.Lock()
	watcher, ok := d.watchers[activationID]
	delete(d.watchers, activationID)
	d.mu.Unlock()
	if ok {
		return watcher.Close()
	}
	return nil
}
