// Package trigger implements Trigger Drivers + Bus (spec.md C8): drivers
// normalize external events into Trigger Events; the Bus merges every active
// driver stream and routes each event to the dispatcher registered for its
// workflow.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is the normalized Trigger Event (spec.md §3): produced by drivers,
// consumed by workflow dispatchers.
type Event struct {
	DriverID     string
	ActivationID string
	WorkflowID   string
	Timestamp    time.Time
	Payload      any
}

// Activation describes what a driver should watch and which workflow its
// events belong to.
type Activation struct {
	ActivationID string
	WorkflowID   string
	Config       map[string]any
}

// Dispatcher receives trigger events routed to its workflow.
type Dispatcher func(ctx context.Context, event Event)

// Driver is satisfied by every trigger source (cron, fsnotify, mqtt, webhook,
// cdc). Activate returns a channel of events scoped to the activation; the
// channel closes when the driver's internal watch ends or ctx is cancelled.
// Deactivate stops a previously activated watch.
type Driver interface {
	Activate(ctx context.Context, activation Activation) (<-chan Event, error)
	Deactivate(ctx context.Context, activationID string) error
}

// Bus merges every active driver stream and serially dispatches each event
// to the dispatcher registered for its workflow. One reader goroutine is
// spawned per AddStream call (per spec §9's addStream/removeStream); a single
// demultiplexer goroutine owns dispatch-table access and per-workflow
// ordering.
type Bus struct {
	logger *slog.Logger

	events chan Event

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	dispatchers map[string]Dispatcher
	queues      map[string]chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Bus and starts its demultiplexer goroutine.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:      logger,
		events:      make(chan Event, 256),
		cancels:     make(map[string]context.CancelFunc),
		dispatchers: make(map[string]Dispatcher),
		queues:      make(map[string]chan Event),
		stopCh:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.demultiplex()
	return b
}

// AddStream registers stream under activationID. debounce, if positive,
// suppresses repeated events for the same workflowId within that window.
func (b *Bus) AddStream(ctx context.Context, activationID string, stream <-chan Event, debounce time.Duration) {
	streamCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if existing, ok := b.cancels[activationID]; ok {
		existing()
	}
	b.cancels[activationID] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.readStream(streamCtx, stream, debounce)
}

// RemoveStream cancels the stream registered under activationID.
func (b *Bus) RemoveStream(activationID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[activationID]
	delete(b.cancels, activationID)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func (b *Bus) readStream(ctx context.Context, stream <-chan Event, debounce time.Duration) {
	defer b.wg.Done()
	var lastSeen map[string]time.Time
	if debounce > 0 {
		lastSeen = make(map[string]time.Time)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if debounce > 0 {
				now := time.Now()
				if last, seen := lastSeen[event.WorkflowID]; seen && now.Sub(last) < debounce {
					continue
				}
				lastSeen[event.WorkflowID] = now
			}
			select {
			case b.events <- event:
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			}
		}
	}
}

// RegisterDispatcher installs fn as the handler for workflowId's events,
// spawning a dedicated serial-drain goroutine for its queue.
func (b *Bus) RegisterDispatcher(workflowID string, fn Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers[workflowID] = fn
	if _, ok := b.queues[workflowID]; !ok {
		queue := make(chan Event, 4096)
		b.queues[workflowID] = queue
		b.wg.Add(1)
		go b.drainQueue(workflowID, queue)
	}
}

// UnregisterDispatcher removes workflowId's dispatcher; queued-but-undelivered
// events are dropped.
func (b *Bus) UnregisterDispatcher(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dispatchers, workflowID)
	if queue, ok := b.queues[workflowID]; ok {
		close(queue)
		delete(b.queues, workflowID)
	}
}

func (b *Bus) demultiplex() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case event := <-b.events:
			b.route(event)
		}
	}
}

func (b *Bus) route(event Event) {
	b.mu.Lock()
	queue, ok := b.queues[event.WorkflowID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("trigger event dropped, no dispatcher registered", "workflowId", event.WorkflowID, "driverId", event.DriverID)
		return
	}
	select {
	case queue <- event:
	default:
		b.logger.Warn("trigger dispatch queue full, dropping event", "workflowId", event.WorkflowID)
	}
}

func (b *Bus) drainQueue(workflowID string, queue chan Event) {
	defer b.wg.Done()
	for event := range queue {
		b.mu.Lock()
		fn := b.dispatchers[workflowID]
		b.mu.Unlock()
		if fn == nil {
			continue
		}
		fn(context.Background(), event)
	}
}

// Shutdown propagates cancellation to every active stream and stops the
// demultiplexer.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	for _, queue := range b.queues {
		close(queue)
	}
	b.queues = make(map[string]chan Event)
	b.mu.Unlock()
	close(b.stopCh)
	b.wg.Wait()
}
