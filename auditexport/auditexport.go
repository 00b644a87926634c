// Package auditexport implements the Audit Exporter (spec.md C7): it
// subscribes to every auditchain.Append and publishes events to the
// downstream broker, falling back to the Offline Buffer with exponential
// backoff when the broker is unreachable.
package auditexport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/broker/pulse"
)

const (
	defaultTopic      = "audit-events"
	backoffFloor      = 100 * time.Millisecond
	backoffCeiling    = 30 * time.Second
)

// Buffer is the subset of offlinebuffer.Buffer the exporter needs; declared
// here to avoid importing the offlinebuffer package's NotifyConnected/retry
// machinery into this package's dependency surface.
type Buffer interface {
	EnqueueAudit(ctx context.Context, event any) error
}

// Exporter publishes audit events onto the broker, partitioned per workflow.
type Exporter struct {
	client  pulse.Client
	topic   string
	buffer  Buffer
	logger  *slog.Logger
	chainID string

	mu      sync.Mutex
	streams map[string]pulse.Stream
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithTopic overrides the default "audit-events" topic (KAFKA_AUDIT_TOPIC).
func WithTopic(topic string) Option {
	return func(e *Exporter) {
		if topic != "" {
			e.topic = topic
		}
	}
}

// WithOfflineBuffer routes publish failures to buf instead of dropping them.
func WithOfflineBuffer(buf Buffer) Option {
	return func(e *Exporter) { e.buffer = buf }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

// New builds an Exporter bound to client. Call Register to wire it to a
// Chain.
func New(client pulse.Client, opts ...Option) *Exporter {
	e := &Exporter{
		client:  client,
		topic:   defaultTopic,
		logger:  slog.Default(),
		streams: make(map[string]pulse.Stream),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register subscribes the exporter to chain as an export handler and
// captures the chain's identity for the x-audit-chain-id header.
func (e *Exporter) Register(chain *auditchain.Chain) {
	e.chainID = chain.ChainID()
	chain.RegisterExportHandler(e.handle)
}

func (e *Exporter) handle(ctx context.Context, event auditchain.Event) {
	if err := e.publishWithBackoff(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "audit export failed, routing to offline buffer",
			"workflowId", event.WorkflowID, "eventId", event.EventID, "error", err)
		if e.buffer != nil {
			if bufErr := e.buffer.EnqueueAudit(ctx, event); bufErr != nil {
				e.logger.ErrorContext(ctx, "offline buffer enqueue failed, event dropped",
					"workflowId", event.WorkflowID, "eventId", event.EventID, "error", bufErr)
			}
		}
	}
}

// publishWithBackoff retries Publish with exponential backoff from
// backoffFloor up to backoffCeiling before giving up and returning the last
// error, at which point the caller routes to the offline buffer.
func (e *Exporter) publishWithBackoff(ctx context.Context, event auditchain.Event) error {
	delay := backoffFloor
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.publish(ctx, event); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt >= 6 {
			return lastErr
		}
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > backoffCeiling {
			delay = backoffCeiling
		}
	}
}

func (e *Exporter) publish(ctx context.Context, event auditchain.Event) error {
	stream, err := e.streamFor(event.WorkflowID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event.Wire())
	if err != nil {
		return fmt.Errorf("auditexport: marshal event: %w", err)
	}
	headers := map[string]string{
		"x-event-type":     string(event.EventType),
		"x-node-id":        event.NodeID,
		"x-workflow-id":    event.WorkflowID,
		"x-audit-chain-id": e.chainID,
	}
	_, err = stream.Add(ctx, string(event.EventType), headers, payload)
	return err
}

// streamFor returns (creating if needed) the per-workflow stream.
func (e *Exporter) streamFor(workflowID string) (pulse.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := pulse.AuditStreamName(e.topic, workflowID)
	if s, ok := e.streams[name]; ok {
		return s, nil
	}
	s, err := e.client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("auditexport: open stream %q: %w", name, err)
	}
	e.streams[name] = s
	return s, nil
}
