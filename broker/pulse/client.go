// Package pulse is the kernel's broker transport: a thin publisher wrapper
// around goa.design/pulse streams over Redis. It backs the Audit Exporter
// (C7) and stands in for the spec's Kafka-shaped config surface (KAFKA_*
// env vars select topic/broker naming; the underlying transport is
// Pulse/Redis streams, the only message broker available anywhere in the
// retrieved corpus — see DESIGN.md). Unlike a generic Pulse SDK wrapper,
// this package only exposes what audit export needs: opening a named stream
// and appending envelopes to it. Consumption (the CDC side of KAFKA_ENABLED)
// happens upstream of cdcproc.Processor, which receives already-normalized
// change events directly rather than reading them back off Pulse.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// StreamOptions returns additional stream options to apply when opening a stream.
		// It is invoked once per Stream call with the stream name.
		//
		// Returning nil means "no additional options".
		StreamOptions func(name string) []streamopts.Stream
		// OperationTimeout bounds individual Add operations. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens named Pulse streams for publishing.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. Callers typically own the Redis
		// connection and may provide a no-op implementation.
		Close(ctx context.Context) error
	}

	// Stream publishes envelopes to a Pulse stream.
	Stream interface {
		// Add publishes payload under event, carrying headers alongside it, and
		// returns the event ID Redis assigned (e.g., "1234567890-0").
		Add(ctx context.Context, event string, headers map[string]string, payload []byte) (string, error)
	}
)

// Envelope is the value actually stored in a Pulse stream entry. Pulse
// stream entries carry only an event name and a byte payload, so the
// routing headers spec §6 requires (x-event-type, x-node-id, x-workflow-id,
// x-audit-chain-id) travel inside the envelope rather than as native stream
// metadata.
type Envelope struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}

// AuditStreamName returns the per-workflow stream name for audit events, so
// a single Redis/Pulse instance partitions audit traffic by workflowId
// (spec: "partitioned by workflowId") without a broker per tenant.
func AuditStreamName(topic, workflowID string) string {
	return topic + "." + workflowID
}

// client wraps a Redis connection and provides stream access.
type client struct {
	redis        *redis.Client
	maxLen       int
	streamOptsFn func(name string) []streamopts.Stream
	timeout      time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection. The
// Redis field in opts is required; other fields are optional. Returns an error
// if opts.Redis is nil.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:        opts.Redis,
		maxLen:       opts.StreamMaxLen,
		streamOptsFn: opts.StreamOptions,
		timeout:      opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named Pulse stream, creating it if it doesn't
// exist. Returns an error if the name is empty or if stream creation fails.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	if c.streamOptsFn != nil {
		streamOptions = append(streamOptions, c.streamOptsFn(name)...)
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op because the caller typically owns and manages the Redis
// connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// Add wraps payload and headers into an Envelope, publishes it to the
// stream under event, and returns the Redis-assigned entry ID.
func (h *handle) Add(ctx context.Context, event string, headers map[string]string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	body, err := json.Marshal(Envelope{Headers: headers, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("pulse add: marshal envelope: %w", err)
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, body)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}
