// Package offlinebuffer implements the Offline Buffer (spec.md C5): a
// bounded, disk-backed FIFO that absorbs audit events, execution results, and
// trigger fires while the downstream broker is unreachable, and replays them
// once NotifyConnected(true) is called.
package offlinebuffer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Kind identifies which SPEC_FULL queue an entry belongs to.
type Kind string

const (
	KindAudit           Kind = "audit"
	KindExecutionResult Kind = "execution_result"
	KindTriggerFire     Kind = "trigger_fire"
)

// entry is one NDJSON line persisted to the buffer file.
type entry struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// FlushHandler attempts to deliver one buffered payload of the given kind.
// A non-nil error leaves the entry at the front of the queue for retry.
type FlushHandler func(ctx context.Context, kind Kind, payload json.RawMessage) error

// Buffer is a bounded FIFO of pending deliveries, persisted to a single
// NDJSON file guarded by an inter-process flock so multiple kernel
// processes never corrupt it concurrently.
type Buffer struct {
	path    string
	maxLen  int
	retryEvery time.Duration
	lock       *flock.Flock

	mu       sync.Mutex
	queue    []entry
	handlers map[Kind]FlushHandler
	connected bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxLen bounds the queue; the oldest entries are dropped once exceeded.
// Zero leaves the default of 10000 (OFFLINE_BUFFER_MAX).
func WithMaxLen(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// WithRetryInterval overrides the default 15s flush retry ticker.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.retryEvery = d
		}
	}
}

// Open loads path (if it exists) into memory under an exclusive flock, held
// until Close, and starts the buffer in disconnected state. Callers call NotifyConnected(true)
// once the downstream transport is reachable.
func Open(path string, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		path:       path,
		maxLen:     10000,
		retryEvery: 15 * time.Second,
		handlers:   make(map[Kind]FlushHandler),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("offlinebuffer: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("offlinebuffer: buffer file %q is locked by another process", path)
	}

	if err := b.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	b.lock = lock

	b.wg.Add(1)
	go b.retryLoop()
	return b, nil
}

func (b *Buffer) load() error {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("offlinebuffer: open %q: %w", b.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		b.queue = append(b.queue, e)
	}
	return scanner.Err()
}

// RegisterFlushHandler wires the delivery function invoked for entries of
// kind. Only one handler per kind is supported; the last registration wins.
func (b *Buffer) RegisterFlushHandler(kind Kind, h FlushHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

func (b *Buffer) enqueue(kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("offlinebuffer: marshal payload: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, entry{Kind: kind, Payload: raw})
	if len(b.queue) > b.maxLen {
		dropped := len(b.queue) - b.maxLen
		b.queue = b.queue[dropped:]
		slog.Warn("offlinebuffer: queue full, dropped oldest entries", "dropped", dropped, "path", b.path)
	}
	return b.persistLocked()
}

// EnqueueAudit buffers an audit chain event for later export.
func (b *Buffer) EnqueueAudit(ctx context.Context, event any) error {
	return b.enqueue(KindAudit, event)
}

// EnqueueExecutionResult buffers an execution record awaiting delivery.
func (b *Buffer) EnqueueExecutionResult(ctx context.Context, result any) error {
	return b.enqueue(KindExecutionResult, result)
}

// EnqueueTriggerFire buffers a trigger firing awaiting dispatch.
func (b *Buffer) EnqueueTriggerFire(ctx context.Context, fire any) error {
	return b.enqueue(KindTriggerFire, fire)
}

func (b *Buffer) persistLocked() error {
	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("offlinebuffer: create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range b.queue {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("offlinebuffer: marshal entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("offlinebuffer: write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("offlinebuffer: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("offlinebuffer: close temp file: %w", err)
	}
	return os.Rename(tmp, b.path)
}

// Offline reports whether the buffer currently believes downstream delivery
// is unavailable.
func (b *Buffer) Offline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.connected
}

// NotifyConnected flips connectivity state. Transitioning to true kicks off
// an immediate drain attempt in addition to the periodic retry ticker.
func (b *Buffer) NotifyConnected(connected bool) {
	b.mu.Lock()
	wasConnected := b.connected
	b.connected = connected
	b.mu.Unlock()

	if connected && !wasConnected {
		b.drain(context.Background())
	}
}

func (b *Buffer) retryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.retryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if !b.Offline() {
				b.drain(context.Background())
			}
		}
	}
}

// drain attempts to flush the queue front-to-back, stopping at the first
// entry whose handler fails or is unregistered so ordering is preserved.
func (b *Buffer) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		head := b.queue[0]
		handler := b.handlers[head.Kind]
		b.mu.Unlock()

		if handler == nil {
			return
		}
		if err := handler(ctx, head.Kind, head.Payload); err != nil {
			return
		}

		b.mu.Lock()
		if len(b.queue) > 0 {
			b.queue = b.queue[1:]
		}
		_ = b.persistLocked()
		b.mu.Unlock()
	}
}

// Len reports the number of entries currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the retry loop, persists the current queue one last time and
// releases the file lock.
func (b *Buffer) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.persistLocked()
	_ = b.lock.Unlock()
	return err
}
