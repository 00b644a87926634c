// Package cancelbus implements the Cancellation Bus (spec.md C4): a
// pub/sub channel letting a user or emergency-stop request cancel a pending
// physical action within its commit window. Backed by Redis pub/sub;
// degrades to a local timer-only stub (always returns false) when Redis is
// disabled or unreachable.
package cancelbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const cancelPayload = "CANCEL"

func channelFor(executionID string) string {
	return "cancel:" + executionID
}

// Bus exposes the cancellation wait/signal primitives used by physical
// action instructions and the execution orchestrator.
type Bus interface {
	// WaitForCancellation blocks until either a CANCEL message arrives for
	// executionID (returns true) or window elapses (returns false). target
	// and command are recorded for emergency-stop matching and logging only.
	WaitForCancellation(ctx context.Context, executionID, target, command string, window time.Duration) bool
	// CancelExecution publishes CANCEL on executionID's channel.
	CancelExecution(ctx context.Context, executionID string) error
	// EmergencyStop publishes CANCEL on every channel whose subscription key
	// contains target.
	EmergencyStop(ctx context.Context, target string) error
}

// redisBus is the Redis pub/sub-backed Bus.
type redisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]string // executionID -> target, for EmergencyStop matching
}

// New builds a Bus backed by client. If client is nil or disabled is true,
// returns a degraded Bus that never delivers cancellation.
func New(client *redis.Client, disabled bool, logger *slog.Logger) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if disabled || client == nil {
		logger.Warn("cancellation bus disabled, physical actions cannot be cancelled")
		return &degradedBus{logger: logger}
	}
	return &redisBus{client: client, logger: logger, targets: make(map[string]string)}
}

func (b *redisBus) WaitForCancellation(ctx context.Context, executionID, target, command string, window time.Duration) bool {
	b.mu.Lock()
	b.targets[executionID] = target
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.targets, executionID)
		b.mu.Unlock()
	}()

	sub := b.client.Subscribe(ctx, channelFor(executionID))
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ch := sub.Channel()
	for {
		select {
		case <-waitCtx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			if strings.EqualFold(strings.TrimSpace(msg.Payload), cancelPayload) {
				return true
			}
		}
	}
}

func (b *redisBus) CancelExecution(ctx context.Context, executionID string) error {
	if err := b.client.Publish(ctx, channelFor(executionID), cancelPayload).Err(); err != nil {
		return fmt.Errorf("cancelbus: publish cancel for %q: %w", executionID, err)
	}
	return nil
}

func (b *redisBus) EmergencyStop(ctx context.Context, target string) error {
	b.mu.Lock()
	var matches []string
	for executionID, t := range b.targets {
		if strings.Contains(t, target) {
			matches = append(matches, executionID)
		}
	}
	b.mu.Unlock()

	for _, executionID := range matches {
		if err := b.CancelExecution(ctx, executionID); err != nil {
			return err
		}
	}
	return nil
}

// degradedBus never delivers cancellation; WaitForCancellation always blocks
// for the full window and returns false.
type degradedBus struct {
	logger *slog.Logger
}

func (b *degradedBus) WaitForCancellation(ctx context.Context, executionID, target, command string, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return false
}

func (b *degradedBus) CancelExecution(ctx context.Context, executionID string) error {
	b.logger.Warn("cancellation bus degraded, CancelExecution is a no-op", "executionId", executionID)
	return nil
}

func (b *degradedBus) EmergencyStop(ctx context.Context, target string) error {
	b.logger.Warn("cancellation bus degraded, EmergencyStop is a no-op", "target", target)
	return nil
}
