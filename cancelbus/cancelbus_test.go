package cancelbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/cancelbus"
)

func newTestBus(t *testing.T) (cancelbus.Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cancelbus.New(client, false, nil), client
}

func TestWaitForCancellationReturnsTrueOnCancel(t *testing.T) {
	bus, client := newTestBus(t)

	done := make(chan bool, 1)
	go func() {
		done <- bus.WaitForCancellation(context.Background(), "exec-1", "thermostat-1", "set_temperature", 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.CancelExecution(context.Background(), "exec-1"))

	select {
	case result := <-done:
		require.True(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCancellation did not return in time")
	}
	_ = client
}

func TestWaitForCancellationReturnsFalseOnTimeout(t *testing.T) {
	bus, _ := newTestBus(t)

	start := time.Now()
	result := bus.WaitForCancellation(context.Background(), "exec-2", "thermostat-1", "set_temperature", 100*time.Millisecond)
	require.False(t, result)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestEmergencyStopCancelsMatchingTargets(t *testing.T) {
	bus, _ := newTestBus(t)

	done := make(chan bool, 1)
	go func() {
		done <- bus.WaitForCancellation(context.Background(), "exec-3", "thermostat-7", "set_temperature", 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.EmergencyStop(context.Background(), "thermostat-7"))

	select {
	case result := <-done:
		require.True(t, result)
	case <-time.After(2 * time.Second):
		t.Fatal("EmergencyStop did not cancel matching execution")
	}
}

func TestDegradedBusAlwaysReturnsFalse(t *testing.T) {
	bus := cancelbus.New(nil, true, nil)

	result := bus.WaitForCancellation(context.Background(), "exec-4", "any", "any", 50*time.Millisecond)
	require.False(t, result)
	require.NoError(t, bus.CancelExecution(context.Background(), "exec-4"))
	require.NoError(t, bus.EmergencyStop(context.Background(), "any"))
}
