package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/ir"
)

func TestFetchSecretEnvMappedFallback(t *testing.T) {
	t.Setenv("VAULT_SECRET_DB_PASSWORD", "s3cr3t")
	v := New()
	value, err := v.FetchSecret(context.Background(), "db/password")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", value)
}

func TestFetchSecretDirectEnvFallback(t *testing.T) {
	t.Setenv("API_KEY", "abc123")
	v := New()
	value, err := v.FetchSecret(context.Background(), "api_key")
	require.NoError(t, err)
	require.Equal(t, "abc123", value)
}

func TestFetchSecretNotFound(t *testing.T) {
	v := New()
	_, err := v.FetchSecret(context.Background(), "totally/missing/secret")
	require.Error(t, err)
}

func TestFetchSecretIsCached(t *testing.T) {
	t.Setenv("VAULT_SECRET_ROTATING", "first")
	v := New()
	first, err := v.FetchSecret(context.Background(), "rotating")
	require.NoError(t, err)
	require.Equal(t, "first", first)

	t.Setenv("VAULT_SECRET_ROTATING", "second")
	second, err := v.FetchSecret(context.Background(), "rotating")
	require.NoError(t, err)
	require.Equal(t, "first", second, "cached value should not change within the TTL window")

	v.ClearCache()
	third, err := v.FetchSecret(context.Background(), "rotating")
	require.NoError(t, err)
	require.Equal(t, "second", third)
}

type fakeRegisters struct {
	values map[int]any
}

func (r *fakeRegisters) Set(reg int, value any) error {
	if r.values == nil {
		r.values = make(map[int]any)
	}
	r.values[reg] = value
	return nil
}

func TestResolveSlotsFillsRegisters(t *testing.T) {
	t.Setenv("VAULT_SECRET_API_TOKEN", "tok-123")
	v := New()
	regs := &fakeRegisters{}

	err := v.ResolveSlots(context.Background(),
		[]ir.VaultSlot{{SlotID: "token", Path: "api/token"}},
		[]int{3},
		regs,
	)
	require.NoError(t, err)
	require.Equal(t, "tok-123", regs.values[3])
}

func TestResolveSlotsMissingSrcRegister(t *testing.T) {
	v := New()
	regs := &fakeRegisters{}

	err := v.ResolveSlots(context.Background(),
		[]ir.VaultSlot{{SlotID: "token", Path: "api/token"}},
		nil,
		regs,
	)
	require.Error(t, err)
}
