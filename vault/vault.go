// Package vault implements the Vault (spec.md C3): secret resolution for
// {slotId, path} references attached to IR instructions, never inlined.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/eyeflow-dev/kernel/ir"
)

const cacheTTL = 30 * time.Second

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Vault resolves secret references in order: remote Vault KV v2, then
// VAULT_SECRET_<UPPER_SNAKE(path)>, then path.toUpperCase(). Resolved values
// are cached for 30s; ClearCache is called by the orchestrator after every
// execution so secrets don't outlive their run longer than necessary.
type Vault struct {
	client *vaultapi.Client
	mount  string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a Vault.
type Option func(*Vault)

// WithRemote attaches a hashicorp/vault/api client for KV v2 lookups. When
// omitted, FetchSecret falls back directly to environment variables.
func WithRemote(client *vaultapi.Client, kvMount string) Option {
	return func(v *Vault) {
		v.client = client
		v.mount = kvMount
	}
}

// New builds a Vault. Pass WithRemote to enable the remote KV v2 lookup tier.
func New(opts ...Option) *Vault {
	v := &Vault{mount: "secret", cache: make(map[string]cacheEntry)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// FetchSecret resolves path through the three-tier lookup described in
// spec.md §4.4.
func (v *Vault) FetchSecret(ctx context.Context, path string) (string, error) {
	v.mu.Lock()
	if entry, ok := v.cache[path]; ok && time.Now().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.value, nil
	}
	v.mu.Unlock()

	value, err := v.resolve(ctx, path)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[path] = cacheEntry{value: value, expiresAt: time.Now().Add(cacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *Vault) resolve(ctx context.Context, path string) (string, error) {
	if v.client != nil {
		if value, ok := v.fetchRemote(ctx, path); ok {
			return value, nil
		}
	}
	if value, ok := os.LookupEnv(envMappedName(path)); ok {
		return value, nil
	}
	if value, ok := os.LookupEnv(strings.ToUpper(path)); ok {
		return value, nil
	}
	return "", fmt.Errorf("vault: secret not found anywhere for path %q", path)
}

func (v *Vault) fetchRemote(ctx context.Context, path string) (string, bool) {
	secret, err := v.client.KVv2(v.mount).Get(ctx, path)
	if err != nil || secret == nil {
		return "", false
	}
	value, ok := secret.Data["value"]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// envMappedName converts a vault path into VAULT_SECRET_<UPPER_SNAKE(path)>.
func envMappedName(path string) string {
	replaced := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(path)
	return "VAULT_SECRET_" + strings.ToUpper(replaced)
}

// ClearCache discards all cached secret values. Called by the orchestrator
// after every execution.
func (v *Vault) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]cacheEntry)
}

// RegisterSetter is a register-indexed value sink used by ResolveSlots; it
// decouples this package from the vm package's concrete register file type.
// *vm.RegisterFile satisfies it.
type RegisterSetter interface {
	Set(reg int, value any) error
}

// ResolveSlots fetches every one of slots' secrets and writes slot i's value
// into register src[i], the convention ir.Instruction.VaultSlots/Src use to
// pair a secret with its destination register ahead of a CALL_SERVICE or
// LLM_CALL dispatch.
func (v *Vault) ResolveSlots(ctx context.Context, slots []ir.VaultSlot, src []int, regs RegisterSetter) error {
	for i, slot := range slots {
		if i >= len(src) {
			return fmt.Errorf("vault: slot %q has no corresponding src register", slot.SlotID)
		}
		value, err := v.FetchSecret(ctx, slot.Path)
		if err != nil {
			return fmt.Errorf("vault: resolve slot %q: %w", slot.SlotID, err)
		}
		if err := regs.Set(src[i], value); err != nil {
			return err
		}
	}
	return nil
}
