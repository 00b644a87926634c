// Package artifact defines the sealed Compiled Workflow produced by the
// Service Preloader (spec.md C2): immutable IR plus pre-loaded service
// handles, checksummed and signed. It is kept separate from package ir to
// avoid an import cycle between ir (read by the resolver) and preload
// (which seals artifacts referencing ir.Program).
package artifact

import (
	"context"
	"time"

	"github.com/eyeflow-dev/kernel/ir"
)

// Handle is a pre-loaded, format-specific service artifact. Concrete loaders
// (wasm, mcp, native, container) implement this to expose a health check
// without leaking format-specific types into the sealed artifact.
type Handle interface {
	// ServiceID identifies which manifest entry this handle backs.
	ServiceID() string
	// Format returns the handle's packaging format.
	Format() string
	// Healthy re-validates the loaded handle: module still valid, channel
	// still open, ref still resolvable.
	Healthy(ctx context.Context) bool
	// Invoke calls method on the loaded service with args, format-specific
	// dispatch fully hidden from the caller. Used by the VM's CALL_SERVICE
	// and CALL_ACTION opcodes.
	Invoke(ctx context.Context, method string, args map[string]any) (map[string]any, error)
	// Close releases any resources (connections, processes) held by the handle.
	Close() error
}

// CompiledWorkflow is the immutable sealed artifact produced by C2. Once
// SealedAt is non-zero, no field may be mutated; callers share it by
// reference.
type CompiledWorkflow struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	WorkflowName   string `json:"workflow_name"`
	Program        *ir.Program
	PreLoaded      map[string][]Handle `json:"-"` // keyed by manifest.Format string
	Checksum       string              `json:"checksum"`
	Signature      string              `json:"signature"`
	SignatureKeyID string              `json:"signature_key_id"`
	SealedAt       time.Time           `json:"sealed_at"`
}

// IsHealthy re-validates every pre-loaded handle. It returns false on the
// first unhealthy handle it finds, and the responsible serviceId.
func (cw *CompiledWorkflow) IsHealthy(ctx context.Context) (bool, string) {
	for _, handles := range cw.PreLoaded {
		for _, h := range handles {
			if !h.Healthy(ctx) {
				return false, h.ServiceID()
			}
		}
	}
	return true, ""
}

// HandleFor returns the pre-loaded handle backing serviceID among handles of
// the given format, for CALL_SERVICE dispatch.
func (cw *CompiledWorkflow) HandleFor(format, serviceID string) (Handle, bool) {
	for _, h := range cw.PreLoaded[format] {
		if h.ServiceID() == serviceID {
			return h, true
		}
	}
	return nil, false
}

// Close releases every pre-loaded handle. Errors are collected but do not
// stop the sweep; callers that care about individual failures should close
// handles directly.
func (cw *CompiledWorkflow) Close() []error {
	var errs []error
	for _, handles := range cw.PreLoaded {
		for _, h := range handles {
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}
