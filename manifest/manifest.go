// Package manifest implements the Service Manifest & Resolver (spec.md C1):
// an immutable, process-wide table of external service descriptors and the
// resolution pass that annotates a compiled workflow's CALL_SERVICE
// instructions with dispatch metadata.
package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/eyeflow-dev/kernel/ir"
)

// Format identifies how a service's artifact is packaged and invoked.
type Format string

const (
	FormatWASM      Format = "WASM"
	FormatMCP       Format = "MCP"
	FormatNative    Format = "NATIVE"
	FormatContainer Format = "CONTAINER"
)

// TrustLevel ranks how much a service is trusted to run unattended.
type TrustLevel int

const (
	TrustLow TrustLevel = iota
	TrustMedium
	TrustHigh
)

// ParseTrustLevel converts the wire-level trust label into a TrustLevel.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "low":
		return TrustLow, nil
	case "medium":
		return TrustMedium, nil
	case "high":
		return TrustHigh, nil
	default:
		return 0, fmt.Errorf("manifest: unknown trust level %q", s)
	}
}

type (
	// Signature describes a registered input or output shape for a service
	// method; it is opaque to the resolver and interpreted by schema
	// validation (VALIDATE instructions) and the preloader.
	Signature struct {
		Name   string `json:"name"`
		Schema []byte `json:"schema,omitempty"`
	}

	// Entry is one row of the service manifest. Entries are immutable once
	// registered; (ServiceID, Version) is unique.
	Entry struct {
		ServiceID  string      `json:"service_id"`
		Version    string      `json:"version"`
		Format     Format      `json:"format"`
		URL        string      `json:"url"`
		TrustLevel TrustLevel  `json:"trust_level"`
		Inputs     []Signature `json:"inputs,omitempty"`
		Outputs    []Signature `json:"outputs,omitempty"`
		// Method is the default dispatch method name for this service, used
		// when a CALL_SERVICE instruction does not override it via operands.
		Method string `json:"method"`
		// TimeoutMs is the per-service default dispatch timeout (spec §5).
		TimeoutMs int `json:"timeout_ms"`
	}

	// Resolved is the output of resolving a single CALL_SERVICE instruction:
	// the manifest entry plus the dispatch metadata stamped onto the
	// instruction.
	Resolved struct {
		Entry      Entry
		Dispatch   ir.DispatchMetadata
		InstrIndex int
	}

	// ResolutionResult is the output of resolving an entire ir.Program: the
	// mutated program (dispatch metadata attached) and the deduplicated list
	// of services it references.
	ResolutionResult struct {
		Program  *ir.Program
		Services []Resolved
	}

	// TrustPolicy bounds which services a project may call.
	TrustPolicy struct {
		MinTrust TrustLevel
	}
)

var (
	// ErrNotFound is returned when a (serviceId, version) pair is not registered.
	ErrNotFound = errors.New("manifest: service not found")
	// ErrTrustViolation is returned when a resolved service's trust level is
	// below the project's policy.
	ErrTrustViolation = errors.New("manifest: trust level below policy")
)

// Store is the persistence layer for manifest entries. Implementations must
// be safe for concurrent use. The table is read-only after process startup
// (spec §5); Register is only called during composition / admin reload.
type Store interface {
	Register(ctx context.Context, entry Entry) error
	Get(ctx context.Context, serviceID, version string) (Entry, error)
	// Resolve picks the entry matching serviceID whose version satisfies the
	// given semver constraint (e.g. the exact version if constraint is an
	// exact version, or the highest match for a range).
	Resolve(ctx context.Context, serviceID, versionConstraint string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// Resolver performs C1 resolution over an ir.Program.
type Resolver struct {
	store Store
}

// NewResolver builds a Resolver backed by the given Store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve annotates every CALL_SERVICE instruction in prog with dispatch
// metadata from the manifest, enforcing policy.MinTrust. It is deterministic:
// instructions are walked in InstructionOrder, never map order, so the same
// (prog, manifest) pair always yields the same Services slice order.
func (r *Resolver) Resolve(ctx context.Context, prog *ir.Program, policy TrustPolicy) (*ResolutionResult, error) {
	result := &ResolutionResult{Program: prog}
	seen := make(map[string]bool)
	for _, idx := range prog.InstructionOrder {
		pos := indexOf(prog.Instructions, idx)
		if pos < 0 {
			return nil, fmt.Errorf("manifest: instruction %d missing from program", idx)
		}
		instr := &prog.Instructions[pos]
		if instr.Opcode != ir.OpCallService {
			continue
		}
		serviceID, _ := instr.Operands["service_id"].(string)
		serviceVersion, _ := instr.Operands["service_version"].(string)
		if serviceID == "" {
			return nil, fmt.Errorf("manifest: instruction %d missing service_id operand", idx)
		}
		entry, err := r.store.Resolve(ctx, serviceID, serviceVersion)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("manifest: service %s@%s not found: %w", serviceID, serviceVersion, err)
			}
			return nil, fmt.Errorf("manifest: resolve %s@%s: %w", serviceID, serviceVersion, err)
		}
		if entry.TrustLevel < policy.MinTrust {
			return nil, fmt.Errorf("%w: %s@%s has trust level %d, policy requires >= %d",
				ErrTrustViolation, serviceID, entry.Version, entry.TrustLevel, policy.MinTrust)
		}
		method, _ := instr.Operands["method"].(string)
		if method == "" {
			method = entry.Method
		}
		dispatch := ir.DispatchMetadata{
			ServiceID:      entry.ServiceID,
			ServiceVersion: entry.Version,
			Format:         string(entry.Format),
			Method:         method,
			TimeoutMs:      entry.TimeoutMs,
		}
		instr.Dispatch = &dispatch
		key := entry.ServiceID + "@" + entry.Version
		if !seen[key] {
			seen[key] = true
			result.Services = append(result.Services, Resolved{
				Entry:      entry,
				Dispatch:   dispatch,
				InstrIndex: idx,
			})
		}
	}
	return result, nil
}

func indexOf(instructions []ir.Instruction, idx int) int {
	for i, instr := range instructions {
		if instr.Index == idx {
			return i
		}
	}
	return -1
}

// SatisfiesConstraint reports whether version satisfies the given semver
// constraint string. An empty constraint matches any version.
func SatisfiesConstraint(version, constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("manifest: invalid version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		// fall back to exact match for a bare version constraint like "2.1.0"
		if exact, exactErr := semver.NewVersion(constraint); exactErr == nil {
			return v.Equal(exact), nil
		}
		return false, fmt.Errorf("manifest: invalid constraint %q: %w", constraint, err)
	}
	return c.Check(v), nil
}
