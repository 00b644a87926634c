// Package preload implements the Service Preloader (spec.md C2): given a
// resolved ir.Program, it fetches every referenced service's artifact by
// format, seals the result into an immutable artifact.CompiledWorkflow, and
// signs its checksum with the node's key.
package preload

import (
	"context"
	"fmt"
	"time"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/canon"
	"github.com/eyeflow-dev/kernel/manifest"
	"github.com/eyeflow-dev/kernel/signer"
)

// Loader fetches and prepares one service artifact for a given manifest
// entry. Each artifact format (WASM, MCP, NATIVE, CONTAINER) gets its own
// Loader implementation registered with the Preloader.
type Loader interface {
	// Format reports which manifest.Format this loader handles.
	Format() manifest.Format
	// Load acquires the artifact described by entry and returns a ready handle.
	Load(ctx context.Context, entry manifest.Entry) (artifact.Handle, error)
}

// PreloadError names the serviceId responsible for a failed seal, per spec's
// error-handling table ("Preload error ... name responsible serviceId").
type PreloadError struct {
	ServiceID string
	Format    manifest.Format
	Err       error
}

func (e *PreloadError) Error() string {
	return fmt.Sprintf("preload: %s (%s): %v", e.ServiceID, e.Format, e.Err)
}

func (e *PreloadError) Unwrap() error { return e.Err }

// Preloader seals resolved programs into CompiledWorkflow artifacts.
type Preloader struct {
	loaders map[manifest.Format]Loader
	signer  *signer.Signer
}

// New builds a Preloader. loaders should cover every manifest.Format the
// deployment expects to seal; an unsupported format fails the seal with the
// offending serviceId.
func New(sgnr *signer.Signer, loaders ...Loader) *Preloader {
	p := &Preloader{loaders: make(map[manifest.Format]Loader, len(loaders)), signer: sgnr}
	for _, l := range loaders {
		p.loaders[l.Format()] = l
	}
	return p
}

// Seal acquires every resolved service's artifact, computes the checksum
// over the canonical (IR program, resolved service list) pair, signs it, and
// returns the immutable CompiledWorkflow. Any loader failure aborts the
// whole seal and is returned wrapped in *PreloadError.
func (p *Preloader) Seal(ctx context.Context, res *manifest.ResolutionResult, id, userID, workflowName string) (*artifact.CompiledWorkflow, error) {
	preloaded := make(map[string][]artifact.Handle)
	var loadedOK []artifact.Handle
	abort := func(err error) (*artifact.CompiledWorkflow, error) {
		for _, h := range loadedOK {
			_ = h.Close()
		}
		return nil, err
	}

	for _, svc := range res.Services {
		loader, ok := p.loaders[svc.Entry.Format]
		if !ok {
			return abort(&PreloadError{ServiceID: svc.Entry.ServiceID, Format: svc.Entry.Format, Err: fmt.Errorf("no loader registered")})
		}
		handle, err := loader.Load(ctx, svc.Entry)
		if err != nil {
			return abort(&PreloadError{ServiceID: svc.Entry.ServiceID, Format: svc.Entry.Format, Err: err})
		}
		loadedOK = append(loadedOK, handle)
		key := string(svc.Entry.Format)
		preloaded[key] = append(preloaded[key], handle)
	}

	checksumInput := struct {
		Program  any `json:"program"`
		Services any `json:"services"`
	}{Program: res.Program, Services: res.Services}
	checksum, err := canon.HashHex(checksumInput)
	if err != nil {
		return abort(fmt.Errorf("preload: checksum: %w", err))
	}
	sig := p.signer.Sign([]byte(checksum))

	return &artifact.CompiledWorkflow{
		ID:             id,
		UserID:         userID,
		WorkflowName:   workflowName,
		Program:        res.Program,
		PreLoaded:      preloaded,
		Checksum:       checksum,
		Signature:      fmt.Sprintf("%x", sig),
		SignatureKeyID: p.signer.KeyID(),
		SealedAt:       time.Now().UTC(),
	}, nil
}
