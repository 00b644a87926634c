package main

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/manifest"
	"github.com/eyeflow-dev/kernel/preload"
)

// versionArtifactLoader implements orchestrator.ArtifactLoader: it loads a
// version's stored IR, resolves its CALL_SERVICE instructions against the
// manifest, seals the result through the preloader, and caches the sealed
// artifact by versionID so a hot version isn't re-sealed on every request.
type versionArtifactLoader struct {
	versions  lifecycle.Store
	resolver  *manifest.Resolver
	preloader *preload.Preloader
	policy    manifest.TrustPolicy
	cache     *lru.Cache[string, *artifact.CompiledWorkflow]
}

func newVersionArtifactLoader(versions lifecycle.Store, resolver *manifest.Resolver, preloader *preload.Preloader, policy manifest.TrustPolicy, cacheSize int) (*versionArtifactLoader, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *artifact.CompiledWorkflow](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build artifact cache: %w", err)
	}
	return &versionArtifactLoader{versions: versions, resolver: resolver, preloader: preloader, policy: policy, cache: cache}, nil
}

func (l *versionArtifactLoader) Load(ctx context.Context, versionID string) (*artifact.CompiledWorkflow, error) {
	if cw, ok := l.cache.Get(versionID); ok {
		if healthy, _ := cw.IsHealthy(ctx); healthy {
			return cw, nil
		}
		l.cache.Remove(versionID)
	}

	v, err := l.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("artifact loader: load version %s: %w", versionID, err)
	}

	var prog ir.Program
	if err := json.Unmarshal(v.IRBinary, &prog); err != nil {
		return nil, fmt.Errorf("artifact loader: decode program for version %s: %w", versionID, err)
	}

	resolved, err := l.resolver.Resolve(ctx, &prog, l.policy)
	if err != nil {
		return nil, fmt.Errorf("artifact loader: resolve version %s: %w", versionID, err)
	}

	cw, err := l.preloader.Seal(ctx, resolved, versionID, v.ProjectID, v.VersionID)
	if err != nil {
		return nil, fmt.Errorf("artifact loader: seal version %s: %w", versionID, err)
	}
	l.cache.Add(versionID, cw)
	return cw, nil
}
