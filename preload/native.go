package preload

import (
	"context"
	"fmt"
	"plugin"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/manifest"
)

// NativeLoader loads a pre-built Go plugin (.so) as a service handle.
//
// No third-party library in the retrieved corpus wraps native dynamic
// loading better than the standard library's plugin package — this is the
// one loader in the preloader that is stdlib by necessity, not by default
// (see DESIGN.md).
type NativeLoader struct{}

func NewNativeLoader() *NativeLoader { return &NativeLoader{} }

func (l *NativeLoader) Format() manifest.Format { return manifest.FormatNative }

func (l *NativeLoader) Load(_ context.Context, entry manifest.Entry) (artifact.Handle, error) {
	p, err := plugin.Open(entry.URL)
	if err != nil {
		return nil, fmt.Errorf("open native plugin %s: %w", entry.URL, err)
	}
	sym, err := p.Lookup("Invoke")
	if err != nil {
		return nil, fmt.Errorf("plugin %s missing Invoke symbol: %w", entry.URL, err)
	}
	invoke, ok := sym.(func(map[string]any) (map[string]any, error))
	if !ok {
		return nil, fmt.Errorf("plugin %s Invoke has wrong signature", entry.URL)
	}
	return &nativeHandle{serviceID: entry.ServiceID, plugin: p, invoke: invoke}, nil
}

type nativeHandle struct {
	serviceID string
	plugin    *plugin.Plugin
	invoke    func(map[string]any) (map[string]any, error)
	closed    bool
}

func (h *nativeHandle) ServiceID() string { return h.serviceID }
func (h *nativeHandle) Format() string    { return string(manifest.FormatNative) }

func (h *nativeHandle) Healthy(context.Context) bool {
	return !h.closed && h.plugin != nil
}

// Close is a no-op: Go plugins cannot be unloaded once opened. The handle is
// simply marked closed so Healthy reports false afterward.
func (h *nativeHandle) Close() error {
	h.closed = true
	return nil
}

// Invoke calls the plugin's exported entrypoint. method is ignored since a
// native plugin exposes exactly one entrypoint per manifest entry.
func (h *nativeHandle) Invoke(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	return h.invoke(args)
}
