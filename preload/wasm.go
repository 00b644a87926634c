package preload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/manifest"
)

// WASMLoader fetches and compiles a WASM module with wazero. The compiled
// module and its runtime are kept alive for the lifetime of the sealed
// artifact so CALL_SERVICE dispatch can instantiate fresh instances cheaply.
type WASMLoader struct {
	runtime wazero.Runtime
	fetch   func(ctx context.Context, url string) ([]byte, error)
}

// NewWASMLoader builds a WASMLoader backed by a shared wazero runtime.
func NewWASMLoader(ctx context.Context) *WASMLoader {
	return &WASMLoader{
		runtime: wazero.NewRuntime(ctx),
		fetch:   fetchHTTP,
	}
}

func (l *WASMLoader) Format() manifest.Format { return manifest.FormatWASM }

func (l *WASMLoader) Load(ctx context.Context, entry manifest.Entry) (artifact.Handle, error) {
	bytecode, err := l.fetch(ctx, entry.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch module bytes: %w", err)
	}
	mod, err := l.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return &wasmHandle{serviceID: entry.ServiceID, runtime: l.runtime, module: mod}, nil
}

type wasmHandle struct {
	serviceID string
	runtime   wazero.Runtime
	module    wazero.CompiledModule
	closed    bool
}

func (h *wasmHandle) ServiceID() string { return h.serviceID }
func (h *wasmHandle) Format() string    { return string(manifest.FormatWASM) }

func (h *wasmHandle) Healthy(context.Context) bool {
	return !h.closed && h.module != nil
}

func (h *wasmHandle) Close() error {
	h.closed = true
	return h.module.Close(context.Background())
}

// Invoke instantiates a fresh module instance and calls the exported
// function named method. The module must follow the calling convention
// `alloc(size uint32) uint32` plus `<method>(inPtr, inLen uint32) uint64`
// returning a packed (outPtr<<32 | outLen); args/result are JSON-encoded in
// linear memory. A new instance per call keeps concurrent CALL_SERVICE
// dispatches from sharing mutable module state.
func (h *wasmHandle) Invoke(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	instance, err := h.runtime.InstantiateModule(ctx, h.module, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", h.serviceID, err)
	}
	defer instance.Close(ctx)

	alloc := instance.ExportedFunction("alloc")
	fn := instance.ExportedFunction(method)
	if alloc == nil || fn == nil {
		return nil, fmt.Errorf("wasm module %s missing alloc/%s export", h.serviceID, method)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s: %w", method, err)
	}

	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes in %s: %w", len(payload), h.serviceID, err)
	}
	inPtr := uint32(results[0])
	if !instance.Memory().Write(inPtr, payload) {
		return nil, fmt.Errorf("write args into %s memory out of range", h.serviceID)
	}

	packed, err := fn.Call(ctx, uint64(inPtr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, h.serviceID, err)
	}
	outPtr := uint32(packed[0] >> 32)
	outLen := uint32(packed[0])
	out, ok := instance.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read result from %s memory out of range", h.serviceID)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decode result from %s: %w", method, err)
	}
	return result, nil
}

func fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
