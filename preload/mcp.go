package preload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/manifest"
)

// DefaultMCPProtocolVersion is the MCP wire protocol version used for the
// initialize handshake when a manifest entry does not specify one.
const DefaultMCPProtocolVersion = "2024-11-05"

// MCPLoader opens and handshakes a persistent JSON-RPC-over-HTTP channel to
// an MCP server, in the style of goa-ai's own MCP runtime caller.
type MCPLoader struct {
	client *http.Client
}

// NewMCPLoader builds an MCPLoader using the provided HTTP client, or a
// default client with a 10s timeout when client is nil.
func NewMCPLoader(client *http.Client) *MCPLoader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &MCPLoader{client: client}
}

func (l *MCPLoader) Format() manifest.Format { return manifest.FormatMCP }

func (l *MCPLoader) Load(ctx context.Context, entry manifest.Entry) (artifact.Handle, error) {
	h := &mcpHandle{serviceID: entry.ServiceID, endpoint: entry.URL, client: l.client}
	if err := h.handshake(ctx); err != nil {
		return nil, fmt.Errorf("mcp handshake: %w", err)
	}
	return h, nil
}

type mcpHandle struct {
	serviceID string
	endpoint  string
	client    *http.Client
	nextID    uint64
	open      bool
}

func (h *mcpHandle) ServiceID() string { return h.serviceID }
func (h *mcpHandle) Format() string    { return string(manifest.FormatMCP) }

func (h *mcpHandle) Healthy(ctx context.Context) bool {
	if !h.open {
		return false
	}
	var result map[string]any
	return h.call(ctx, "ping", map[string]any{}, &result) == nil
}

func (h *mcpHandle) Close() error {
	h.open = false
	return nil
}

// Invoke calls method via MCP's "tools/call" request shape.
func (h *mcpHandle) Invoke(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	var result map[string]any
	err := h.call(ctx, "tools/call", map[string]any{"name": method, "arguments": args}, &result)
	return result, err
}

func (h *mcpHandle) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": DefaultMCPProtocolVersion,
		"clientInfo":      map[string]any{"name": "eyeflow-kernel", "version": "1"},
	}
	var result map[string]any
	if err := h.call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	h.open = true
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *mcpHandle) call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&h.nextID, 1)
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode mcp response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}
