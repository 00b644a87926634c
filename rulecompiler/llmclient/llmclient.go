// Package llmclient is a thin transport shim for the LLM parse/refine
// callout (spec.md §6): a plain net/http POST, never a model SDK, since all
// LLM work happens at compile time and the kernel never invokes a model at
// runtime.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// backoffSteps are the fixed retry delays spec §6 names for the LLM
// callout: "100 ms, 500 ms, 2 000 ms, then escalated".
var backoffSteps = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2000 * time.Millisecond}

// ProposedRule mirrors one entry of the LLM response's "rules" array.
type ProposedRule struct {
	Trigger   any `json:"trigger"`
	Condition any `json:"condition"`
	Actions   any `json:"actions"`
}

// ParseResponse is the LLM service's response shape for both parse and
// refine callouts: {rules: [...], confidence: 0..1}.
type ParseResponse struct {
	Rules      []ProposedRule `json:"rules"`
	Confidence float64        `json:"confidence"`
}

type parseRequest struct {
	UserIntent        string `json:"user_intent"`
	AggregatedContext any    `json:"aggregated_context"`
}

type refineRequest struct {
	CurrentRules      any    `json:"current_rules"`
	Feedback          string `json:"feedback"`
	AggregatedContext any    `json:"aggregated_context"`
}

// Client posts to a single LLM service endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New builds a Client. httpClient defaults to http.DefaultClient when nil.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

// Parse posts {user_intent, aggregated_context} and returns the proposed
// rules.
func (c *Client) Parse(ctx context.Context, userIntent string, aggregatedContext any) (*ParseResponse, error) {
	return c.post(ctx, parseRequest{UserIntent: userIntent, AggregatedContext: aggregatedContext})
}

// Refine posts {current_rules, feedback, aggregated_context} and returns the
// revised proposed rules.
func (c *Client) Refine(ctx context.Context, currentRules any, feedback string, aggregatedContext any) (*ParseResponse, error) {
	return c.post(ctx, refineRequest{CurrentRules: currentRules, Feedback: feedback, AggregatedContext: aggregatedContext})
}

func (c *Client) post(ctx context.Context, body any) (*ParseResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(backoffSteps); attempt++ {
		resp, err := c.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == len(backoffSteps) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffSteps[attempt]):
		}
	}
	return nil, fmt.Errorf("llmclient: escalating after %d attempts: %w", len(backoffSteps)+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, payload []byte) (*ParseResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, string(body))
	}

	var out ParseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
