// Package auditchain implements the Crypto Audit Chain (spec.md C6): a
// per-node, append-only, Ed25519-signed, hash-linked event log. Append is
// strictly serialized (spec §5: "the chain is the totally-ordered write
// log"); VerifyChain recomputes every link to detect tampering.
package auditchain

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyeflow-dev/kernel/canon"
	"github.com/eyeflow-dev/kernel/signer"
)

// EventType enumerates the audit event kinds defined in spec.md §3.
type EventType string

const (
	EventExecutionStart           EventType = "EXECUTION_START"
	EventExecutionComplete        EventType = "EXECUTION_COMPLETE"
	EventActionTaken              EventType = "ACTION_TAKEN"
	EventPhysicalAction            EventType = "PHYSICAL_ACTION"
	EventFallbackTriggered        EventType = "FALLBACK_TRIGGERED"
	EventLLMCall                  EventType = "LLM_CALL"
	EventValidationPass           EventType = "VALIDATION_PASS"
	EventValidationFail           EventType = "VALIDATION_FAIL"
	EventLoopIteration            EventType = "LOOP_ITERATION"
	EventLoopConverged            EventType = "LOOP_CONVERGED"
	EventLoopTimeout              EventType = "LOOP_TIMEOUT"
	EventPostconditionPassed      EventType = "POSTCONDITION_PASSED"
	EventPostconditionFailed      EventType = "POSTCONDITION_FAILED"
	EventVaultSecretFetched       EventType = "VAULT_SECRET_FETCHED"
	EventHumanConfirmationRequired EventType = "HUMAN_CONFIRMATION_REQUIRED"
	EventCancellationWindowExpired EventType = "CANCELLATION_WINDOW_EXPIRED"
	EventSecurityAlert            EventType = "SECURITY_ALERT"
)

// Input is what a caller supplies to Append; the chain fills in the linkage
// and signature fields.
type Input struct {
	NodeID          string
	WorkflowID      string
	WorkflowVersion *int
	InstructionID   string
	EventType       EventType
	InputPayload    any
	OutputPayload   any
	DurationMs      int64
	Details         map[string]any
}

// Event is one signed, hash-linked entry in the chain.
type Event struct {
	EventID           string         `json:"eventId"`
	Timestamp         string         `json:"timestamp"`
	NodeID            string         `json:"nodeId"`
	WorkflowID        string         `json:"workflowId"`
	WorkflowVersion   *int           `json:"workflowVersion,omitempty"`
	InstructionID     string         `json:"instructionId,omitempty"`
	EventType         EventType      `json:"eventType"`
	InputHash         string         `json:"inputHash"`
	OutputHash        string         `json:"outputHash"`
	DurationMs        int64          `json:"durationMs"`
	Details           map[string]any `json:"details,omitempty"`
	PreviousEventHash string         `json:"previousEventHash"`
	SelfHash          string         `json:"selfHash"`
	Signature         string         `json:"signature"`
	PublicKeyPem      string         `json:"publicKeyPem"`
}

// body is the subset of Event hashed to produce SelfHash: every field except
// SelfHash and Signature themselves.
type body struct {
	EventID           string         `json:"eventId"`
	Timestamp         string         `json:"timestamp"`
	NodeID            string         `json:"nodeId"`
	WorkflowID        string         `json:"workflowId"`
	WorkflowVersion   *int           `json:"workflowVersion,omitempty"`
	InstructionID     string         `json:"instructionId,omitempty"`
	EventType         EventType      `json:"eventType"`
	InputHash         string         `json:"inputHash"`
	OutputHash        string         `json:"outputHash"`
	DurationMs        int64          `json:"durationMs"`
	Details           map[string]any `json:"details,omitempty"`
	PreviousEventHash string         `json:"previousEventHash"`
}

func bodyOf(e Event) body {
	return body{
		EventID: e.EventID, Timestamp: e.Timestamp, NodeID: e.NodeID, WorkflowID: e.WorkflowID,
		WorkflowVersion: e.WorkflowVersion, InstructionID: e.InstructionID, EventType: e.EventType,
		InputHash: e.InputHash, OutputHash: e.OutputHash, DurationMs: e.DurationMs,
		Details: e.Details, PreviousEventHash: e.PreviousEventHash,
	}
}

// WireEvent is the subset of Event published to external consumers
// (spec §6: the broker payload excludes publicKeyPem; verifiers fetch a
// node's public key out of band instead of trusting one embedded per-event).
type WireEvent struct {
	EventID           string         `json:"eventId"`
	Timestamp         string         `json:"timestamp"`
	NodeID            string         `json:"nodeId"`
	WorkflowID        string         `json:"workflowId"`
	WorkflowVersion   *int           `json:"workflowVersion,omitempty"`
	InstructionID     string         `json:"instructionId,omitempty"`
	EventType         EventType      `json:"eventType"`
	InputHash         string         `json:"inputHash"`
	OutputHash        string         `json:"outputHash"`
	DurationMs        int64          `json:"durationMs"`
	Details           map[string]any `json:"details,omitempty"`
	PreviousEventHash string         `json:"previousEventHash"`
	SelfHash          string         `json:"selfHash"`
	Signature         string         `json:"signature"`
}

// Wire returns the externally published subset of e, omitting PublicKeyPem.
func (e Event) Wire() WireEvent {
	return WireEvent{
		EventID: e.EventID, Timestamp: e.Timestamp, NodeID: e.NodeID, WorkflowID: e.WorkflowID,
		WorkflowVersion: e.WorkflowVersion, InstructionID: e.InstructionID, EventType: e.EventType,
		InputHash: e.InputHash, OutputHash: e.OutputHash, DurationMs: e.DurationMs,
		Details: e.Details, PreviousEventHash: e.PreviousEventHash,
		SelfHash: e.SelfHash, Signature: e.Signature,
	}
}

// ExportHandler is offered every appended event; export failures never block
// append (spec §7 "Export transport failure ... keep executing").
type ExportHandler func(ctx context.Context, event Event)

// OfflineBuffer decouples this package from a concrete offline-buffer
// implementation; *offlinebuffer.Buffer satisfies it.
type OfflineBuffer interface {
	EnqueueAudit(ctx context.Context, event any) error
	Offline() bool
}

// Chain is the per-node append-only audit log.
type Chain struct {
	mu      sync.Mutex
	events  []Event
	signer  *signer.Signer
	nodeID  string
	pubKey  string
	exports []ExportHandler
	buffer  OfflineBuffer
}

// New builds a Chain for the given node, signed with sgnr.
func New(nodeID string, sgnr *signer.Signer) (*Chain, error) {
	pubPEM, err := sgnr.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("auditchain: public key pem: %w", err)
	}
	return &Chain{signer: sgnr, nodeID: nodeID, pubKey: pubPEM}, nil
}

// ChainID identifies this chain's signing key, the anchor that both the
// hash chain and every exported event's x-audit-chain-id header are tied to.
func (c *Chain) ChainID() string {
	return c.signer.KeyID()
}

// RegisterExportHandler subscribes h to every future Append.
func (c *Chain) RegisterExportHandler(h ExportHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exports = append(c.exports, h)
}

// SetOfflineBuffer wires the buffer consulted when in offline mode.
func (c *Chain) SetOfflineBuffer(buf OfflineBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = buf
}

// Append adds one event to the chain under the chain's single write mutex,
// computing hash linkage and signature, then offers it to export handlers and
// (if offline) the buffer.
func (c *Chain) Append(ctx context.Context, in Input) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash, err := c.previousHashLocked()
	if err != nil {
		return Event{}, err
	}
	inputHash, err := canon.HashHex(in.InputPayload)
	if err != nil {
		return Event{}, fmt.Errorf("auditchain: hash input: %w", err)
	}
	outputHash, err := canon.HashHex(in.OutputPayload)
	if err != nil {
		return Event{}, fmt.Errorf("auditchain: hash output: %w", err)
	}

	nodeID := in.NodeID
	if nodeID == "" {
		nodeID = c.nodeID
	}

	event := Event{
		EventID:           uuid.NewString(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:            nodeID,
		WorkflowID:        in.WorkflowID,
		WorkflowVersion:   in.WorkflowVersion,
		InstructionID:     in.InstructionID,
		EventType:         in.EventType,
		InputHash:         inputHash,
		OutputHash:        outputHash,
		DurationMs:        in.DurationMs,
		Details:           in.Details,
		PreviousEventHash: prevHash,
		PublicKeyPem:      c.pubKey,
	}
	selfHash, err := canon.HashHex(bodyOf(event))
	if err != nil {
		return Event{}, fmt.Errorf("auditchain: hash self: %w", err)
	}
	event.SelfHash = selfHash
	event.Signature = fmt.Sprintf("%x", c.signer.Sign([]byte(selfHash)))

	c.events = append(c.events, event)

	for _, h := range c.exports {
		h(ctx, event)
	}
	if c.buffer != nil && c.buffer.Offline() {
		_ = c.buffer.EnqueueAudit(ctx, event)
	}
	return event, nil
}

func (c *Chain) previousHashLocked() (string, error) {
	if len(c.events) == 0 {
		return canon.ZeroHashHex, nil
	}
	prev := c.events[len(c.events)-1]
	return canon.HashHex(prev)
}

// Snapshot returns a copy of the chain as currently appended. Readers never
// see a partially-appended event because Append holds the mutex for the
// duration of the append.
func (c *Chain) Snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// VerifyResult is the outcome of VerifyChain.
type VerifyResult struct {
	Valid         bool
	CheckedCount  int
	FirstBrokenAt int
	Err           error
}

// VerifyChain recomputes every event's SelfHash, signature, and
// PreviousEventHash linkage. The first mismatch reports FirstBrokenAt with a
// kind-specific error.
func VerifyChain(events []Event) VerifyResult {
	prevHash := canon.ZeroHashHex
	for i, event := range events {
		wantSelf, err := canon.HashHex(bodyOf(event))
		if err != nil {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("hash body: %w", err)}
		}
		if wantSelf != event.SelfHash {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("selfHash mismatch at event %d", i)}
		}
		pub, err := decodePublicKey(event.PublicKeyPem)
		if err != nil {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("decode public key at event %d: %w", i, err)}
		}
		sig, err := decodeHexSignature(event.Signature)
		if err != nil {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("decode signature at event %d: %w", i, err)}
		}
		if !signer.Verify(pub, []byte(event.SelfHash), sig) {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("signature mismatch at event %d", i)}
		}
		if event.PreviousEventHash != prevHash {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("previousEventHash mismatch at event %d", i)}
		}
		nextPrev, err := canon.HashHex(event)
		if err != nil {
			return VerifyResult{FirstBrokenAt: i, Err: fmt.Errorf("hash event %d: %w", i, err)}
		}
		prevHash = nextPrev
	}
	return VerifyResult{Valid: true, CheckedCount: len(events)}
}

func decodePublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return pub, nil
}

func decodeHexSignature(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
