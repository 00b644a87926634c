// Package orchestrator implements the Project Execution Orchestrator
// (spec.md C13): for each execution request it loads the project's active
// version, verifies its seal, runs it through the Semantic VM (C11), and
// threads every instruction boundary through the Crypto Audit Chain (C6).
package orchestrator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/canon"
	"github.com/eyeflow-dev/kernel/execrecord"
	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/memstate"
	"github.com/eyeflow-dev/kernel/vm"
)

// Tracer starts a span covering one Execute call. Satisfied by
// *telemetry.Tracer; nil is a valid no-op.
type Tracer interface {
	StartExecutionSpan(ctx context.Context, projectID, executionID string) (context.Context, func(error))
}

// Metrics records execution-level gauges/histograms/counters. Satisfied by
// *telemetry.Metrics; nil is a valid no-op.
type Metrics interface {
	IncActive()
	DecActive()
	ObserveDuration(seconds float64)
	IncFailure(status string)
}

// Verifier is the subset of signer.Signer the orchestrator needs to check a
// version's stored IR signature.
type Verifier interface {
	PublicKey() ed25519.PublicKey
}

// defaultMaxRetries bounds the supplemental retry-lineage feature
// (MAX_EXECUTION_RETRIES): how many times a FAILED execution may be
// automatically replayed against the same version before giving up.
const defaultMaxRetries = 3

// ArtifactLoader resolves a version's sealed CompiledWorkflow, deferring to
// whatever compiled-workflow cache or cold-build path the deployment uses
// (C1/C2 composed ahead of time, keyed by versionID).
type ArtifactLoader interface {
	Load(ctx context.Context, versionID string) (*artifact.CompiledWorkflow, error)
}

// Request is one execution ask against a project.
type Request struct {
	ProjectID string
	Input     map[string]any
	// RetryOf, when set, marks this request as a retry of a prior failed
	// execution; the orchestrator stamps it into the new record's lineage.
	RetryOf string
	Attempt int
}

// Orchestrator wires together lifecycle (C12), the artifact loader (C1+C2),
// the VM (C11), and the audit chain (C6) into the single entry point spec
// §4.13 describes.
type Orchestrator struct {
	Lifecycle   *lifecycle.Manager
	Versions    lifecycle.Store
	Artifacts   ArtifactLoader
	Records     execrecord.Store
	MemoryState memstate.Store
	Machine     *vm.Machine
	Audit       *auditchain.Chain
	Verifier    Verifier
	NodeID      string
	MaxRetries  int
	Tracer      Tracer
	Metrics     Metrics
}

// New builds an Orchestrator. maxRetries defaults to 3 when <= 0.
func New(lc *lifecycle.Manager, versions lifecycle.Store, artifacts ArtifactLoader, records execrecord.Store, mstate memstate.Store, machine *vm.Machine, audit *auditchain.Chain, verifier Verifier, nodeID string, maxRetries int) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Orchestrator{
		Lifecycle: lc, Versions: versions, Artifacts: artifacts, Records: records, MemoryState: mstate,
		Machine: machine, Audit: audit, Verifier: verifier, NodeID: nodeID, MaxRetries: maxRetries,
	}
}

// WithTracer attaches an OTEL-backed span around every Execute call.
func (o *Orchestrator) WithTracer(t Tracer) *Orchestrator {
	o.Tracer = t
	return o
}

// WithMetrics attaches Prometheus instrumentation to every Execute call.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	o.Metrics = m
	return o
}

// Execute runs req against the project's current ACTIVE version and returns
// the finalized Execution Record. A run that ends FAILED is replayed as a
// new execution (RetryOf set, Attempt incremented) until Attempt reaches
// MaxRetries; the record of the last attempt is returned.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*execrecord.Record, error) {
	proj, err := o.Versions.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load project %s: %w", req.ProjectID, err)
	}
	if proj.ActiveVersionID == "" {
		return nil, lifecycle.ErrNoActiveVersion
	}

	version, err := o.Lifecycle.BeginExecution(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin execution: %w", err)
	}

	if req.Attempt > o.MaxRetries {
		_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
		return nil, fmt.Errorf("orchestrator: exceeded max retries (%d) for version %s", o.MaxRetries, version.VersionID)
	}

	if err := o.verifySeal(version); err != nil {
		_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	cw, err := o.Artifacts.Load(ctx, version.VersionID)
	if err != nil {
		_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
		return nil, fmt.Errorf("orchestrator: load compiled workflow for %s: %w", version.VersionID, err)
	}

	executionID := uuid.NewString()

	var endSpan func(error)
	if o.Tracer != nil {
		ctx, endSpan = o.Tracer.StartExecutionSpan(ctx, req.ProjectID, executionID)
	}
	if o.Metrics != nil {
		o.Metrics.IncActive()
		defer o.Metrics.DecActive()
	}

	var memKey memstate.Key
	if o.MemoryState != nil {
		memKey = memstate.Key{VersionID: version.VersionID, ExecutionID: executionID, NodeID: o.NodeID}
		if _, err := o.MemoryState.GetOrCreate(ctx, memKey); err != nil {
			_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
			return nil, fmt.Errorf("orchestrator: get or create memory state: %w", err)
		}
	}

	rec := execrecord.Record{
		ExecutionID: executionID,
		ProjectID:   req.ProjectID,
		VersionID:   version.VersionID,
		NodeID:      o.NodeID,
		Status:      execrecord.StatusRunning,
		StartedAt:   time.Now().UTC(),
		RetryOf:     req.RetryOf,
		Attempt:     req.Attempt,
	}
	if err := o.Records.Upsert(ctx, rec); err != nil {
		_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
		return nil, fmt.Errorf("orchestrator: create execution record: %w", err)
	}

	o.appendAudit(ctx, executionID, version.Number, "", auditchain.EventExecutionStart, req.Input, nil, 0, nil)

	machine := o.instrumentedMachine(executionID, version.Number)
	regs := vm.NewRegisterFile(0)
	regs.SetInitial(cw.Program.InputRegister, req.Input)

	result, runErr := machine.Run(ctx, cw, executionID, regs)
	if c, ok := o.Machine.Vault.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
	if endSpan != nil {
		endSpan(runErr)
	}

	finishedAt := time.Now().UTC()
	rec.FinishedAt = finishedAt
	if runErr != nil {
		rec.Status = o.classifyFailure(ctx, executionID, version.VersionID, runErr)
		rec.FailureReason = runErr.Error()
	} else {
		rec.Status = execrecord.StatusSucceeded
		if result != nil {
			rec.Output = result.Output
		}
	}
	if o.Metrics != nil {
		o.Metrics.ObserveDuration(finishedAt.Sub(rec.StartedAt).Seconds())
		if rec.Status != execrecord.StatusSucceeded {
			o.Metrics.IncFailure(string(rec.Status))
		}
	}

	o.appendAudit(ctx, executionID, version.Number, "", auditchain.EventExecutionComplete, nil, rec.Output, finishedAt.Sub(rec.StartedAt).Milliseconds(), map[string]any{"status": string(rec.Status)})

	if o.MemoryState != nil {
		row, err := o.MemoryState.GetOrCreate(ctx, memKey)
		if err == nil {
			if rec.Status == execrecord.StatusSucceeded {
				row = memstate.RecordSuccess(row)
			} else {
				row = memstate.RecordFailure(row, rec.FailureReason)
			}
			_ = o.MemoryState.Put(ctx, row)
		}
	}

	if err := o.Records.Upsert(ctx, rec); err != nil {
		_ = o.Lifecycle.EndExecution(ctx, version.VersionID)
		return &rec, fmt.Errorf("orchestrator: finalize execution record: %w", err)
	}

	o.updateProjectStats(ctx, proj, rec)

	if err := o.Lifecycle.EndExecution(ctx, version.VersionID); err != nil {
		return &rec, fmt.Errorf("orchestrator: end execution: %w", err)
	}
	if rec.Status == execrecord.StatusFailed && req.Attempt < o.MaxRetries {
		return o.Execute(ctx, Request{ProjectID: req.ProjectID, Input: req.Input, RetryOf: rec.ExecutionID, Attempt: req.Attempt + 1})
	}
	return &rec, nil
}

// classifyFailure maps a VM run error into a terminal status, recording a
// CANCELLATION_WINDOW_EXPIRED detail when cancellation caused the stop
// (spec §4.13's "record terminates with status CANCELLED and
// CANCELLATION_WINDOW_EXPIRED or user-initiated reason").
func (o *Orchestrator) classifyFailure(ctx context.Context, executionID, versionID string, err error) execrecord.Status {
	if ctx.Err() != nil {
		o.appendAudit(ctx, executionID, 0, "", auditchain.EventCancellationWindowExpired, nil, nil, 0, map[string]any{"reason": err.Error()})
		return execrecord.StatusCancelled
	}
	return execrecord.StatusFailed
}

// verifySeal checks the version's stored IR checksum/signature against its
// IR binary before letting the orchestrator run it (spec §4.13: "verify
// irChecksum against irBinary and (if present) verify irSignature").
func (o *Orchestrator) verifySeal(v lifecycle.Version) error {
	checksum, err := canon.HashHex(v.IRBinary)
	if err != nil {
		return fmt.Errorf("compute ir checksum: %w", err)
	}
	if checksum != v.IRChecksum {
		return fmt.Errorf("ir checksum mismatch for version %s: stored %s, computed %s", v.VersionID, v.IRChecksum, checksum)
	}
	if len(v.IRSignature) == 0 || o.Verifier == nil {
		return nil
	}
	if !ed25519.Verify(o.Verifier.PublicKey(), []byte(checksum), v.IRSignature) {
		return fmt.Errorf("ir signature invalid for version %s", v.VersionID)
	}
	return nil
}

// appendAudit is a thin wrapper around auditchain.Chain.Append that
// swallows (but logs nowhere, since this package has no logger wired in
// yet) append errors: per spec §7, audit append failures must never abort
// an in-flight execution.
func (o *Orchestrator) appendAudit(ctx context.Context, executionID string, version int, instructionID string, eventType auditchain.EventType, in, out any, durationMs int64, details map[string]any) {
	if o.Audit == nil {
		return
	}
	v := version
	_, _ = o.Audit.Append(ctx, auditchain.Input{
		NodeID:          o.NodeID,
		WorkflowID:      executionID,
		WorkflowVersion: &v,
		InstructionID:   instructionID,
		EventType:       eventType,
		InputPayload:    in,
		OutputPayload:   out,
		DurationMs:      durationMs,
		Details:         details,
	})
}

// instrumentedMachine returns a copy of o.Machine whose Audit sink also
// writes to the orchestrator's audit chain, preserving any sink the caller
// already configured (e.g. a metrics exporter) by calling it first.
func (o *Orchestrator) instrumentedMachine(executionID string, version int) *vm.Machine {
	inner := o.Machine.Audit
	m := *o.Machine
	m.Audit = func(ctx context.Context, instructionID, eventType string, input, output any, durationMs int64, details map[string]any) {
		if inner != nil {
			inner(ctx, instructionID, eventType, input, output, durationMs, details)
		}
		o.appendAudit(ctx, executionID, version, instructionID, auditchain.EventType(eventType), input, output, durationMs, details)
	}
	return &m
}

func (o *Orchestrator) updateProjectStats(ctx context.Context, proj lifecycle.Project, rec execrecord.Record) {
	proj.ExecutionCount++
	proj.LastExecutionAt = rec.FinishedAt
	_ = o.Versions.PutProject(ctx, proj)
}
