// Command eyeflowd runs the EyeFlow kernel node: it wires together the
// service manifest, vault, trigger bus, audit chain, semantic VM, project
// lifecycle, and execution orchestrator into a single process.
//
// # Configuration
//
// Environment variables:
//
//	SVM_NODE_ID                  - node identity used for signing and audit chain genesis (default: "eyeflow-node")
//	SVM_SIGNING_PRIVATE_KEY_PEM  - Ed25519 private key, PEM-encoded (a key pair is generated if unset)
//	SVM_SIGNING_PUBLIC_KEY_PEM   - Ed25519 public key, PEM-encoded (ignored when the private key is unset)
//	REDIS_URL                    - Redis address backing the cancellation bus and Pulse streams (default: "localhost:6379")
//	CANCELLATION_BUS_DISABLED    - "true" runs the cancellation bus on local timers only (also the case when Redis is unreachable at startup)
//	REDIS_PASSWORD               - Redis password (optional)
//	VAULT_ADDR                   - HashiCorp Vault address; remote secret lookup disabled when unset
//	VAULT_TOKEN                  - Vault token for the remote lookup tier (optional)
//	VAULT_KV_MOUNT               - Vault KV v2 mount point (default: "secret")
//	OFFLINE_BUFFER_PATH          - path for the disk-backed offline buffer (default: "./eyeflow-offline.db")
//	MAX_EXECUTION_RETRIES        - cap on automatic retry-lineage replays (default: 3)
//	EYEFLOW_DEBUG                - enables debug-level clue logging when set to a non-empty value
//
// # Example
//
//	REDIS_URL=localhost:6379 go run ./cmd/eyeflowd
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/auditexport"
	"github.com/eyeflow-dev/kernel/broker/pulse"
	"github.com/eyeflow-dev/kernel/cancelbus"
	"github.com/eyeflow-dev/kernel/connectorpolicy"
	execmemory "github.com/eyeflow-dev/kernel/execrecord/memory"
	"github.com/eyeflow-dev/kernel/lifecycle"
	lifecyclememory "github.com/eyeflow-dev/kernel/lifecycle/memory"
	"github.com/eyeflow-dev/kernel/manifest"
	manifestmemory "github.com/eyeflow-dev/kernel/manifest/memory"
	memstatememory "github.com/eyeflow-dev/kernel/memstate/memory"
	"github.com/eyeflow-dev/kernel/offlinebuffer"
	"github.com/eyeflow-dev/kernel/orchestrator"
	"github.com/eyeflow-dev/kernel/preload"
	"github.com/eyeflow-dev/kernel/rulecompiler"
	"github.com/eyeflow-dev/kernel/rulecompiler/llmclient"
	"github.com/eyeflow-dev/kernel/signer"
	"github.com/eyeflow-dev/kernel/telemetry"
	"github.com/eyeflow-dev/kernel/trigger"
	"github.com/eyeflow-dev/kernel/vault"
	"github.com/eyeflow-dev/kernel/vm"

	vaultapi "github.com/hashicorp/vault/api"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = telemetry.Setup(ctx, os.Getenv("EYEFLOW_DEBUG") != "")
	logger := telemetry.NewLogger(ctx)
	tracer := telemetry.NewTracer()
	metrics := telemetry.NewMetrics()
	nodeID := envOr("SVM_NODE_ID", "eyeflow-node")

	sgnr, err := signer.Load(os.Getenv("SVM_SIGNING_PRIVATE_KEY_PEM"), os.Getenv("SVM_SIGNING_PUBLIC_KEY_PEM"), nodeID)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()
	redisReachable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisReachable = false
		logger.Warn("redis unreachable, cancellation bus and audit export will degrade", "error", err)
	}

	manifests := manifestmemory.New()
	resolver := manifest.NewResolver(manifests)

	preloader := preload.New(sgnr,
		preload.NewWASMLoader(ctx),
		preload.NewMCPLoader(nil),
		preload.NewNativeLoader(),
	)

	versions := lifecyclememory.New()
	auditChain, err := auditchain.New(nodeID, sgnr)
	if err != nil {
		return fmt.Errorf("build audit chain: %w", err)
	}

	buffer, err := offlinebuffer.Open(envOr("OFFLINE_BUFFER_PATH", "./eyeflow-offline.db"))
	if err != nil {
		return fmt.Errorf("open offline buffer: %w", err)
	}
	defer func() {
		if err := buffer.Close(); err != nil {
			logger.Warn("close offline buffer", "error", err)
		}
	}()
	auditChain.SetOfflineBuffer(buffer)

	pulseClient, err := pulse.New(pulse.Options{Redis: redisClient})
	if err != nil {
		return fmt.Errorf("build pulse client: %w", err)
	}
	exporter := auditexport.New(pulseClient, auditexport.WithOfflineBuffer(buffer), auditexport.WithLogger(logger))
	exporter.Register(auditChain)

	lifecycleMgr := lifecycle.NewManager(versions, func(ctx context.Context, projectID, versionID, transition, author string) {
		_, err := auditChain.Append(ctx, auditchain.Input{
			WorkflowID: projectID,
			EventType:  auditchain.EventType("LIFECYCLE_" + transition),
			Details:    map[string]any{"versionId": versionID, "author": author},
		})
		if err != nil {
			logger.Warn("lifecycle audit append failed", "projectId", projectID, "versionId", versionID, "error", err)
		}
	})

	cancellation := cancelbus.New(redisClient, os.Getenv("CANCELLATION_BUS_DISABLED") == "true" || !redisReachable, logger)

	v, err := buildVault()
	if err != nil {
		return fmt.Errorf("build vault: %w", err)
	}

	loader, err := newVersionArtifactLoader(versions, resolver, preloader, manifest.TrustPolicy{MinTrust: manifest.TrustLow}, 256)
	if err != nil {
		return fmt.Errorf("build artifact loader: %w", err)
	}

	machine := &vm.Machine{
		Vault:        v,
		Cancellation: cancellation,
		Schemas:      vm.NewJSONSchemaValidator(),
		Audit: func(ctx context.Context, instructionID, eventType string, input, output any, durationMs int64, details map[string]any) {
			if details == nil {
				details = map[string]any{}
			}
			details["durationMs"] = durationMs
			details["input"] = input
			details["output"] = output
			if _, err := auditChain.Append(ctx, auditchain.Input{
				WorkflowID: instructionID,
				EventType:  auditchain.EventType(eventType),
				Details:    details,
			}); err != nil {
				logger.Warn("instruction audit append failed", "instructionId", instructionID, "error", err)
			}
		},
	}

	maxRetries := envIntOr("MAX_EXECUTION_RETRIES", 3)
	orch := orchestrator.New(
		lifecycleMgr,
		versions,
		loader,
		execmemory.New(),
		memstatememory.New(),
		machine,
		auditChain,
		sgnr,
		nodeID,
		maxRetries,
	).WithTracer(tracer).WithMetrics(metrics)

	policyEngine := connectorpolicy.New(connectorpolicy.Options{})
	compiler := rulecompiler.NewCompiler(policyEngine)
	var refiner rulecompiler.Refiner
	if endpoint := os.Getenv("LLM_SERVICE_URL"); endpoint != "" {
		refiner = rulecompiler.LLMRefiner{Client: llmclient.New(endpoint, nil)}
	}

	admin := newAdminServer(lifecycleMgr, versions, manifests, compiler, refiner, logger, metrics)
	adminSrv := &http.Server{Addr: envOr("ADMIN_ADDR", ":8090"), Handler: admin}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	triggerBus := trigger.New(logger)
	defer triggerBus.Shutdown()
	triggerBus.RegisterDispatcher("default", func(ctx context.Context, event trigger.Event) {
		payload, _ := event.Payload.(map[string]any)
		req := orchestrator.Request{ProjectID: event.WorkflowID, Input: payload}
		rec, err := orch.Execute(ctx, req)
		if err != nil {
			logger.ErrorContext(ctx, "execution failed", "projectId", event.WorkflowID, "error", err)
			return
		}
		logger.InfoContext(ctx, "execution finished", "executionId", rec.ExecutionID, "status", rec.Status)
	})

	logger.Info("eyeflow kernel node started", "nodeId", nodeID)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// buildVault enables the remote Vault KV v2 lookup tier when VAULT_ADDR is
// set; otherwise secrets resolve straight from the environment.
func buildVault() (*vault.Vault, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return vault.New(), nil
	}
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("new vault client: %w", err)
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	mount := envOr("VAULT_KV_MOUNT", "secret")
	return vault.New(vault.WithRemote(client, mount)), nil
}
