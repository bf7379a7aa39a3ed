// Package kernel is the dependency-injection root: it wires the
// registry, transport, sender, progress monitor, workspace manager,
// supervisor, RPC dispatcher, parallel dispatcher, performance optimizer,
// and health monitor into one running instance of the orchestrator,
// sharing the exact same construction path whether invoked by a
// long-running primary process or a one-shot bridge subprocess.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/dispatcher"
	"github.com/zjrosen/conclave/internal/flags"
	"github.com/zjrosen/conclave/internal/health"
	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/optimizer"
	"github.com/zjrosen/conclave/internal/orchestration/metrics"
	"github.com/zjrosen/conclave/internal/orchestration/tracing"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/rpc"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/supervisor"
	"github.com/zjrosen/conclave/internal/transport"
	"github.com/zjrosen/conclave/internal/workspace"
)

// AgentCommandEnv names the environment variable that overrides the
// shell command used to launch an instance's assistant process. Left
// unset, instances launch a login shell so a spawned pane is at least
// usable; real deployments point this at their assistant binary.
const AgentCommandEnv = "CONCLAVE_AGENT_COMMAND"

// Kernel holds every long-lived collaborator built from one Config.
type Kernel struct {
	Config     config.Config
	Registry   registry.Backend
	Transport  transport.Transport
	Sender     *sender.Sender
	Progress   *progress.Monitor
	Workspace  *workspace.Manager
	Supervisor *supervisor.Supervisor
	Dispatch   *rpc.Dispatcher
	Jobs       *dispatcher.Dispatcher
	Optimizer  *optimizer.Optimizer
	Health     *health.Monitor
	Tracer     *tracing.Provider
	Metrics    *metrics.Recorder
	Flags      *flags.Registry
}

// New builds a Kernel from cfg. It never starts background loops (health
// probing, job dispatch workers); callers that want those running call
// Start. A one-shot bridge invocation only needs the Dispatch field.
func New(ctx context.Context, cfg config.Config) (*Kernel, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	reg, err := registry.Open(ctx, cfg.Registry, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	tp := transport.New(cfg.Transport.TmuxPath)

	snd := sender.New(tp, sender.Config{
		BatchWindow:    time.Duration(cfg.Sender.BatchWindowMS) * time.Millisecond,
		BatchMaxSize:   cfg.Sender.BatchMaxSize,
		CriticalChunks: cfg.Sender.CriticalChunks,
		MaxRetries:     cfg.Sender.MaxRetries,
	})

	prog := progress.New(progress.DefaultResolver{}, cfg.Progress.PollInterval)
	ws := workspace.New()

	traceCfg := tracing.DefaultConfig()
	tracer, err := tracing.NewProvider(traceCfg)
	if err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}

	metricsRec, err := metrics.NewRecorder(metrics.Config{
		Enabled:     cfg.Metrics.Enabled,
		ServiceName: cfg.Metrics.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("build metrics recorder: %w", err)
	}

	flagReg := flags.New(cfg.Features)

	sup := supervisor.New(reg, tp, snd, ws, prog, defaultCommandBuilder, supervisor.Config{
		SessionPrefix:        cfg.SessionPrefix,
		MaxSpecialistsPerMgr: cfg.Dispatcher.MaxSpecialistsPerMgr,
		ParentLockTTL:        int64(cfg.Registry.LockTTL.Seconds()),
		StateDir:             cfg.StateDir,
	})

	jobs := dispatcher.New(reg, dispatcher.Config{
		MaxConcurrentSpawns:  cfg.Dispatcher.MaxConcurrentSpawns,
		MaxSpecialistsPerMgr: cfg.Dispatcher.MaxSpecialistsPerMgr,
	})

	var pool *optimizer.PrewarmPool
	if flagReg.Enabled(flags.FlagPrewarmPool) {
		pool = optimizer.NewPrewarmPool(tp, cfg.StateDir, cfg.Optimizer.PrewarmCount)
		sup.SetPrewarmPool(pool)
	}
	opt := optimizer.New(optimizer.Settings{
		SpawnConcurrency: cfg.Optimizer.SpawnConcurrency,
		VCCConcurrency:   cfg.Optimizer.VCCConcurrency,
		CacheSize:        cfg.Optimizer.CacheSize,
		CacheTTLSeconds:  int(cfg.Optimizer.CacheTTL.Seconds()),
		PrewarmCount:     cfg.Optimizer.PrewarmCount,
		BatchWindowMS:    cfg.Sender.BatchWindowMS,
		BatchMaxSize:     cfg.Sender.BatchMaxSize,
	}, snd, pool)

	restart := func(ctx context.Context, instanceID string) (*registry.Instance, error) {
		if !flagReg.Enabled(flags.FlagAutoRestart) {
			return nil, kernelerr.New(kernelerr.ErrCapabilityDenied, "auto-restart disabled by feature flag")
		}
		return sup.Restart(ctx, instanceID)
	}
	mon := health.New(reg, tp, restart, cfg.Health.ProbeInterval, cfg.Health.ResetTimeout, health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		SuccessThreshold: cfg.Health.SuccessThreshold,
	})

	d := rpc.New(rpc.TracingMiddleware(tracer.Tracer()))
	rpc.RegisterInstanceVerbs(d, sup)
	rpc.RegisterGitVerbs(d, sup)
	rpc.RegisterJobVerbs(d, jobs)
	rpc.RegisterOptimizerVerbs(d, opt)
	rpc.RegisterMetricsVerbs(d, metricsRec)

	return &Kernel{
		Config:     cfg,
		Registry:   reg,
		Transport:  tp,
		Sender:     snd,
		Progress:   prog,
		Workspace:  ws,
		Supervisor: sup,
		Dispatch:   d,
		Jobs:       jobs,
		Optimizer:  opt,
		Health:     mon,
		Tracer:     tracer,
		Metrics:    metricsRec,
		Flags:      flagReg,
	}, nil
}

// Start runs the Kernel's background loops (health probing) until ctx is
// done. The job dispatcher has no worker loop of its own: Submit/Next are
// driven synchronously by whoever calls the parallel-execution verbs, the
// same as the teacher's queue being drained by its own worker pool rather
// than an implicit goroutine.
func (k *Kernel) Start(ctx context.Context) {
	go k.Health.Start(ctx)
}

// Close stops background loops and flushes the tracer and metrics recorder.
func (k *Kernel) Close(ctx context.Context) error {
	k.Health.Stop()
	if err := k.Metrics.Shutdown(ctx); err != nil {
		return err
	}
	return k.Tracer.Shutdown(ctx)
}

// defaultCommandBuilder exports the environment spawned instances are
// documented to receive (INSTANCE_ID, INSTANCE_ROLE, PARENT_ID,
// ALLOWED_VERBS, STATE_DIR) plus the workspace paths a real assistant
// binary needs to find its task context, then execs it.
func defaultCommandBuilder(spec supervisor.SpawnSpec, info supervisor.LaunchInfo, prepared workspace.Prepared) string {
	agentCmd := os.Getenv(AgentCommandEnv)
	if agentCmd == "" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		agentCmd = shell
	}

	allowedVerbs, _ := json.Marshal(info.AllowedVerbs)
	env := []string{
		fmt.Sprintf("INSTANCE_ID=%s", info.InstanceID),
		fmt.Sprintf("INSTANCE_ROLE=%s", spec.Role),
		fmt.Sprintf("ALLOWED_VERBS=%s", allowedVerbs),
		fmt.Sprintf("STATE_DIR=%s", info.StateDir),
		fmt.Sprintf("CONCLAVE_WORK_DIR=%s", prepared.WorkDir),
		fmt.Sprintf("CONCLAVE_CONTEXT_FILE=%s", prepared.ContextPath),
		fmt.Sprintf("CONCLAVE_CAPABILITY_FILE=%s", prepared.CapabilityPath),
	}
	if spec.ParentID != "" {
		env = append(env, fmt.Sprintf("PARENT_ID=%s", spec.ParentID))
	}

	quoted := make([]string, 0, len(env)+1)
	for _, kv := range env {
		quoted = append(quoted, shellQuote(kv))
	}
	quoted = append(quoted, "exec", shellQuote(agentCmd))
	return "env " + strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
