package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipit/internal/core/compose"
	"github.com/artpar/shipit/internal/core/config"
	"github.com/artpar/shipit/internal/core/deploy"
	"github.com/artpar/shipit/internal/shell/sshexec"
)

// =============================================================================
// Multi-Host Orchestration
// =============================================================================

// ExecutorFactory opens a remote executor for one host of a stage.
type ExecutorFactory func(host config.HostConfig) (sshexec.Executor, error)

// Recorder persists per-host deployment outcomes. Implementations must
// tolerate being called after a failed pipeline run.
type Recorder interface {
	Record(ctx context.Context, rec HistoryRecord) error
}

// HistoryRecord is one host-level outcome of a deploy or rollback.
type HistoryRecord struct {
	Invocation string
	Stage      string
	Host       string
	Release    string
	Action     string
	Outcome    string
	Detail     string
	Duration   time.Duration
	StartedAt  time.Time
}

// Outcomes and actions recorded into deployment history.
const (
	ActionDeploy   = "deploy"
	ActionRollback = "rollback"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Deployer runs the full release pipeline across every host of a stage,
// one host at a time. The first host failure stops the run: later hosts
// keep their previous release, earlier hosts keep the new one. There is
// no cross-host rollback.
type Deployer struct {
	dctx     deploy.Context
	factory  ExecutorFactory
	secrets  SecretsProvider
	pusher   CodePusher
	builder  ImageBuilder
	built    []compose.BuiltService
	recorder Recorder // optional
	logger   *slog.Logger
}

func NewDeployer(
	dctx deploy.Context,
	factory ExecutorFactory,
	secrets SecretsProvider,
	pusher CodePusher,
	builder ImageBuilder,
	built []compose.BuiltService,
	recorder Recorder,
	logger *slog.Logger,
) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		dctx:     dctx,
		factory:  factory,
		secrets:  secrets,
		pusher:   pusher,
		builder:  builder,
		built:    built,
		recorder: recorder,
		logger:   logger,
	}
}

// Deploy runs the pipeline on each host of the stage in declaration
// order and returns the error of the first host that failed.
func (d *Deployer) Deploy(ctx context.Context) error {
	invocation := uuid.NewString()
	hosts := d.dctx.Stage.Hosts

	d.logger.Info("starting deployment",
		"app", d.dctx.Config.App.Name,
		"stage", d.dctx.StageName,
		"release", d.dctx.Release.Name,
		"hosts", len(hosts),
		"invocation", invocation,
	)

	for i, host := range hosts {
		started := time.Now()
		err := d.deployHost(ctx, host)
		d.record(ctx, HistoryRecord{
			Invocation: invocation,
			Stage:      d.dctx.StageName,
			Host:       host.Address,
			Release:    d.dctx.Release.Name,
			Action:     ActionDeploy,
			Outcome:    outcomeOf(err),
			Detail:     detailOf(err),
			Duration:   time.Since(started),
			StartedAt:  started,
		})
		if err != nil {
			d.recordSkipped(ctx, invocation, hosts[i+1:])
			return fmt.Errorf("deploy to %s: %w", host.Address, err)
		}
		d.logger.Info("host deployed",
			"host", host.Address,
			"release", d.dctx.Release.Name,
			"duration", time.Since(started).Round(time.Millisecond),
		)
	}

	d.logger.Info("deployment complete",
		"release", d.dctx.Release.Name,
		"hosts", len(hosts),
	)
	return nil
}

func (d *Deployer) deployHost(ctx context.Context, host config.HostConfig) error {
	exec, err := d.factory(host)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer exec.Close()

	pipe := NewPipeline(d.dctx, exec, d.secrets, d.pusher, d.builder, d.built, d.logger)
	return pipe.Run(ctx, host.Address)
}

// recordSkipped marks the hosts a failed run never reached.
func (d *Deployer) recordSkipped(ctx context.Context, invocation string, hosts []config.HostConfig) {
	for _, host := range hosts {
		d.record(ctx, HistoryRecord{
			Invocation: invocation,
			Stage:      d.dctx.StageName,
			Host:       host.Address,
			Release:    d.dctx.Release.Name,
			Action:     ActionDeploy,
			Outcome:    OutcomeSkipped,
			StartedAt:  time.Now(),
		})
	}
}

func (d *Deployer) record(ctx context.Context, rec HistoryRecord) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Warn("failed to record deployment history", "host", rec.Host, "error", err)
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func detailOf(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
