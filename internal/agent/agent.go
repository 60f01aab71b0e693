package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/kfuncsnoop/internal/attacher"
	"github.com/ethpandaops/kfuncsnoop/internal/export"
)

// Agent is the top-level orchestrator for kfuncsnoop.
type Agent interface {
	// Start initializes all components and attaches to the kernel.
	Start(ctx context.Context) error
	// Stop detaches everything and shuts down gracefully.
	Stop() error
}

type agent struct {
	log     logrus.FieldLogger
	cfg     *Config
	health  *export.HealthMetrics
	att     *attacher.Attacher
	catalog *export.CatalogExporter
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	mode, err := attacher.ParseAttachMode(cfg.Attach.Mode)
	if err != nil {
		return nil, err
	}

	att, err := attacher.New(log, attacher.Options{
		MaxFuncCount: cfg.Attach.MaxFuncs,
		MaxOpenFiles: cfg.Attach.MaxOpenFiles,
		Mode:         mode,
		DryRun:       cfg.Attach.DryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("creating attacher: %w", err)
	}

	for _, g := range cfg.Attach.Allow {
		if err := att.AllowGlob(g.Func, g.Module); err != nil {
			return nil, fmt.Errorf("allow glob %q: %w", g.Func, err)
		}
	}

	for _, g := range cfg.Attach.Deny {
		if err := att.DenyGlob(g.Func, g.Module); err != nil {
			return nil, fmt.Errorf("deny glob %q: %w", g.Func, err)
		}
	}

	return &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: export.NewHealthMetrics(log, cfg.Health),
		att:    att,
	}, nil
}

func (a *agent) Start(ctx context.Context) error {
	// 1. Start health metrics server.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Calibrate the kernel and build the function catalog.
	start := time.Now()

	if err := a.att.Prepare(); err != nil {
		if errors.Is(err, attacher.ErrNoFunctions) {
			return fmt.Errorf(
				"no kernel functions matched the configured globs: %w", err,
			)
		}

		return fmt.Errorf("preparing attacher: %w", err)
	}

	a.health.StartPhaseSeconds.WithLabelValues("prepare").
		Set(time.Since(start).Seconds())

	a.publishDiscoveryMetrics()

	// 3. Load the BPF objects for the selected strategy.
	start = time.Now()

	if err := a.att.Load(); err != nil {
		return fmt.Errorf("loading BPF objects: %w", err)
	}

	a.health.StartPhaseSeconds.WithLabelValues("load").
		Set(time.Since(start).Seconds())

	// 4. Attach to every catalogued function.
	start = time.Now()

	if err := a.att.Attach(); err != nil {
		return fmt.Errorf("attaching to kernel functions: %w", err)
	}

	a.health.StartPhaseSeconds.WithLabelValues("attach").
		Set(time.Since(start).Seconds())

	a.health.FunctionsAttached.Set(float64(a.att.FuncCount()))

	// 5. Flip the readiness flag so the programs start recording.
	if err := a.att.Activate(); err != nil {
		return fmt.Errorf("activating instrumentation: %w", err)
	}

	// 6. Ship a catalog snapshot if an export sink is configured.
	if a.cfg.Export.HTTP.Enabled {
		if err := a.exportCatalog(ctx); err != nil {
			return fmt.Errorf("exporting function catalog: %w", err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"functions": a.att.FuncCount(),
		"strategy":  a.att.Strategy(),
		"dry_run":   a.cfg.Attach.DryRun,
	}).Info("Agent fully started")

	return nil
}

func (a *agent) exportCatalog(ctx context.Context) error {
	catalog, err := export.NewCatalogExporter(a.log, a.cfg.Export.HTTP)
	if err != nil {
		return err
	}

	catalog.Start(ctx)
	a.catalog = catalog

	strategy := a.att.Strategy()
	records := make([]*export.FunctionRecord, 0, a.att.FuncCount())

	for i := 0; i < a.att.FuncCount(); i++ {
		fi := a.att.Func(i)
		records = append(records, &export.FunctionRecord{
			Index:    i,
			Name:     fi.Name,
			Module:   fi.Module,
			Addr:     fmt.Sprintf("%#x", fi.Addr),
			Size:     fi.Size,
			ArgCount: fi.ArgCount,
			Strategy: strategy,
		})
	}

	return catalog.Export(ctx, records)
}

func (a *agent) publishDiscoveryMetrics() {
	a.health.FunctionsDiscovered.Set(float64(a.att.FuncCount()))
	a.health.FunctionsSkipped.Set(float64(a.att.SkippedCount()))

	for _, r := range a.att.AllowRules() {
		a.health.GlobMatches.WithLabelValues("allow", r.String()).
			Set(float64(r.Matches))
	}

	for _, r := range a.att.DenyRules() {
		a.health.GlobMatches.WithLabelValues("deny", r.String()).
			Set(float64(r.Matches))
	}

	a.health.AttachStrategy.WithLabelValues(a.att.Strategy()).Set(1)

	feats := a.att.Features()
	for name, ok := range map[string]bool{
		"get_func_ip":       feats.HasGetFuncIP,
		"fexit_sleep_fix":   feats.HasFexitSleepFix,
		"fentry_protection": feats.HasFentryProtection,
		"bpf_cookie":        feats.HasBpfCookie,
		"kprobe_multi":      feats.HasKprobeMulti,
	} {
		v := 0.0
		if ok {
			v = 1
		}

		a.health.KernelFeatures.WithLabelValues(name).Set(v)
	}
}

func (a *agent) Stop() error {
	// Detach before the metrics server goes away.
	if a.att != nil {
		a.att.Close()
	}

	if a.catalog != nil {
		if err := a.catalog.Stop(context.Background()); err != nil {
			a.log.WithError(err).
				Error("Error draining catalog exporter")
		}
	}

	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			a.log.WithError(err).
				Error("Error stopping health metrics server")
		}
	}

	a.log.Info("Agent stopped")

	return nil
}
