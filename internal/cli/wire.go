package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/alert"
	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/autofix"
	"github.com/ppiankov/changegate/internal/config"
	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/logging"
	"github.com/ppiankov/changegate/internal/manifest"
	"github.com/ppiankov/changegate/internal/pipeline"
	"github.com/ppiankov/changegate/internal/protect"
	"github.com/ppiankov/changegate/internal/sandbox"
	"github.com/ppiankov/changegate/internal/store"
	"github.com/ppiankov/changegate/internal/validate"
)

// app is a fully wired local pipeline.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	svc     *pipeline.Service
	gate    *gate.Gate
	rules   *protect.Rules
	events  *audit.Log
	closers []func() error
}

// Close flushes pending alerts and releases the store and the event log.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}

// buildApp wires every component from cfg. A model that can't be
// configured (usually a missing API key) disables generation and auto-fix
// rather than failing, so the rest of the pipeline stays usable.
func buildApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	root, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	st, err := store.Open(cfg.State.Backend, cfg.State.Dir, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)

	events, err := audit.Open(cfg.EventLogPath())
	if err != nil {
		return nil, err
	}
	a.events = events
	a.closers = append(a.closers, events.Close)

	alerts := alert.NewDispatcher(cfg.Alerts, log)
	a.closers = append(a.closers, alerts.Close)

	rules, err := protect.Load(root, cfg.Protect.File)
	if err != nil {
		return nil, err
	}
	a.rules = rules

	corpus, err := gate.LoadCorpus(cfg.Gate.CorpusFile)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(gate.Config{
		Corpus: corpus,
		Input: gate.InputConfig{
			BlockThreshold: cfg.Gate.BlockThreshold,
			Strict:         cfg.Gate.Strict,
		},
		Output: gate.OutputConfig{
			MaxRedactionRatio: cfg.Gate.MaxRedactionRatio,
			DiscardSeverity:   cfg.Gate.DiscardSeverity,
		},
		Logger: log,
	}, alert.NewSink(events, alerts))
	if err != nil {
		return nil, err
	}
	a.gate = g

	mf, err := manifest.Load(root)
	if err != nil {
		return nil, err
	}
	v, err := validate.New(validate.Options{
		Rules:           rules,
		Manifest:        mf,
		ProjectPackages: cfg.Validator.ProjectPackages,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	box, err := sandbox.New(sandbox.Options{
		StateDir:         cfg.State.Dir,
		ProjectRoot:      root,
		CopyRoots:        cfg.Sandbox.CopyRoots,
		Python:           cfg.Sandbox.Python,
		Environment:      cfg.Sandbox.Environment,
		ProvisionTimeout: cfg.Sandbox.ProvisionTimeout,
		ProvisionRetries: cfg.Sandbox.ProvisionRetries,
		TaskTimeout:      cfg.Sandbox.TaskTimeout,
		MaxConcurrent:    cfg.Sandbox.MaxConcurrent,
		Stages:           cfg.Sandbox.Stages,
		Rules:            rules,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	var sup deploy.Supervisor
	if len(cfg.Deploy.SupervisorCommand) > 0 {
		sup = deploy.ExecSupervisor{Command: cfg.Deploy.SupervisorCommand}
	}
	ctl, err := deploy.New(deploy.Options{
		Rules:       rules,
		StateDir:    cfg.State.Dir,
		Supervisor:  sup,
		Services:    cfg.Deploy.Services,
		LockTimeout: cfg.Deploy.LockTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	gr := grounding.New(grounding.Options{
		Root:        root,
		MaxBytes:    cfg.Grounding.MaxBytes,
		MaxExamples: cfg.Grounding.MaxExamples,
		Logger:      log,
	})

	gen, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		log.Warn("model unavailable, generation and auto-fix disabled", zap.Error(err))
	}

	var loop *autofix.Loop
	fixEnabled := cfg.AutoFix.Enabled && gen != nil
	if fixEnabled {
		loop, err = autofix.New(autofix.Options{
			Store:       st,
			Gate:        g,
			Generator:   gen,
			Validator:   v,
			Sandbox:     box,
			Grounding:   gr,
			MaxAttempts: cfg.AutoFix.MaxAttempts,
			Temperature: cfg.AutoFix.Temperature,
			MaxTokens:   cfg.AutoFix.MaxTokens,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
	}

	var notifier pipeline.Notifier
	if alerts != nil {
		notifier = alerts
	}
	svc, err := pipeline.New(pipeline.Options{
		Store:          st,
		Gate:           g,
		Events:         events,
		Rules:          rules,
		Validator:      v,
		Sandbox:        box,
		Deploy:         ctl,
		AutoFix:        loop,
		Generator:      gen,
		Grounding:      gr,
		Notifier:       notifier,
		AutoFixEnabled: fixEnabled,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return a, nil
}
