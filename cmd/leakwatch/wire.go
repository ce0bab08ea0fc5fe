package main

import (
	"context"

	"go.uber.org/zap"

	"leakwatch/internal/api"
	"leakwatch/internal/config"
	"leakwatch/internal/geo"
	"leakwatch/internal/logging"
	"leakwatch/internal/natprobe"
	"leakwatch/internal/remote"
	"leakwatch/internal/stunutil"
	"leakwatch/internal/telemetry"
	"leakwatch/internal/visit"
)

// app holds the validated config and the ambient pieces every command shares.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	recorder telemetry.Recorder
}

// newApp loads the config, applies flag overrides and builds the logger.
// mutate runs after common overrides and before defaults and validation.
func newApp(o *commonOpts, mutate func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	overrideCommon(&cfg, o)
	if mutate != nil {
		mutate(&cfg)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, recorder: telemetry.Noop{}}, nil
}

func (a *app) prober() *natprobe.Prober {
	var dialer natprobe.Dialer
	switch a.cfg.Probe.Session {
	case config.SessionSTUN:
		dialer = stunutil.BindingDialer{Logger: a.logger.Named("stun")}
	default:
		dialer = natprobe.WebRTCDialer{Logger: a.logger.Named("webrtc")}
	}
	return natprobe.New(dialer,
		natprobe.WithServers(a.cfg.Probe.STUNServers),
		natprobe.WithTimeout(a.cfg.Probe.ProbeTimeout()),
		natprobe.WithLogger(a.logger.Named("probe")),
		natprobe.WithRecorder(a.recorder))
}

func (a *app) aggregator() (*geo.Aggregator, error) {
	return geo.New(a.cfg.Geo.GeoProviders(),
		geo.WithCache(a.cfg.Geo.Cache(), a.cfg.Geo.CacheTTL()),
		geo.WithLogger(a.logger.Named("geo")),
		geo.WithRecorder(a.recorder))
}

// backend dials the visit service and wraps it in the sync client. A local
// backend fetches its root key here, so trust failures surface early and
// carry a remedy.
func (a *app) backend(ctx context.Context) (*remote.Client, error) {
	b := a.cfg.Backend
	wire := api.Options{
		BaseURL:    b.URL,
		CanisterID: b.CanisterID,
		Local:      b.Local,
		Timeout:    b.Timeout(),
	}
	return remote.Dial(ctx, wire,
		remote.WithMaxRetries(b.MaxRetries),
		remote.WithBackoff(b.RetryBackoff()),
		remote.WithLocalTrust(b.Local),
		remote.WithLogger(a.logger.Named("remote")),
		remote.WithRecorder(a.recorder))
}

// orchestrator builds a visit orchestrator that submits through client.
func (a *app) orchestrator(client *remote.Client) (*visit.Orchestrator, error) {
	logger := a.logger.Named("visit")
	opts := []visit.Option{
		visit.WithNoLeakPolicy(visit.NoLeakPolicy(a.cfg.Orchestrator.NoLeakPolicy)),
		visit.WithLogger(logger),
		visit.WithRecorder(a.recorder),
		visit.OnTransition(func(t visit.Transition) {
			logger.Debug("transition", zap.String("run_id", t.RunID), zap.Stringer("from", t.From), zap.Stringer("to", t.To))
		}),
	}
	if visit.Resolution(a.cfg.Orchestrator.Resolution) == visit.ResolutionClient {
		agg, err := a.aggregator()
		if err != nil {
			return nil, err
		}
		opts = append(opts, visit.WithResolver(agg))
	}
	return visit.New(a.prober(), client, opts...), nil
}
