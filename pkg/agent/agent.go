//go:build linux

// Package agent wires the core together: registry, samplers, scheduler,
// snapshotter, and exposition, plus ordered graceful shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ja7ad/pulse/pkg/config"
	"github.com/ja7ad/pulse/pkg/exposition"
	"github.com/ja7ad/pulse/pkg/metrics"
	"github.com/ja7ad/pulse/pkg/sampler"
	"github.com/ja7ad/pulse/pkg/snapshot"
	"github.com/ja7ad/pulse/pkg/system/host"

	// samplers register their builders at load time
	_ "github.com/ja7ad/pulse/pkg/sampler/blockio"
	_ "github.com/ja7ad/pulse/pkg/sampler/cgroups"
	_ "github.com/ja7ad/pulse/pkg/sampler/cpu"
	_ "github.com/ja7ad/pulse/pkg/sampler/schedlat"
)

// ErrNoSamplers means startup found no usable sampler; the process exits
// with code 2.
var ErrNoSamplers = errors.New("agent: no sampler could be initialized")

// Agent is one wired instance of the telemetry core.
type Agent struct {
	cfg  *config.Config
	log  *slog.Logger
	reg  *metrics.Registry
	sch  *sampler.Scheduler
	snap *snapshot.Snapshotter
	srv  *exposition.Server
}

// New initializes every enabled sampler. Individual failures are logged
// and the sampler skipped; startup succeeds when at least one sampler is
// running.
func New(cfg *config.Config, log *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	sch, err := sampler.NewScheduler(reg, log, cfg.SnapshotInterval.Std(), cfg.MaxConsecutiveErrors)
	if err != nil {
		return nil, err
	}

	for _, name := range sampler.Names() {
		build, _ := sampler.Lookup(name)
		resolved := cfg.Resolve(name)
		s, err := build(sampler.Env{
			Registry: reg,
			Config:   resolved,
			ShmDir:   cfg.ShmDir,
			Log:      log.With("sampler", name),
		})
		switch {
		case errors.Is(err, sampler.ErrDisabled):
			log.Info("sampler disabled", "sampler", name)
			continue
		case err != nil:
			log.Warn("sampler initialization failed, skipping", "sampler", name, "err", err)
			continue
		}
		if err := sch.Add(s); err != nil {
			return nil, err
		}
		log.Info("sampler initialized",
			"sampler", name, "kind", s.Kind().String(), "bpf", resolved.BPF)
	}
	if len(sch.Samplers()) == 0 {
		return nil, ErrNoSamplers
	}

	snap := snapshot.New(reg, cfg.SnapshotInterval.Std())
	srv := exposition.New(reg, snap, host.Collect(sch.Samplers()), exposition.Options{
		Listen:           cfg.Listen,
		Compression:      cfg.Compression,
		Histograms:       cfg.Histograms,
		GroupingPower:    cfg.HistogramGroupingPower,
		SnapshotInterval: cfg.SnapshotInterval.Std(),
	})

	return &Agent{cfg: cfg, log: log, reg: reg, sch: sch, snap: snap, srv: srv}, nil
}

// Registry exposes the catalog, mainly to tests.
func (a *Agent) Registry() *metrics.Registry { return a.reg }

// Handler exposes the HTTP surface without binding a listener.
func (a *Agent) Handler() http.Handler { return a.srv.Handler() }

// Run hosts the three long-lived tasks until ctx is cancelled, then
// drains in order: the scheduler finishes its in-flight sample and shuts
// samplers down, the snapshotter stops, and last the exposition server
// closes. A listener failure is a fatal runtime error.
func (a *Agent) Run(ctx context.Context) error {
	schedCtx, stopSched := context.WithCancel(context.Background())
	snapCtx, stopSnap := context.WithCancel(context.Background())
	srvCtx, stopSrv := context.WithCancel(context.Background())
	defer stopSched()
	defer stopSnap()
	defer stopSrv()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.sch.Run(schedCtx)
	}()
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		a.snap.Run(snapCtx)
	}()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- a.srv.Run(srvCtx)
	}()

	drain := func() {
		stopSched()
		<-schedDone
		stopSnap()
		<-snapDone
		stopSrv()
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		drain()
		<-srvErr
		return nil
	case err := <-srvErr:
		drain()
		return fmt.Errorf("agent: exposition: %w", err)
	}
}
