// Package bot runs the plotsync daemon: it connects to Discord, answers
// interactions, resyncs tracked plots on a schedule and serves the ops
// endpoints.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/plotsync/internal/config"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/interaction"
	"github.com/zulandar/plotsync/internal/opsapi"
	"github.com/zulandar/plotsync/internal/reconcile"
	"github.com/zulandar/plotsync/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Gateway is the live connection interactions arrive on.
type Gateway interface {
	Connect(ctx context.Context) error
	Interactions() <-chan forum.Interaction
	Close() error
}

// Daemon owns every long-lived piece of the process. It replaces the global
// state a plugin host would otherwise keep.
type Daemon struct {
	gw       Gateway
	rec      *reconcile.Reconciler
	reg      *registry.Registry
	handler  *interaction.Handler
	cfg      config.ReconcileConfig
	httpPort int
	log      zerolog.Logger

	mu     sync.RWMutex
	ready  bool
	reason string

	running  atomic.Bool
	inflight sync.WaitGroup
	teardown sync.Once
}

// Opts holds parameters for creating a Daemon.
type Opts struct {
	Gateway      Gateway
	Reconciler   *reconcile.Reconciler
	Registry     *registry.Registry
	Interactions *interaction.Handler
	Reconcile    config.ReconcileConfig
	HTTPPort     int // 0 disables the ops server
	Logger       zerolog.Logger
}

// NewDaemon creates a Daemon.
func NewDaemon(opts Opts) (*Daemon, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("bot: gateway is required")
	}
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("bot: reconciler is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("bot: registry is required")
	}
	if opts.Interactions == nil {
		return nil, fmt.Errorf("bot: interaction handler is required")
	}
	cfg := opts.Reconcile
	if cfg.ResyncWorkers <= 0 {
		cfg.ResyncWorkers = 1
	}
	return &Daemon{
		gw:       opts.Gateway,
		rec:      opts.Reconciler,
		reg:      opts.Registry,
		handler:  opts.Interactions,
		cfg:      cfg,
		httpPort: opts.HTTPPort,
		log:      opts.Logger.With().Str("component", "daemon").Logger(),
		reason:   "starting",
	}, nil
}

// Run connects, validates forum tags and serves until ctx is cancelled. A
// tag validation failure leaves the daemon running but degraded; the next
// resync tries again. Run may be called once.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bot: daemon already started")
	}
	defer d.close()

	d.log.Info().Msg("connecting")
	if err := d.gw.Connect(ctx); err != nil {
		d.setHealth(false, "gateway connect failed")
		return fmt.Errorf("bot: connect: %w", err)
	}
	d.validateTags(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.serveInteractions(gctx) })
	g.Go(func() error { return d.runResync(gctx) })
	if d.httpPort > 0 {
		g.Go(func() error {
			return opsapi.Start(gctx, opsapi.Opts{
				Port:    d.httpPort,
				Health:  d.Health,
				Threads: d.reg,
				Logger:  d.log,
			})
		})
	}

	d.log.Info().Bool("ready", d.isReady()).Msg("plotsync online")
	err := g.Wait()
	d.log.Info().Msg("shutting down")
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Health reports readiness for the ops endpoint.
func (d *Daemon) Health() opsapi.Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return opsapi.Health{
		Ready:       d.ready,
		Reason:      d.reason,
		Quarantined: d.rec.QuarantinedIDs(),
	}
}

// ResyncReport counts what one resync pass did.
type ResyncReport struct {
	Checked int64
	Changed int64
	Skipped int64
	Failed  int64
}

// Resync brings every tracked plot in line with the plot database.
// Quarantined plots are skipped; archived threads are left alone by Sync.
// One plot failing does not stop the others.
func (d *Daemon) Resync(ctx context.Context) (ResyncReport, error) {
	var rep ResyncReport
	if !d.isReady() && !d.validateTags(ctx) {
		return rep, fmt.Errorf("bot: resync: %w", reconcile.ErrNotReady)
	}
	ids, err := d.reg.TrackedPlots(ctx)
	if err != nil {
		return rep, fmt.Errorf("bot: resync: %w", err)
	}

	var checked, changed, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ResyncWorkers)
	for _, id := range ids {
		if d.rec.IsQuarantined(id) {
			skipped.Add(1)
			continue
		}
		id := id
		g.Go(func() error {
			checked.Add(1)
			_, ok, err := d.rec.Sync(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
				d.log.Warn().Err(err).Int32("plot_id", id).Msg("resync plot")
			case ok:
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep = ResyncReport{
		Checked: checked.Load(),
		Changed: changed.Load(),
		Skipped: skipped.Load(),
		Failed:  failed.Load(),
	}
	d.log.Info().Int64("checked", rep.Checked).Int64("changed", rep.Changed).
		Int64("skipped", rep.Skipped).Int64("failed", rep.Failed).Msg("resync finished")
	return rep, ctx.Err()
}

func (d *Daemon) serveInteractions(ctx context.Context) error {
	in := d.gw.Interactions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return fmt.Errorf("bot: interaction stream closed")
			}
			// Presses must be answered within seconds; a slow archive must
			// not hold up the next one.
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				d.handler.Handle(ctx, ev)
			}()
		}
	}
}

func (d *Daemon) runResync(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(d.cfg.ResyncCron, func() {
		if _, err := d.Resync(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("scheduled resync")
		}
	})
	if err != nil {
		return fmt.Errorf("bot: resync schedule %q: %w", d.cfg.ResyncCron, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// validateTags marks the daemon ready or degraded and reports which.
func (d *Daemon) validateTags(ctx context.Context) bool {
	if err := d.rec.ValidateTags(ctx); err != nil {
		d.log.Error().Err(err).Msg("forum tags invalid, running degraded")
		d.setHealth(false, err.Error())
		return false
	}
	d.setHealth(true, "")
	return true
}

func (d *Daemon) setHealth(ready bool, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = ready
	d.reason = reason
}

func (d *Daemon) isReady() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// close tears everything down exactly once.
func (d *Daemon) close() {
	d.teardown.Do(func() {
		d.setHealth(false, "stopped")
		if err := d.gw.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close gateway")
		}
		d.inflight.Wait()
		d.handler.Close()
		d.log.Info().Msg("plotsync stopped")
	})
}
