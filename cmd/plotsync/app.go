package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/plotsync/internal/config"
	"github.com/zulandar/plotsync/internal/db"
	"github.com/zulandar/plotsync/internal/forum"
	"github.com/zulandar/plotsync/internal/forum/discord"
	"github.com/zulandar/plotsync/internal/i18n"
	"github.com/zulandar/plotsync/internal/layout"
	"github.com/zulandar/plotsync/internal/logging"
	"github.com/zulandar/plotsync/internal/plots"
	"github.com/zulandar/plotsync/internal/reconcile"
	"github.com/zulandar/plotsync/internal/registry"
	"gorm.io/gorm"
)

// gateway is the forum as the CLI sees it: the REST surface plus the live
// connection interactions arrive on.
type gateway interface {
	forum.Forum
	forum.Responder
	Connect(ctx context.Context) error
	Interactions() <-chan forum.Interaction
	Close() error
}

// openGateway is replaced in tests.
var openGateway = func(cfg *config.Config, log zerolog.Logger) (gateway, error) {
	a, err := discord.New(discord.AdapterOpts{
		BotToken:          cfg.Discord.Token,
		ForumChannelID:    cfg.Discord.ForumChannelID,
		RequestsPerSecond: cfg.Discord.RequestsPerSecond,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// app is the wiring shared by every command. Pieces are opened on demand and
// released by close in reverse order.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	tr    *i18n.Catalog
	reg   *registry.Registry
	plots *plots.Source
	gw    gateway
	rec   *reconcile.Reconciler

	closers []func()
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	regDB, err := a.connect("registry", cfg.Registry.DatabaseConfig)
	if err != nil {
		a.close()
		return nil, err
	}
	a.reg, err = registry.New(registry.Opts{
		DB:        regDB,
		Table:     cfg.Registry.Table,
		LeakSlack: cfg.Registry.LeakSlack,
		Logger:    log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(name string, c config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := db.Connect(c)
	if err != nil {
		return nil, fmt.Errorf("%s database: %w", name, err)
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb, nil
}

// withReconciler opens the plot database and the forum and builds the
// reconciler. When connect is set the gateway is connected and forum tags
// are validated, which every one-shot write needs; the daemon does both
// itself.
func (a *app) withReconciler(ctx context.Context, connect bool) error {
	plotDB, err := a.connect("plot", a.cfg.Plots.DatabaseConfig)
	if err != nil {
		return err
	}
	if a.plots, err = plots.New(plotDB, a.cfg.Plots); err != nil {
		return err
	}
	if a.tr, err = i18n.New(a.cfg.Language, a.cfg.Messages); err != nil {
		return err
	}

	if a.gw, err = openGateway(a.cfg, a.log); err != nil {
		return fmt.Errorf("open forum: %w", err)
	}
	gw := a.gw
	a.closers = append(a.closers, func() { gw.Close() })

	// A showcase image is only attached when there is somewhere to load it from.
	prefix := ""
	if a.cfg.Showcase.BaseURL != "" {
		prefix = a.cfg.Showcase.FilePrefix
	}
	a.rec, err = reconcile.New(reconcile.Opts{
		Forum:      a.gw,
		Registry:   a.reg,
		Plots:      a.plots,
		Translator: a.tr,
		Logger:     a.log,
		Builder: layout.NewBuilder(layout.Options{
			ShowcaseBaseURL: a.cfg.Showcase.BaseURL,
			ShowcasePrefix:  prefix,
		}),
		ShowcasePrefix: prefix,
		AvatarURL:      a.cfg.Showcase.AvatarURL,
		RetryBackoff:   a.cfg.Reconcile.RetryBackoff,
		TagTimeout:     a.cfg.Reconcile.TagTimeout,
	})
	if err != nil {
		return err
	}
	if !connect {
		return nil
	}
	if err := a.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	return a.rec.ValidateTags(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
