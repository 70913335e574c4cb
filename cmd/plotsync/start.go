package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/plotsync/internal/bot"
	"github.com/zulandar/plotsync/internal/interaction"
)

func newStartCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the bot until interrupted",
		Long: "Connects to Discord, answers archive and refresh commands, resyncs\n" +
			"tracked plots on the configured schedule and serves /healthz, /threads\n" +
			"and /metrics when http.port is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create or update the registry table before starting")
	return cmd
}

func runStart(cmd *cobra.Command, migrate bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if migrate {
		if err := a.reg.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := a.withReconciler(ctx, false); err != nil {
		return err
	}
	h, err := interaction.New(interaction.Opts{
		Reconciler: a.rec,
		Responder:  a.gw,
		Translator: a.tr,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}
	d, err := bot.NewDaemon(bot.Opts{
		Gateway:      a.gw,
		Reconciler:   a.rec,
		Registry:     a.reg,
		Interactions: h,
		Reconcile:    a.cfg.Reconcile,
		HTTPPort:     a.cfg.HTTP.Port,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
