package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/tick"
)

var tickOnce bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Dispatch due campaign messages and advance research batches",
	Long:  "Runs the dispatcher and the research orchestrator every outreach.tick_interval until interrupted. With --once a single pass runs and the command exits, for use under an external scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		interval, err := tickInterval()
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, config.ModeTick)
		if err != nil {
			return err
		}
		defer env.Close()

		drv, err := tick.New(env.Dispatcher, env.Research, interval)
		if err != nil {
			return err
		}
		if tickOnce {
			return drv.RunOnce(ctx)
		}

		if err := drv.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		zap.L().Info("stopping tick driver")
		drv.Stop()
		return nil
	},
}

func tickInterval() (time.Duration, error) {
	raw := cfg.Outreach.TickInterval
	if raw == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, eris.Wrapf(err, "parse outreach.tick_interval %q", raw)
	}
	return d, nil
}

func init() {
	tickCmd.Flags().BoolVar(&tickOnce, "once", false, "run a single tick and exit")
	rootCmd.AddCommand(tickCmd)
}
