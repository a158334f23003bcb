package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/automation"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/sym"
)

// PulseCmd groups the job daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the job daemon (workers + recurring sweeps)",
	Long: sym.Pulse + ` Pulse daemon - durable job execution.

The daemon provides:
- Worker pool executing stage emails and hire flows
- Recurring sweeps: reminders, escalations, auto-activation, identity sync
- Live reload of stage policies when am.toml changes
- GRACE shutdown (in-flight jobs finish or are handed back)

Example:
  hrpulse pulse start              # Start daemon in foreground
  hrpulse pulse start --workers 4  # Start with 4 concurrent workers
  hrpulse pulse run                # Execute due work once and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	RunE:  runPulseStart,
}

var pulseRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fire due schedules and execute due jobs once, then exit",
	RunE:  runPulseRun,
}

func init() {
	pulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default: pulse.workers)")
	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseRunCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newApp(ctx, workers)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.ScheduleSweeps(ctx, rt.cfg.Automation.Schedules); err != nil {
		return err
	}

	if addr := rt.cfg.Pulse.MetricsAddr; addr != "" {
		go func() {
			if err := rt.metrics.Serve(ctx, addr, logger.Logger); err != nil {
				logger.Errorw("Metrics server stopped", logger.FieldError, err)
			}
		}()
	}

	watcher := watchPolicies(rt.engine)
	if watcher != nil {
		defer watcher.Stop()
	}

	pc := pulseConfig(rt.cfg, workers)
	rt.sched.Start()

	pterm.Success.Printfln("%s Pulse daemon started", sym.Pulse)
	pterm.Printfln("  Database:        %s", rt.cfg.GetDatabasePath())
	pterm.Printfln("  Workers:         %d", pc.Workers)
	if sm := rt.sched.SystemMetrics(ctx); sm.MemoryTotalGB > 0 {
		pterm.Printfln("  Host memory:     %.1f/%.1f GB (%.0f%%)", sm.MemoryUsedGB, sm.MemoryTotalGB, sm.MemoryPercent)
	}
	pterm.Printfln("  Mail transport:  %s", rt.cfg.Mail.Transport)
	pterm.Printfln("  Stage policies:  %d", len(rt.engine.Policies()))
	if rt.cfg.Pulse.MetricsAddr != "" {
		pterm.Printfln("  Metrics:         http://%s/metrics", rt.cfg.Pulse.MetricsAddr)
	}
	pterm.Println()
	pterm.Info.Printfln("%s Press Ctrl+C for graceful shutdown", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	pterm.Info.Printfln("%s Initiating GRACE shutdown...", sym.PulseClose)
	rt.sched.Stop()
	cancel()
	pterm.Success.Printfln("%s Pulse daemon stopped", sym.Pulse)
	return nil
}

// watchPolicies reloads stage policies into engine whenever the project
// config changes. Returns nil when there is no project config to watch.
func watchPolicies(engine *automation.Engine) *am.ConfigWatcher {
	path := am.ProjectConfigPath()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path, logger.Logger)
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		engine.SetPolicies(automation.PoliciesFromConfig(cfg))
		return nil
	})
	watcher.Start()
	return watcher
}

func runPulseRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newApp(ctx, 1)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.ScheduleSweeps(ctx, rt.cfg.Automation.Schedules); err != nil {
		return err
	}
	fired, err := rt.sched.Tick(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to fire schedules")
	}
	ran, err := rt.sched.RunPending(ctx)
	if err != nil {
		return errors.Wrapf(err, "stopped after %d jobs", ran)
	}
	pterm.Success.Printfln("%s %d schedule(s) fired, %d job(s) executed", sym.Pulse, fired, ran)
	return nil
}
