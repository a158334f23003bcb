package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/automation"
	"github.com/teranos/hrpulse/sym"
)

var sweepNames = []string{
	automation.SweepReminders,
	automation.SweepEscalations,
	automation.SweepAutoActivate,
	automation.SweepIdentitySync,
}

// SweepCmd runs one recurring sweep immediately
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: sym.Sweep + " Run a recurring sweep now",
}

var sweepRunCmd = &cobra.Command{
	Use:       "run <name>",
	Short:     "Run one sweep: " + strings.Join(sweepNames, ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: sweepNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newApp(ctx, 1)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.RunSweep(ctx, args[0])
		if err != nil {
			return err
		}
		if res.Total() == 0 {
			pterm.Info.Printfln("%s %s: nothing to do", sym.Sweep, res.Sweep)
			return nil
		}
		pterm.Success.Printfln("%s %s: %s", sym.Sweep, res.Sweep, res.String())
		return nil
	},
}

func init() {
	SweepCmd.AddCommand(sweepRunCmd)
}
