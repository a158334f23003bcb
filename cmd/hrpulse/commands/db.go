package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/db"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/logger"
	"github.com/teranos/hrpulse/pulse/async"
	"github.com/teranos/hrpulse/sym"
)

// DbCmd groups database maintenance commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		path := cfg.GetDatabasePath()
		database, err := db.Open(path, logger.AddDBSymbol(logger.Logger))
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			pterm.Info.Printfln("%s Database %s is up to date", sym.DB, path)
			return nil
		}
		if err := db.Migrate(database, logger.AddDBSymbol(logger.Logger)); err != nil {
			return err
		}
		for _, m := range pending {
			pterm.Printfln("  applied %s", m)
		}
		pterm.Success.Printfln("%s Applied %d migration(s) to %s", sym.DB, len(pending), path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queued action and job counts",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	counts, err := action.NewStore(database).Counts(ctx)
	if err != nil {
		return err
	}
	statuses := []action.Status{
		action.StatusPending, action.StatusProcessing, action.StatusSent,
		action.StatusCancelled, action.StatusFailed,
	}
	header := []string{"KIND"}
	for _, s := range statuses {
		header = append(header, string(s))
	}
	rows := pterm.TableData{header}
	for _, k := range []action.Kind{action.KindStageEmail, action.KindReminder, action.KindEscalation} {
		row := []string{string(k)}
		for _, s := range statuses {
			row = append(row, fmt.Sprintf("%d", counts[k][s]))
		}
		rows = append(rows, row)
	}
	pterm.DefaultSection.Println("Queued actions")
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	stats, err := async.NewQueue(database).GetStats(ctx)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Pulse jobs")
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"QUEUED", "RUNNING", "COMPLETED", "FAILED", "CANCELLED", "TOTAL"},
		{
			fmt.Sprintf("%d", stats.Queued),
			fmt.Sprintf("%d", stats.Running),
			fmt.Sprintf("%d", stats.Completed),
			fmt.Sprintf("%d", stats.Failed),
			fmt.Sprintf("%d", stats.Cancelled),
			fmt.Sprintf("%d", stats.Total),
		},
	}).Render()
}
