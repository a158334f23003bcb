package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/sym"
)

// ActionCmd groups operator commands over queued actions
var ActionCmd = &cobra.Command{
	Use:   "action",
	Short: sym.Mail + " Inspect, skip and cancel queued actions",
	Long: sym.Mail + ` Queued actions are the scheduled side effects of the engine:
stage emails, reminders and recruiter escalations.

Examples:
  hrpulse action ls --status PENDING
  hrpulse action ls --kind REMINDER --subject cand-42
  hrpulse action skip <id>          # Suppress before it is sent
  hrpulse action cancel <id>        # Cancel a pending action`,
}

var actionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued actions",
	RunE:  runActionLs,
}

var actionSkipCmd = &cobra.Command{
	Use:   "skip <id>",
	Short: "Ask the engine not to send a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionSkip,
}

var actionCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionCancel,
}

var (
	lsStatus  string
	lsKind    string
	lsSubject string
	lsLimit   int

	cancelReason string
)

func init() {
	actionLsCmd.Flags().StringVar(&lsStatus, "status", "", "Filter by status (PENDING, PROCESSING, SENT, CANCELLED, FAILED)")
	actionLsCmd.Flags().StringVar(&lsKind, "kind", "", "Filter by kind (STAGE_EMAIL, REMINDER, ESCALATION)")
	actionLsCmd.Flags().StringVar(&lsSubject, "subject", "", "Filter by candidate or employee id")
	actionLsCmd.Flags().IntVar(&lsLimit, "limit", 50, "Maximum rows")
	actionCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the action")

	ActionCmd.AddCommand(actionLsCmd)
	ActionCmd.AddCommand(actionSkipCmd)
	ActionCmd.AddCommand(actionCancelCmd)
}

// actionStore opens the configured database for a one-shot command.
func actionStore() (*action.Store, func() error, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return action.NewStore(database), database.Close, nil
}

func runActionLs(cmd *cobra.Command, args []string) error {
	f := action.Filter{
		Status:    action.Status(strings.ToUpper(lsStatus)),
		Kind:      action.Kind(strings.ToUpper(lsKind)),
		SubjectID: lsSubject,
		Limit:     lsLimit,
	}
	if f.Status != "" && !f.Status.IsValid() {
		return errors.NewInvalidRequestError("unknown status %q", lsStatus)
	}
	if f.Kind != "" && !f.Kind.IsValid() {
		return errors.NewInvalidRequestError("unknown kind %q", lsKind)
	}

	store, closeDB, err := actionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := store.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No queued actions")
		return nil
	}

	rows := pterm.TableData{{"ID", "KIND", "SUBJECT", "STAGE", "STATUS", "SCHEDULED", "ATTEMPTS", "NOTE"}}
	for _, a := range list {
		note := a.Error
		if note == "" {
			note = a.LastError
		}
		if a.SkipRequested && !a.Status.IsTerminal() {
			note = "skip requested"
		}
		rows = append(rows, []string{
			a.ID,
			string(a.Kind),
			a.SubjectID,
			a.ToState,
			string(a.Status),
			a.ScheduledFor.Local().Format(time.DateTime),
			fmt.Sprintf("%d", a.Attempts),
			note,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runActionSkip(cmd *cobra.Command, args []string) error {
	store, closeDB, err := actionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.RequestSkip(cmd.Context(), args[0]); err != nil {
		if action.IsAlreadyHandled(err) {
			pterm.Warning.Printfln("Action %s was already handled", args[0])
			return nil
		}
		return err
	}
	pterm.Success.Printfln("%s Skip requested for %s", sym.Mail, args[0])
	return nil
}

func runActionCancel(cmd *cobra.Command, args []string) error {
	store, closeDB, err := actionStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Cancel(cmd.Context(), args[0], cancelReason); err != nil {
		if action.IsAlreadyHandled(err) {
			pterm.Warning.Printfln("Action %s was already handled", args[0])
			return nil
		}
		return err
	}
	pterm.Success.Printfln("%s Cancelled %s", sym.Mail, args[0])
	return nil
}
