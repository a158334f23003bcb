package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/sym"
)

// StageCmd groups pipeline stage commands
var StageCmd = &cobra.Command{
	Use:   "stage",
	Short: sym.Hire + " Move candidates through the pipeline",
}

var stageMoveCmd = &cobra.Command{
	Use:   "move <candidate-id> <stage>",
	Short: "Set a candidate's stage and run stage automation",
	Long: `Set a candidate's stage and hand the transition to the engine.

The stage email is queued according to the stage policy. Moving a
candidate into the offer stage also starts the hire flow. Run the
daemon (or 'hrpulse pulse run') to execute the queued work.`,
	Args: cobra.ExactArgs(2),
	RunE: runStageMove,
}

var (
	moveOptOut       bool
	moveTransitionID string
)

func init() {
	stageMoveCmd.Flags().BoolVar(&moveOptOut, "opt-out", false, "Suppress the automated stage email")
	stageMoveCmd.Flags().StringVar(&moveTransitionID, "transition-id", "", "Idempotency key of the triggering event")
	StageCmd.AddCommand(stageMoveCmd)
}

func runStageMove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newApp(ctx, 1)
	if err != nil {
		return err
	}
	defer rt.Close()

	tr, err := rt.engine.MoveCandidate(ctx, args[0], args[1], moveTransitionID, moveOptOut)
	if err != nil {
		return err
	}
	if tr.FromState == tr.ToState {
		pterm.Info.Printfln("Candidate %s is already in %s; its stage automation was re-checked", tr.SubjectID, tr.ToState)
		return nil
	}
	from := tr.FromState
	if from == "" {
		from = "(none)"
	}
	pterm.Success.Printfln("%s %s: %s -> %s", sym.Hire, tr.SubjectID, from, tr.ToState)
	return nil
}
