package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/am"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/sym"
)

// MailCmd groups mail thread commands
var MailCmd = &cobra.Command{
	Use:   "mail",
	Short: sym.Mail + " Record and inspect mail threads",
}

var mailReplyCmd = &cobra.Command{
	Use:   "reply <thread-id> <from>",
	Short: "Record an inbound reply on a thread",
	Long: `Record an inbound reply on a thread.

A reply received after a stage email cancels its pending reminder, and one
received after a reminder cancels the recruiter escalation.`,
	Args: cobra.ExactArgs(2),
	RunE: runMailReply,
}

var mailThreadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailThread,
}

var replyBody string

func init() {
	mailReplyCmd.Flags().StringVar(&replyBody, "body", "", "Reply text")
	MailCmd.AddCommand(mailReplyCmd)
	MailCmd.AddCommand(mailThreadCmd)
}

func threads() (*mail.Threads, func() error, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return mail.NewThreads(database), database.Close, nil
}

func runMailReply(cmd *cobra.Command, args []string) error {
	th, closeDB, err := threads()
	if err != nil {
		return err
	}
	defer closeDB()

	id, err := th.RecordInbound(cmd.Context(), args[0], args[1], replyBody, time.Now().UTC())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("%s Recorded reply %s on thread %s", sym.Mail, id, args[0])
	return nil
}

func runMailThread(cmd *cobra.Command, args []string) error {
	th, closeDB, err := threads()
	if err != nil {
		return err
	}
	defer closeDB()

	msgs, err := th.List(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		pterm.Info.Printfln("Thread %s has no messages", args[0])
		return nil
	}
	rows := pterm.TableData{{"ID", "DIRECTION", "FROM", "TO", "SUBJECT", "AT"}}
	for _, m := range msgs {
		rows = append(rows, []string{m.ID, m.Direction, m.From, m.To, m.Subject, m.CreatedAt.Local().Format(time.DateTime)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
