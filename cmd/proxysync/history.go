package main

import (
	"fmt"
	"strconv"
	"time"

	"proxysync/cmd/proxysync/ui"
	"proxysync/internal/adapter/sqlite"
	"proxysync/internal/config"

	"github.com/spf13/cobra"
)

func openJournal(flags *globalFlags, override string) (*sqlite.Journal, error) {
	path := override
	if path == "" {
		var err error
		if path, err = config.JournalPath(flags.configPath); err != nil {
			return nil, err
		}
	}
	if path == "" {
		return nil, fmt.Errorf("journal is disabled: set journal.path in %s or pass --journal", flags.configPath)
	}
	return sqlite.OpenReadOnly(path)
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var (
		limit   int
		target  string
		journal string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconcile cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := openJournal(flags, journal)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			cycles, err := j.RecentCycles(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			if len(cycles) == 0 {
				fmt.Fprintln(out, ui.Muted("No cycles recorded yet."))
				return nil
			}

			now := time.Now()
			rows := make([][]string, 0, len(cycles))
			for _, c := range cycles {
				rows = append(rows, []string{
					strconv.FormatInt(c.ID, 10),
					c.Target,
					ui.Ago(c.StartedAt, now),
					ui.Duration(c.Duration),
					strconv.Itoa(c.Desired),
					fmt.Sprintf("+%d -%d ~%d", c.Added, c.Removed, c.Updated),
					ui.CycleStatus(c.FetchKind, c.Failed),
				})
			}
			fmt.Fprintln(out, ui.Table([]string{"ID", "TARGET", "STARTED", "TOOK", "DESIRED", "CHANGES", "STATUS"}, rows))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of cycles to show")
	cmd.Flags().StringVar(&target, "target", "", "Only show cycles for this inbound tag")
	cmd.Flags().StringVar(&journal, "journal", "", "Journal path (defaults to journal.path from the config)")
	return cmd
}

func opsCmd(flags *globalFlags) *cobra.Command {
	var journal string

	cmd := &cobra.Command{
		Use:   "ops CYCLE-ID",
		Short: "Show the member operations of one cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid cycle id %q", args[0])
			}

			j, err := openJournal(flags, journal)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			c, err := j.Cycle(cmd.Context(), id)
			if err != nil {
				return err
			}
			ops, err := j.CycleOperations(cmd.Context(), id)
			if err != nil {
				return err
			}

			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("Cycle", strconv.FormatInt(c.ID, 10)),
				ui.KV("Target", c.Target),
				ui.KV("Started", c.StartedAt.Local().Format(time.RFC3339)),
				ui.KV("Took", ui.Duration(c.Duration)),
				ui.KV("Status", ui.CycleStatus(c.FetchKind, c.Failed)),
			))
			if c.Skipped() {
				fmt.Fprintln(out, ui.ErrorMsg("%s", c.FetchError))
				return nil
			}
			if len(ops) == 0 {
				fmt.Fprintln(out, ui.SuccessMsg("Already in sync, no operations."))
				return nil
			}

			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				rows = append(rows, []string{op.Op, op.Identity, ui.Outcome(op.Outcome), ui.Duration(op.Duration), op.Error})
			}
			fmt.Fprintln(out, ui.Table([]string{"OP", "IDENTITY", "OUTCOME", "TOOK", "ERROR"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&journal, "journal", "", "Journal path (defaults to journal.path from the config)")
	return cmd
}
