package main

import (
	"fmt"
	"strings"

	"proxysync/cmd/proxysync/ui"

	"github.com/spf13/cobra"
)

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the agent configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load, validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().Marshal()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, ui.SuccessMsg("%s is valid", flags.configPath))
			fmt.Fprintln(w)
			fmt.Fprint(w, strings.TrimRight(string(out), "\n") + "\n")
			return nil
		},
	})
	return cmd
}
