package main

import (
	"context"
	"fmt"
	"strconv"

	"proxysync/cmd/proxysync/ui"
	"proxysync/internal/adapter/authority"
	"proxysync/internal/member"

	"github.com/spf13/cobra"
)

func desiredCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "desired",
		Short: "Fetch and print the desired member set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			f, err := authority.New(cfg.Authority.URL, cfg.Authority.Secret,
				authority.WithSyncPath(cfg.Authority.SyncPath),
				authority.WithSecretHeader(cfg.Authority.SecretHeader),
				authority.WithTimeout(cfg.Authority.Timeout),
			)
			if err != nil {
				return err
			}

			var desired member.Set
			err = ui.RunTask(cmd.Context(), ui.Task{
				Title: "Fetch " + f.Endpoint(),
				Run: func(ctx context.Context) (string, error) {
					var err error
					desired, err = f.Fetch(ctx)
					return fmt.Sprintf("%d members", len(desired)), err
				},
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(desired) == 0 {
				fmt.Fprintln(out, ui.WarnMsg("Authority returned an empty set; the agent would remove every managed member."))
				return nil
			}
			rows := make([][]string, 0, len(desired))
			for _, m := range desired.Members() {
				rows = append(rows, []string{m.Identity, strconv.Itoa(m.Tier), m.Label})
			}
			fmt.Fprintln(out, ui.Table([]string{"IDENTITY", "TIER", "LABEL"}, rows))
			fmt.Fprintln(out, ui.Muted(fmt.Sprintf("%d members from %s", len(desired), f.Endpoint())))
			return nil
		},
	}
}
