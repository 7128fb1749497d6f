package main

import (
	"fmt"
	"os"

	"proxysync/cmd/proxysync/ui"
	"proxysync/internal/buildinfo"
	"proxysync/internal/config"
	"proxysync/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	debug      bool
	plain      bool
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(g.configPath)
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "proxysync",
		Short:         "Inspect the proxysync agent",
		Version:       buildinfo.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if flags.debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(flags.plain)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath, "Agent config file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flags.plain, "plain", false, "Disable colors and spinners")

	root.AddCommand(historyCmd(&flags))
	root.AddCommand(opsCmd(&flags))
	root.AddCommand(desiredCmd(&flags))
	root.AddCommand(configCmd(&flags))
	return root
}
