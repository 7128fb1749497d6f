package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxysync/internal/buildinfo"
	"proxysync/internal/config"
	"proxysync/internal/daemon"
	"proxysync/internal/logging"
	"proxysync/internal/reconcile"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		logFormat  string
	)

	// loadConfig reads the config and reconfigures logging from it; --debug
	// wins over log.level.
	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		level := cfg.Log.Level
		if debug {
			level = logging.LevelDebug
		}
		if err := logging.ConfigureFormat(level, logFormat); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cmd := &cobra.Command{
		Use:           "proxysyncd",
		Short:         "Keep Xray inbound users in sync with the control plane",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format (text or json)")
	cmd.AddCommand(onceCmd(loadConfig))
	return cmd
}

func onceCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var retries uint64

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconcile cycle per target and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reports, err := daemon.RunOnce(ctx, cfg, retries)
			if err != nil {
				return err
			}

			converged := true
			for _, r := range reports {
				printReport(cmd.OutOrStdout(), r)
				converged = converged && r.Converged()
			}
			if !converged {
				return fmt.Errorf("not every target converged")
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&retries, "connect-retries", 3, "Xray API connection retries before giving up")
	return cmd
}

func printReport(w io.Writer, r reconcile.CycleReport) {
	if r.Skipped() {
		fmt.Fprintf(w, "%s: skipped: %v\n", r.Target, r.FetchErr)
		return
	}
	fmt.Fprintf(w, "%s: desired=%d observed=%d added=%d removed=%d updated=%d failed=%d took=%s\n",
		r.Target, r.Desired, r.Observed,
		r.Count(reconcile.OpAdd), r.Count(reconcile.OpRemove), r.Count(reconcile.OpUpdate),
		r.Failed(), r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures() {
		fmt.Fprintf(w, "  %s %s: %s: %v\n", f.Op, f.Identity, f.Outcome, f.Err)
	}
}
