package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebas/calltap/internal/banner"
	"github.com/sebas/calltap/internal/logger"
	"github.com/sebas/calltap/internal/snoopmgr/app"
	"github.com/sebas/calltap/internal/snoopmgr/config"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "snoopmgr",
		Short:         "Tap calls over ARI and forward each direction to asrgateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	config.BindFlags(cmd.Flags())
	cmd.AddCommand(portsCmd())
	return cmd
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return err
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Write(os.Stdout, "snoopmgr", []banner.Line{
		{Label: "ARI", Value: cfg.ARIURL + " app=" + cfg.ARIApp},
		{Label: "Relay", Value: cfg.GatewayHTTP},
		{Label: "RTP", Value: fmt.Sprintf("%s %d+%dx4 %s", cfg.RTPHost, cfg.RTPBasePort, cfg.RTPBuckets, cfg.RTPCodec)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Teardown", Value: cfg.TeardownOn},
	})

	mgr, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create snoopmgr", "error", err)
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Run(ctx); err != nil {
		slog.Error("snoopmgr stopped", "error", err)
		return err
	}
	slog.Info("snoopmgr stopped")
	return nil
}

// portsCmd prints the relay ports a correlation id maps to.
func portsCmd() *cobra.Command {
	var base, buckets int
	cmd := &cobra.Command{
		Use:   "ports <correlation-id>...",
		Short: "Print the relay port pair for correlation ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := portalloc.New(base, buckets)
			if err != nil {
				return err
			}
			for _, id := range args {
				p := alloc.Allocate(id)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tbucket=%d\tin=%d\tout=%d\n", id, alloc.Bucket(id), p.In, p.Out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&base, "base-port", portalloc.DefaultBasePort, "First relay RTP port")
	cmd.Flags().IntVar(&buckets, "buckets", portalloc.DefaultBuckets, "Number of port pairs")
	return cmd
}
