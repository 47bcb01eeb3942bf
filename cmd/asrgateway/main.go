package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebas/calltap/internal/asrgateway/app"
	"github.com/sebas/calltap/internal/asrgateway/config"
	"github.com/sebas/calltap/internal/banner"
	"github.com/sebas/calltap/internal/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "asrgateway",
		Short:         "Receive tapped RTP per call direction and stream it to realtime ASR",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	config.BindFlags(cmd.Flags())
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

	grpcPort := "disabled"
	if cfg.GRPCPort > 0 {
		grpcPort = strconv.Itoa(cfg.GRPCPort)
	}
	queue := "unbounded"
	if cfg.QueueLimit > 0 {
		queue = strconv.Itoa(cfg.QueueLimit) + " frames"
	}
	banner.Write(os.Stdout, "asrgateway", []banner.Line{
		{Label: "ASR", Value: cfg.ASRURL + " model=" + cfg.ASRModel},
		{Label: "HTTP", Value: strconv.Itoa(cfg.HTTPPort)},
		{Label: "gRPC", Value: grpcPort},
		{Label: "RTP", Value: cfg.RTPBind + " " + cfg.InputCodec + " @" + strconv.Itoa(cfg.ASRSampleRate) + "Hz"},
		{Label: "Queue", Value: queue},
	})
	if cfg.ASRAPIKey == "" {
		slog.Warn("[Config] QWEN3_ASR_API_KEY is empty; the speech service will likely reject sessions")
	}

	gw, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create asrgateway", "error", err)
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Run(ctx); err != nil {
		slog.Error("asrgateway stopped", "error", err)
		return err
	}
	slog.Info("asrgateway stopped")
	return nil
}
