// Command memberd runs one cluster-membership node: it gossips endpoint
// state with its peers and tracks their liveness with a phi-accrual failure
// detector.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memberd/internal/config"
	"memberd/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "memberd",
	Short: "Gossip-based cluster membership and failure detection",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a membership node",
	Long: `Start a membership node.

The node reads its cluster name, listen address, seed list and failure
detector settings from the configuration file, joins the cluster through
the seeds, and gossips until interrupted.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&configPath, "config", "c", "memberd.yaml", "Path to the configuration file")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	srv.Stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
