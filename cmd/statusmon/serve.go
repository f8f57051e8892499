package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"statusmon/internal/app"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a statusmon node",
	Long: `Run a statusmon node until interrupted (Ctrl+C) or SIGTERM.

The node:
  - restores the tree from storage when storage.restore_on_start is set
  - dials every configured peer and keeps the links up
  - serves /ws, /status and /metrics when server.enabled is set
  - reloads the logging and node sections when the config file changes

Example:
  statusmon serve -c /etc/statusmon/statusmon.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	node, err := app.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := node.Start(context.Background()); err != nil {
		stopNode(node, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopFatalError
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-node.Done():
	}
	stopNode(node, reason)

	if reason == app.StopFatalError {
		if err := node.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func stopNode(node *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = node.Stop(ctx, reason)
}
