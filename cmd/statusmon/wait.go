package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"statusmon/internal/monitor"
	"statusmon/internal/pubsub"
	"statusmon/internal/wslink"
	logx "statusmon/pkg/logx"
)

var waitCmd = &cobra.Command{
	Use:   "wait PATH...",
	Short: "Wait for paths to be written on a peer",
	Long: `Join a peer as a short-lived node, subscribe to channels and block until
the given paths are written, then print their values as JSON.

Only writes that happen after the link is up are seen; use the peer's
/status endpoint to read values that already exist.

Example:
  statusmon wait --peer ws://hub:7070/ws --channel status --timeout 30s plc.temp plc.mode`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().String("peer", "", "websocket URL of the peer (required)")
	waitCmd.Flags().StringSlice("channel", nil, "channels to subscribe to (repeatable)")
	waitCmd.Flags().Duration("timeout", 0, "give up after this long (0 waits forever)")
	waitCmd.Flags().Bool("any", false, "return as soon as one path is written")
	waitCmd.Flags().String("name", "", "node name to join as (default wait-<random>)")
	_ = waitCmd.MarkFlagRequired("peer")
	_ = waitCmd.MarkFlagRequired("channel")
}

func runWait(cmd *cobra.Command, paths []string) error {
	peer, _ := cmd.Flags().GetString("peer")
	channels, _ := cmd.Flags().GetStringSlice("channel")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	anyPath, _ := cmd.Flags().GetBool("any")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = "wait-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := logx.NewConsole("WARN")
	registry := pubsub.NewRegistry()
	broker := pubsub.New(pubsub.Options{Name: name, Directory: registry, Workers: 1, Logger: log})
	if err := broker.Start(ctx); err != nil {
		return err
	}
	defer broker.Stop()
	mm := monitor.NewMinimon(name, broker, monitor.WithLogger(log))
	broker.SetLocal(mm)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	link, err := wslink.Dial(dialCtx, peer, broker, wslink.Options{
		Logger:    log,
		Registry:  registry,
		Subscribe: channels,
	})
	dialCancel()
	if err != nil {
		return err
	}
	linkErr := make(chan error, 1)
	go func() { linkErr <- link.Run(ctx) }()
	go func() {
		// A dropped link can never satisfy the wait.
		select {
		case <-link.Done():
			mm.ReleaseAll()
		case <-ctx.Done():
		}
	}()

	var opts []monitor.GetOption
	if timeout > 0 {
		opts = append(opts, monitor.Timeout(timeout))
	}
	get := mm.GetAll
	if anyPath {
		get = mm.GetAny
	}
	res, err := get(ctx, paths, opts...)
	cancel()
	<-linkErr
	if err != nil {
		return fmt.Errorf("wait %v: %w", paths, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
