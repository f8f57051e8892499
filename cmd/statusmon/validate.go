package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"statusmon/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a statusmon configuration file without starting a node.

Every problem found is reported, not just the first.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  statusmon validate -c statusmon.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewManager(configFile).Parse()
	if err != nil {
		return err
	}

	storageDesc := "disabled"
	if sc, enabled, _ := cfg.StorageBackend(); enabled {
		storageDesc = sc.Driver + " (" + sc.Path + ")"
	}
	serverDesc := "disabled"
	if cfg.Server.Enabled {
		serverDesc = cfg.Server.Addr
		if serverDesc == "" {
			serverDesc = "127.0.0.1:7070"
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Node:     %s\n", cfg.Node.Name)
	fmt.Fprintf(out, "  Channels: %s\n", strings.Join(cfg.NodeChannels(), ", "))
	fmt.Fprintf(out, "  Storage:  %s\n", storageDesc)
	fmt.Fprintf(out, "  Server:   %s\n", serverDesc)
	fmt.Fprintf(out, "  Peers:    %d\n", len(cfg.Peers))
	return nil
}
