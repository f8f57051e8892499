// Package main is the statusmon CLI.
//
// Usage:
//
//	statusmon serve -c statusmon.yaml     # run a node
//	statusmon validate -c statusmon.yaml  # check a config file
//	statusmon wait --peer ws://hub:7070/ws --channel status plc.temp
//	statusmon version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "statusmon",
	Short: "Replicated hierarchical status tree",
	Long: `statusmon keeps a tree of status values (a.b.c paths) on every node and
replicates changes to subscribed peers over websocket links.

Quick start:
  1. Write a config (statusmon.yaml) with at least node.name
  2. Run: statusmon serve -c statusmon.yaml
  3. Read the tree at http://127.0.0.1:7070/status?path=<node>`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "statusmon %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
