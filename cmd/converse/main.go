// Package main is the entry point for the converse service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "converse",
		Short: "AI-assistant backend with bounded conversation memory and token quotas",
		Long: `Converse brokers natural-language questions to an LLM provider,
augmented with retrieved documentation context. Conversation history is held
in a capacity-bounded cache, token spend is authorized against per-user or
cluster-wide quotas, and every prompt is truncated to fit the model's
context window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "converse.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQuotaSchedulerCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
