package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "evalforged",
		Short: "evalforge - LLM evaluation job orchestrator",
		Long: `evalforge runs evaluation jobs against LLM targets: benchmark suites,
tool-use evaluations, parameter and prompt tuning searches, and
LLM-as-judge gradings. Progress streams to clients over websockets and
survives restarts through the local database.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
