package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/centralseq/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "centralseq",
	Short: "Central sequence and version service",
	Long:  "centralseq assigns, reorders and versions sequence numbers for (elementType, elementId) keys and mirrors them into a search index.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "", false, "Suppress all log output except errors")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("centralseq version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewGenerateCmd())
	rootCmd.AddCommand(cli.NewReorderCmd())
	rootCmd.AddCommand(cli.NewCreateVersionCmd())
	rootCmd.AddCommand(cli.NewShowCmd())
	rootCmd.AddCommand(cli.NewResyncCmd())
}
