package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "podyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pd",
		Short:        "Podyard: pod fleet dashboard",
		Long:         "Podyard shows an operator the conversation with each pod in the field, its last reported location, battery and liveness.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newStoreCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newPodsCmd())
	cmd.AddCommand(newBatteryCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pd %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load(".env")
	os.Exit(execute(newRootCmd()))
}
