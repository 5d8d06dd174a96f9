package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose  bool
	jsonLogs bool
)

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:   "insight",
	Short: "Conversational analytics over your warehouse",
	Long: `Insight answers business questions in natural language by querying the
analytics warehouse, consulting the knowledge base, and remembering what
matters across sessions.`,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
}
