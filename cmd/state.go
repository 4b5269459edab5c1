package cmd

import (
	"os"

	"github.com/brensch/formexport/internal/db"

	"github.com/spf13/cobra"
)

var (
	stateLimit       int
	stateFilterEvent string
	stateFilterForm  string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the history of past exports",
	Long: `Queries the DuckDB event log and displays recent export events, newest first.
Use flags to filter by form or event type and to limit the output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		logger.Debug("Querying export event log", "form_filter", stateFilterForm, "event_filter", stateFilterEvent, "limit", stateLimit)

		if err := db.DisplayExportHistory(cmd.Context(), getDB(), os.Stdout, stateFilterForm, stateFilterEvent, stateLimit); err != nil {
			logger.Error("Failed to display export history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event (start, success, failure, partial-failure, network-failure, saved)")
	stateCmd.Flags().StringVarP(&stateFilterForm, "form", "f", "", "Filter records by form ID")
}
