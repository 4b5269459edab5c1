package cmd

import (
	"os"

	"github.com/brensch/formexport/internal/config"
	"github.com/brensch/formexport/internal/inspector"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file.parquet ...]",
	Short: "Summarize exported Parquet files",
	Long: `Uses DuckDB to print the schema, row count, submission time range and export
metadata of Parquet exports. Without arguments, every *.parquet file in the
output directory is inspected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		files := args
		if len(files) == 0 {
			var err error
			files, err = inspector.FindExports(getConfig().OutputDir)
			if err != nil {
				return err
			}
		}
		return inspector.Inspect(cmd.Context(), getDB(), files, os.Stdout, logger)
	},
}

func init() {
	inspectCmd.Flags().StringP("output-dir", "o", config.Default().OutputDir, "Directory holding exported files")
}
