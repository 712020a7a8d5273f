package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/leads"
)

var (
	importCSVPath string
	importList    string
	importSource  string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import leads from CSV, optionally into a new lead list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if importCSVPath == "" {
			return eris.New("csv path is required (--csv)")
		}
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := leads.ImportFile(cmd.Context(), env.Store, importCSVPath, importList, importSource)
		if err != nil {
			return eris.Wrap(err, "import csv")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d leads (%d skipped)\n", res.Created, res.Skipped)
		if res.ListID != nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "List %q: id %d\n", importList, *res.ListID)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	importCmd.Flags().StringVar(&importList, "list", "", "create a lead list with the imported leads")
	importCmd.Flags().StringVar(&importSource, "source", "import", "source recorded on rows without one")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
