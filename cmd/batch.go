package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/research"
)

var (
	batchName   string
	batchListID int64
	batchStatus string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Research leads in batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft research batch",
	Long:  "Creates a draft batch over a lead list, or over every unresearched lead when --list-id is omitted. Leads are snapshotted when the batch starts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		in := research.CreateInput{Name: batchName}
		if cmd.Flags().Changed("list-id") {
			in.ListID = &batchListID
		}
		b, err := env.Research.CreateBatch(cmd.Context(), in)
		if err != nil {
			return err
		}
		formatBatch(cmd.OutOrStdout(), b)
		return nil
	},
}

var batchStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Snapshot the batch's leads and mark it running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Research.Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatBatch(cmd.OutOrStdout(), b)
		return nil
	},
}

var batchProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Research the next pending leads of a running batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic key is required (OUTREACH_ANTHROPIC_KEY)")
		}
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Research.Process(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		formatProcessReport(out, rep)

		b, err := env.Research.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatBatch(out, b)
		return nil
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show batch progress, cost and failures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Research.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatBatch(cmd.OutOrStdout(), b)
		return nil
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		bs, err := env.Research.List(cmd.Context(), model.BatchStatus(batchStatus))
		if err != nil {
			return err
		}
		if len(bs) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatBatchList(cmd.OutOrStdout(), bs)
		return nil
	},
}

func formatBatch(out io.Writer, b *model.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", b.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", b.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", b.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d/%d (%d failed)\n", b.ProcessedLeads, b.TotalLeads, b.FailedLeads)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", b.TotalCostUSD)
	_ = w.Flush()

	if len(b.Errors) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nFailures:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range b.Errors {
		_, _ = fmt.Fprintf(w, "  lead %d\t%s\n", e.LeadID, e.Error)
	}
	_ = w.Flush()
}

func formatBatchList(out io.Writer, bs []model.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROCESSED\tFAILED\tCOST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t---------\t------\t----\t-------")
	for _, b := range bs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t$%.4f\t%s\n",
			truncateID(b.ID), b.Name, b.Status, b.ProcessedLeads, b.TotalLeads, b.FailedLeads,
			b.TotalCostUSD, b.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func formatProcessReport(out io.Writer, rep *research.ProcessReport) {
	if rep.Skipped {
		_, _ = fmt.Fprintln(out, "Batch is being processed elsewhere; skipped.")
		return
	}
	_, _ = fmt.Fprintf(out, "Processed %d leads (%d succeeded, %d failed) for $%.4f\n\n",
		rep.Processed, rep.Succeeded, rep.Failed, rep.CostUSD)
}

func init() {
	batchCreateCmd.Flags().StringVar(&batchName, "name", "", "batch name (required)")
	batchCreateCmd.Flags().Int64Var(&batchListID, "list-id", 0, "lead list to research")
	_ = batchCreateCmd.MarkFlagRequired("name")
	batchListCmd.Flags().StringVar(&batchStatus, "status", "", "filter by status")

	batchCmd.AddCommand(batchCreateCmd, batchStartCmd, batchProcessCmd, batchShowCmd, batchListCmd)
	rootCmd.AddCommand(batchCmd)
}
