package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/deal"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/store"
)

var (
	dealTitle       string
	dealValue       float64
	dealLeadID      int64
	dealStage       string
	dealProbability int
	dealAssignedTo  string
	dealActor       string
	dealListLimit   int
)

var dealCmd = &cobra.Command{
	Use:   "deal",
	Short: "Manage deals in the sales pipeline",
}

var dealCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a deal",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		in := deal.CreateInput{
			Title:      dealTitle,
			Stage:      model.Stage(dealStage),
			Value:      dealValue,
			AssignedTo: dealAssignedTo,
		}
		if cmd.Flags().Changed("lead-id") {
			in.LeadID = &dealLeadID
		}
		if cmd.Flags().Changed("probability") {
			in.Probability = &dealProbability
		}
		d, err := env.Deals.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		formatDeal(cmd.OutOrStdout(), d, nil)
		return nil
	},
}

var dealMoveCmd = &cobra.Command{
	Use:   "move <id>",
	Short: "Move a deal to another stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		in := deal.MoveInput{Stage: model.Stage(dealStage), Actor: dealActor}
		if cmd.Flags().Changed("probability") {
			in.Probability = &dealProbability
		}
		d, err := env.Deals.MoveStage(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		allowed, err := env.Deals.AllowedStages(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		formatDeal(cmd.OutOrStdout(), d, allowed)
		return nil
	},
}

var dealShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a deal with its activity log and open tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Deals.Get(ctx, args[0])
		if err != nil {
			return err
		}
		allowed, err := env.Deals.AllowedStages(ctx, d.ID)
		if err != nil {
			return err
		}
		acts, err := env.Deals.Activities(ctx, d.ID)
		if err != nil {
			return err
		}
		tasks, err := env.Deals.Tasks(ctx, d.ID, false)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		formatDeal(out, d, allowed)
		formatActivities(out, acts)
		formatTasks(out, tasks)
		return nil
	},
}

var dealListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deals",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		deals, err := env.Deals.List(cmd.Context(), store.DealFilter{Stage: model.Stage(dealStage), Limit: dealListLimit})
		if err != nil {
			return err
		}
		if len(deals) == 0 {
			fmt.Fprintln(os.Stderr, "No deals found.")
			return nil
		}
		formatDealList(cmd.OutOrStdout(), deals)
		return nil
	},
}

var dealSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile every deal with its Salesforce opportunity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Salesforce.Enabled() {
			return eris.New("salesforce client ID is required (OUTREACH_SALESFORCE_CLIENT_ID)")
		}
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		deals, err := env.Deals.List(cmd.Context(), store.DealFilter{Stage: model.Stage(dealStage)})
		if err != nil {
			return err
		}
		synced, err := env.SFSync.SyncAll(cmd.Context(), deals)
		zap.L().Info("salesforce sync complete", zap.Int("deals", len(deals)), zap.Int("synced", synced))
		return err
	},
}

func formatDeal(out io.Writer, d *model.Deal, allowed []model.Stage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", d.ID)
	_, _ = fmt.Fprintf(w, "Title:\t%s\n", d.Title)
	_, _ = fmt.Fprintf(w, "Stage:\t%s\n", d.Stage)
	_, _ = fmt.Fprintf(w, "Value:\t%.2f\n", d.Value)
	_, _ = fmt.Fprintf(w, "Probability:\t%d%%\n", d.Probability)
	_, _ = fmt.Fprintf(w, "Weighted:\t%.2f\n", d.WeightedValue)
	if d.AssignedTo != "" {
		_, _ = fmt.Fprintf(w, "Assigned to:\t%s\n", d.AssignedTo)
	}
	if allowed != nil {
		_, _ = fmt.Fprintf(w, "Next stages:\t%v\n", allowed)
	}
	_ = w.Flush()
}

func formatDealList(out io.Writer, deals []model.Deal) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tSTAGE\tVALUE\tPROB\tWEIGHTED\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t-----\t-----\t----\t--------\t-------")
	for _, d := range deals {
		title := d.Title
		if len(title) > 30 {
			title = title[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d%%\t%.2f\t%s\n",
			truncateID(d.ID), title, d.Stage, d.Value, d.Probability, d.WeightedValue,
			d.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func formatActivities(out io.Writer, acts []model.Activity) {
	if len(acts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nActivity:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, a := range acts {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Type, a.CreatedBy, a.Description)
	}
	_ = w.Flush()
}

func formatTasks(out io.Writer, tasks []model.Task) {
	if len(tasks) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nOpen tasks:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\tdue %s\n", truncateID(t.ID), t.Title, due)
	}
	_ = w.Flush()
}

func init() {
	dealCreateCmd.Flags().StringVar(&dealTitle, "title", "", "deal title (required)")
	dealCreateCmd.Flags().Float64Var(&dealValue, "value", 0, "deal value")
	dealCreateCmd.Flags().Int64Var(&dealLeadID, "lead-id", 0, "lead the deal belongs to")
	dealCreateCmd.Flags().StringVar(&dealStage, "stage", "", "initial stage (default lead)")
	dealCreateCmd.Flags().IntVar(&dealProbability, "probability", 0, "override the stage's default probability")
	dealCreateCmd.Flags().StringVar(&dealAssignedTo, "assigned-to", "", "owner")
	_ = dealCreateCmd.MarkFlagRequired("title")

	dealMoveCmd.Flags().StringVar(&dealStage, "stage", "", "target stage (required)")
	dealMoveCmd.Flags().IntVar(&dealProbability, "probability", 0, "override the stage's default probability")
	dealMoveCmd.Flags().StringVar(&dealActor, "actor", "", "who moved the deal")
	_ = dealMoveCmd.MarkFlagRequired("stage")

	dealListCmd.Flags().StringVar(&dealStage, "stage", "", "filter by stage")
	dealListCmd.Flags().IntVar(&dealListLimit, "limit", 100, "maximum deals to list")

	dealSyncCmd.Flags().StringVar(&dealStage, "stage", "", "only sync deals in this stage")

	dealCmd.AddCommand(dealCreateCmd, dealMoveCmd, dealShowCmd, dealListCmd, dealSyncCmd)
	rootCmd.AddCommand(dealCmd)
}
