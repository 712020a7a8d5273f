package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
)

var campaignFilePath string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create and control outreach campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft campaign from a YAML definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCampaignFile(campaignFilePath)
		if err != nil {
			return err
		}

		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Campaigns.Create(cmd.Context(), c); err != nil {
			return err
		}
		formatCampaign(cmd.OutOrStdout(), c)
		return nil
	},
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a campaign and its metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Campaigns.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatCampaign(cmd.OutOrStdout(), c)
		return nil
	},
}

var campaignListStatus string

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), config.ModeCLI)
		if err != nil {
			return err
		}
		defer env.Close()

		cs, err := env.Campaigns.List(cmd.Context(), model.CampaignStatus(campaignListStatus))
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			fmt.Fprintln(os.Stderr, "No campaigns found.")
			return nil
		}
		formatCampaignList(cmd.OutOrStdout(), cs)
		return nil
	},
}

// campaignActionCmd builds the schedule/start/pause/cancel subcommands.
func campaignActionCmd(action model.CampaignAction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEngine(cmd.Context(), config.ModeCLI)
			if err != nil {
				return err
			}
			defer env.Close()

			ops := map[model.CampaignAction]func(context.Context, string) (*model.Campaign, error){
				model.ActionSchedule: env.Campaigns.Schedule,
				model.ActionStart:    env.Campaigns.Start,
				model.ActionPause:    env.Campaigns.Pause,
				model.ActionCancel:   env.Campaigns.Cancel,
			}
			c, err := ops[action](cmd.Context(), args[0])
			if err != nil {
				return err
			}
			zap.L().Info("campaign updated",
				zap.String("campaign_id", c.ID), zap.String("action", string(action)), zap.String("status", string(c.Status)))
			formatCampaign(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

// campaignFile is the YAML form of a campaign definition.
type campaignFile struct {
	Name       string             `yaml:"name"`
	Channel    model.Channel      `yaml:"channel"`
	Settings   model.SendSettings `yaml:"settings"`
	LeadListID *int64             `yaml:"lead_list_id"`
	LeadIDs    []int64            `yaml:"lead_ids"`
	Steps      []struct {
		StepNumber int           `yaml:"step_number"`
		DelayDays  int           `yaml:"delay_days"`
		Channel    model.Channel `yaml:"channel"`
		Subject    string        `yaml:"subject"`
		Body       string        `yaml:"body"`
		Note       string        `yaml:"note"`
	} `yaml:"steps"`
}

// loadCampaignFile parses a campaign definition. Steps without a number are
// numbered by position.
func loadCampaignFile(path string) (*model.Campaign, error) {
	if path == "" {
		return nil, eris.New("campaign file is required (--file)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read campaign file %s", path)
	}
	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "parse campaign file %s", path)
	}

	c := &model.Campaign{
		Name:       f.Name,
		Channel:    f.Channel,
		Settings:   f.Settings,
		LeadListID: f.LeadListID,
		LeadIDs:    f.LeadIDs,
	}
	for i, s := range f.Steps {
		content, err := model.NewStepContent(s.Channel, s.Subject, s.Body, s.Note)
		if err != nil {
			return nil, eris.Wrapf(err, "step %d", i+1)
		}
		n := s.StepNumber
		if n == 0 {
			n = i + 1
		}
		c.Steps = append(c.Steps, model.SequenceStep{StepNumber: n, DelayDays: s.DelayDays, Content: content})
	}
	return c, nil
}

func formatCampaign(out io.Writer, c *model.Campaign) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", c.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", c.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", c.Status)
	_, _ = fmt.Fprintf(w, "Channel:\t%s\n", c.Channel)
	_, _ = fmt.Fprintf(w, "Steps:\t%d\n", len(c.Steps))
	_, _ = fmt.Fprintf(w, "Window:\t%s-%s %s (limit %d/day)\n",
		c.Settings.SendWindowStart, c.Settings.SendWindowEnd, c.Settings.Timezone, c.Settings.DailyLimit)
	m := c.Metrics
	_, _ = fmt.Fprintf(w, "Messages:\tpending=%d sent=%d delivered=%d opened=%d clicked=%d replied=%d bounced=%d failed=%d\n",
		m.Pending, m.Sent, m.Delivered, m.Opened, m.Clicked, m.Replied, m.Bounced, m.Failed)
	_ = w.Flush()
}

func formatCampaignList(out io.Writer, cs []model.Campaign) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCHANNEL\tPENDING\tSENT\tFAILED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t----\t------\t-------")
	for _, c := range cs {
		name := c.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID), name, c.Status, c.Channel,
			c.Metrics.Pending, c.Metrics.Sent, c.Metrics.Failed,
			c.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignFilePath, "file", "", "path to campaign YAML (required)")
	_ = campaignCreateCmd.MarkFlagRequired("file")
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "filter by status")

	campaignCmd.AddCommand(
		campaignCreateCmd,
		campaignShowCmd,
		campaignListCmd,
		campaignActionCmd(model.ActionSchedule, "Enroll leads and schedule every message"),
		campaignActionCmd(model.ActionStart, "Start or resume dispatching"),
		campaignActionCmd(model.ActionPause, "Pause dispatching"),
		campaignActionCmd(model.ActionCancel, "Cancel and fail all pending messages"),
	)
	rootCmd.AddCommand(campaignCmd)
}
