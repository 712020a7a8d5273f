//go:build !integration

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/research"
)

const campaignYAML = `
name: Q4 founders
settings:
  daily_limit: 50
  send_window_start: "09:00"
  send_window_end: "17:00"
  timezone: America/New_York
  skip_weekends: true
lead_ids: [1, 2]
steps:
  - channel: email
    subject: "Hi {{first_name}}"
    body: "Saw {{company}} is hiring."
  - channel: linkedin_connection
    delay_days: 2
    note: "Great to connect, {{first_name}}"
  - step_number: 3
    channel: linkedin_dm
    delay_days: 3
    body: "Following up"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCampaignFile(t *testing.T) {
	c, err := loadCampaignFile(writeFile(t, "campaign.yaml", campaignYAML))
	require.NoError(t, err)

	assert.Equal(t, "Q4 founders", c.Name)
	assert.Equal(t, []int64{1, 2}, c.LeadIDs)
	assert.Equal(t, 50, c.Settings.DailyLimit)
	assert.Equal(t, "America/New_York", c.Settings.Timezone)
	assert.True(t, c.Settings.SkipWeekends)

	require.Len(t, c.Steps, 3)
	assert.Equal(t, 1, c.Steps[0].StepNumber)
	assert.Equal(t, 2, c.Steps[1].StepNumber)
	assert.Equal(t, 3, c.Steps[2].StepNumber)
	assert.Equal(t, model.ChannelEmail, c.Steps[0].Channel())
	assert.Equal(t, model.ChannelLinkedInConnection, c.Steps[1].Channel())
	assert.Equal(t, 2, c.Steps[1].DelayDays)

	subject, body := c.Steps[0].Content.Template()
	assert.Equal(t, "Hi {{first_name}}", subject)
	assert.Equal(t, "Saw {{company}} is hiring.", body)
}

func TestLoadCampaignFile_Errors(t *testing.T) {
	_, err := loadCampaignFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file")

	_, err = loadCampaignFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read campaign file")

	_, err = loadCampaignFile(writeFile(t, "bad.yaml", "steps: [oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse campaign file")

	_, err = loadCampaignFile(writeFile(t, "fax.yaml", "name: x\nsteps:\n  - channel: fax\n    body: hi\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0123abcd", truncateID("0123abcd-4567-89ef"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatCampaign(t *testing.T) {
	var buf bytes.Buffer
	formatCampaign(&buf, &model.Campaign{
		ID:      "c-1",
		Name:    "Q4 founders",
		Status:  model.CampaignScheduled,
		Channel: model.ChannelEmail,
		Settings: model.SendSettings{
			DailyLimit: 50, SendWindowStart: "09:00", SendWindowEnd: "17:00", Timezone: "UTC",
		},
		Metrics: model.Metrics{Pending: 4, Sent: 1},
	})
	out := buf.String()
	assert.Contains(t, out, "Q4 founders")
	assert.Contains(t, out, "scheduled")
	assert.Contains(t, out, "09:00-17:00 UTC (limit 50/day)")
	assert.Contains(t, out, "pending=4 sent=1")
}

func TestFormatCampaignList(t *testing.T) {
	var buf bytes.Buffer
	formatCampaignList(&buf, []model.Campaign{
		{ID: "aaaaaaaa-1111", Name: strings.Repeat("n", 40), Status: model.CampaignRunning, Channel: model.ChannelEmail},
	})
	out := buf.String()
	assert.Contains(t, out, "aaaaaaaa")
	assert.NotContains(t, out, "aaaaaaaa-1111")
	assert.Contains(t, out, strings.Repeat("n", 27)+"...")
}

func TestFormatDeal(t *testing.T) {
	var buf bytes.Buffer
	formatDeal(&buf, &model.Deal{
		ID: "d-1", Title: "Acme expansion", Stage: model.StageSQL,
		Value: 10000, Probability: 20, WeightedValue: 2000, AssignedTo: "sam",
	}, []model.Stage{model.StageProposalSent, model.StageClosedLost})
	out := buf.String()
	assert.Contains(t, out, "Acme expansion")
	assert.Contains(t, out, "20%")
	assert.Contains(t, out, "2000.00")
	assert.Contains(t, out, "sam")
	assert.Contains(t, out, "Next stages:")
}

func TestFormatActivitiesAndTasks(t *testing.T) {
	var buf bytes.Buffer
	formatActivities(&buf, nil)
	formatTasks(&buf, nil)
	assert.Empty(t, buf.String())

	due := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	formatActivities(&buf, []model.Activity{{Type: model.ActivityCall, Description: "intro call", CreatedBy: "sam"}})
	formatTasks(&buf, []model.Task{{ID: "t-1", Title: "send proposal", DueDate: &due}, {ID: "t-2", Title: "follow up"}})
	out := buf.String()
	assert.Contains(t, out, "intro call")
	assert.Contains(t, out, "due 2026-11-02")
	assert.Contains(t, out, "due -")
}

func TestFormatBatch(t *testing.T) {
	var buf bytes.Buffer
	formatBatch(&buf, &model.Batch{
		ID: "b-1", Name: "Q4 research", Status: model.BatchRunning,
		TotalLeads: 10, ProcessedLeads: 4, FailedLeads: 1, TotalCostUSD: 0.042,
		Errors: []model.BatchError{{LeadID: 7, Error: "synthesis missing profile"}},
	})
	out := buf.String()
	assert.Contains(t, out, "4/10 (1 failed)")
	assert.Contains(t, out, "$0.0420")
	assert.Contains(t, out, "lead 7")
	assert.Contains(t, out, "synthesis missing profile")
}

func TestFormatProcessReport(t *testing.T) {
	var buf bytes.Buffer
	formatProcessReport(&buf, &research.ProcessReport{Skipped: true})
	assert.Contains(t, buf.String(), "skipped")

	buf.Reset()
	formatProcessReport(&buf, &research.ProcessReport{Processed: 5, Succeeded: 4, Failed: 1, CostUSD: 0.05})
	assert.Contains(t, buf.String(), "Processed 5 leads (4 succeeded, 1 failed)")
}

func TestTickInterval(t *testing.T) {
	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	cfg = &config.Config{}
	d, err := tickInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	cfg.Outreach.TickInterval = "30s"
	d, err = tickInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	cfg.Outreach.TickInterval = "soon"
	_, err = tickInterval()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outreach.tick_interval")
}

func TestResolvePort(t *testing.T) {
	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	cfg = &config.Config{}
	cfg.Server.Port = 8080
	assert.Equal(t, 8080, resolvePort(0))
	assert.Equal(t, 9090, resolvePort(9090))
}

func TestDispatchConfig(t *testing.T) {
	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	cfg = &config.Config{}
	cfg.Outreach.MaxConcurrentCampaigns = 5
	cfg.Outreach.PerTickLimit = 100
	cfg.Outreach.ConfirmationHorizonHours = 72
	cfg.Outreach.RetryMaxAttempts = 5
	cfg.Outreach.RetryInitialMins = 5
	cfg.Outreach.RetryMaxHours = 6

	dc := dispatchConfig()
	assert.Equal(t, 5, dc.MaxConcurrentCampaigns)
	assert.Equal(t, 100, dc.PerTickLimit)
	assert.Equal(t, 72*time.Hour, dc.ConfirmationHorizon)
	assert.Equal(t, 5, dc.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, dc.Retry.Initial)
	assert.Equal(t, 6*time.Hour, dc.Retry.Max)
}

// runCLI executes the root command against a fresh SQLite store in a
// temporary working directory.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OUTREACH_STORE_DRIVER", "sqlite")
	t.Setenv("OUTREACH_STORE_SQLITE_PATH", filepath.Join(dir, "outreach.db"))
	t.Setenv("OUTREACH_LOG_LEVEL", "error")

	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(origDir) //nolint:errcheck

	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_MigrateAndCampaignCreate(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, dir, "migrate")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "outreach.db"))

	path := writeFile(t, "campaign.yaml", campaignYAML)
	out, err := runCLI(t, dir, "campaign", "create", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Q4 founders")
	assert.Contains(t, out, "draft")

	out, err = runCLI(t, dir, "campaign", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Q4 founders")
}

func TestCLI_ImportLeads(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, "leads.csv", "first_name,last_name,email,company\nAda,Lovelace,ada@example.com,Engines\nGrace,Hopper,grace@example.com,Navy\n")

	out, err := runCLI(t, dir, "import", "--csv", csvPath, "--list", "founders")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 leads (0 skipped)")
	assert.Contains(t, out, `List "founders"`)
}

func TestCLI_DealSyncRequiresSalesforce(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "deal", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce")
}

func TestCLI_BatchProcessRequiresAnthropic(t *testing.T) {
	t.Setenv("OUTREACH_ANTHROPIC_KEY", "")
	_, err := runCLI(t, t.TempDir(), "batch", "process", "b-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic")
}
