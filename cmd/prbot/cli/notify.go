package cli

import (
	"context"
	"fmt"
	"time"

	"prbot/internal/config"
	"prbot/internal/notify"

	"github.com/spf13/cobra"
)

const notifyTestTimeout = 4 * time.Second

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification channel tools",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification to every configured channel",
	Args:  cobra.NoArgs,
	RunE:  runNotifyTest,
}

func init() {
	notifyCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(notifyCmd)
}

type notifyTestOutput struct {
	Success bool                   `json:"success"`
	Results []notify.ChannelResult `json:"results"`
	Error   string                 `json:"error,omitempty"`
}

func runNotifyTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results, err := sendTestNotification(cmd.Context(), cfg)
	if jsonOut {
		out := notifyTestOutput{Success: err == nil, Results: results}
		if err != nil {
			out.Error = err.Error()
		}
		printJSON(out)
		return err
	}

	for _, result := range results {
		switch {
		case result.Success:
			fmt.Printf("%s: ok\n", result.Channel)
		case result.Error != "":
			fmt.Printf("%s: failed (%s)\n", result.Channel, result.Error)
		default:
			fmt.Printf("%s: failed\n", result.Channel)
		}
	}
	if err != nil {
		return err
	}
	fmt.Println("notification test succeeded")
	return nil
}

func sendTestNotification(ctx context.Context, cfg *config.Config) ([]notify.ChannelResult, error) {
	senders := notify.BuildSenders(cfg.Notifications, nil)
	if len(senders) == 0 {
		return nil, fmt.Errorf("no notification channels configured")
	}
	results := notify.SendAll(ctx, senders, notify.TestPayload(), notifyTestTimeout)
	for _, result := range results {
		if result.Success {
			return results, nil
		}
	}
	return results, fmt.Errorf("all notification channels failed: %s", notify.SummarizeFailures(results))
}
