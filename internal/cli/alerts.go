package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	alertsUser  string
	alertsLimit int64
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List a user's recent balance alerts from the Redis feed",
	Run:   runAlerts,
}

func init() {
	alertsCmd.Flags().StringVar(&alertsUser, "user", "", "user id")
	alertsCmd.Flags().Int64Var(&alertsLimit, "limit", 20, "maximum alerts to show")
	_ = alertsCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(alertsCmd)
}

func runAlerts(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close(ctx)
	}()

	feed := app.AlertFeed()
	if feed == nil {
		slog.Error("Alert feed requires redis.url in the config")
		os.Exit(1)
	}
	alerts, err := feed.Recent(ctx, alertsUser, alertsLimit)
	if err != nil {
		slog.Error("Failed to read alerts", "user_id", alertsUser, "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tACCOUNT\tBALANCE\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s %s\t%s\n",
			a.CreatedAt.Format(time.RFC3339), a.Severity, a.Type, a.AccountName, a.Balance.StringFixed(2), a.Currency, a.Message)
	}
	_ = w.Flush()
}
