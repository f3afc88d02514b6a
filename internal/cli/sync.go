package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var syncUser string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every bank connection of a user once",
	Run:   runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncUser, "user", "", "user id")
	_ = syncCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close(ctx)
	}()

	summary, err := app.Aggregator().SyncAllAccounts(ctx, syncUser)
	if err != nil {
		slog.Error("Sync failed", "user_id", syncUser, "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CREDENTIAL\tPROVIDER\tRESULT\tCONNECTION\tACCOUNTS\tTRANSACTIONS\tERROR")
	for _, r := range summary.Results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.CredentialID, r.Provider, r.Status, r.ConnectionStatus, r.AccountsCount, r.TransactionsCount, r.Error)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(os.Stdout, "\nRun %s: %d ok, %d failed, %d accounts, %d transactions in %s\n",
		summary.RunID, summary.Succeeded, summary.Failed, summary.TotalAccounts, summary.TotalTransactions,
		summary.FinishedAt.Sub(summary.StartedAt))
	for _, a := range summary.Alerts {
		_, _ = fmt.Fprintf(os.Stdout, "[%s] %s\n", a.Severity, a.Message)
	}

	if summary.Failed > 0 {
		_ = app.Close(ctx)
		os.Exit(2)
	}
}
