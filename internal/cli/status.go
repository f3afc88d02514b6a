package cli

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a user's bank connections and provider health",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "user id")
	_ = statusCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close(ctx)
	}()

	conns, err := app.Aggregator().GetConnections(ctx, statusUser)
	if err != nil {
		slog.Error("Failed to load connections", "user_id", statusUser, "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CREDENTIAL\tPROVIDER\tINSTITUTION\tSTATUS\tACCOUNTS\tLAST SYNC")
	for _, c := range conns {
		lastSync := "never"
		if c.LastSync != nil {
			lastSync = c.LastSync.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.CredentialID, c.Provider, c.InstitutionName, c.Status, c.AccountCount, lastSync)
	}
	_ = w.Flush()

	report := app.Health().CheckHealth(ctx)
	_, _ = fmt.Fprintf(os.Stdout, "\nSystem: %s\n", report.SystemStatus)
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROVIDER\tSTATUS\tTRANSPORT\tOPEN CIRCUITS")
	for _, name := range slices.Sorted(maps.Keys(report.Providers)) {
		p := report.Providers[name]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", name, p.Status, p.Transport, len(p.OpenCircuits))
	}
	_ = w.Flush()
}
