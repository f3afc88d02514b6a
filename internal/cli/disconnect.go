package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	disconnectUser       string
	disconnectCredential string
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove a bank connection at the provider and delete it locally",
	Run:   runDisconnect,
}

func init() {
	disconnectCmd.Flags().StringVar(&disconnectUser, "user", "", "user id")
	disconnectCmd.Flags().StringVar(&disconnectCredential, "credential", "", "credential id")
	_ = disconnectCmd.MarkFlagRequired("user")
	_ = disconnectCmd.MarkFlagRequired("credential")
	rootCmd.AddCommand(disconnectCmd)
}

func runDisconnect(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close(ctx)
	}()

	res, err := app.Aggregator().DisconnectAccount(ctx, disconnectUser, disconnectCredential)
	if err != nil {
		slog.Error("Disconnect failed", "user_id", disconnectUser, "credential_id", disconnectCredential, "error", err)
		os.Exit(1)
	}

	if res.VendorError != "" {
		_, _ = fmt.Fprintf(os.Stdout, "Deleted %s locally; %s removal failed: %s\n", res.CredentialID, res.Provider, res.VendorError)
		return
	}
	_, _ = fmt.Fprintf(os.Stdout, "Disconnected %s from %s\n", res.CredentialID, res.Provider)
}
