package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/unidrive/unidrive-go/internal/tokenstore"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <schema:account>",
		Short: "Store credentials for a drive account",
		Long: `Store a bearer token and service endpoint for an account, then verify
them against the service. Tokens are written to the token directory
with owner-only permissions.`,
		Args: cobra.ExactArgs(1),
		RunE: runLogin,
	}

	cmd.Flags().String("endpoint", "", "service endpoint URL")
	cmd.Flags().String("token", "", "bearer token")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <schema:account>",
		Short: "Forget one account's session and credentials",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogout,
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <schema>",
		Short: "Forget every session and credential for a backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurge,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	name, err := app.parseRootName(args[0])
	if err != nil {
		return err
	}

	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return err
	}

	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return err
	}

	if token == "" {
		return fmt.Errorf("login requires --token")
	}

	rec := &tokenstore.Record{
		Token: &oauth2.Token{AccessToken: token},
	}

	if endpoint != "" {
		rec.Meta = map[string]string{"endpoint": endpoint}
	}

	if err := app.tokens.Save(name.Schema, name.Account, rec); err != nil {
		return err
	}

	reg, err := app.registry.Lookup(name.Schema)
	if err != nil {
		return err
	}

	if err := reg.Gateway().TryAuthenticate(cmd.Context(), name, nil); err != nil {
		// Leave no credential behind when the service rejects it.
		if delErr := app.tokens.Delete(name.Schema, name.Account); delErr != nil {
			app.logger.Warn("removing rejected credential", "error", delErr)
		}

		return fmt.Errorf("verifying credentials for %s: %w", name, err)
	}

	statusf("Logged in to %s\n", name)

	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	name, err := app.parseRootName(args[0])
	if err != nil {
		return err
	}

	reg, err := app.registry.Lookup(name.Schema)
	if err != nil {
		return err
	}

	if err := reg.Gateway().PurgeSettings(&name); err != nil {
		return err
	}

	statusf("Logged out of %s\n", name)

	return nil
}

func runPurge(_ *cobra.Command, args []string) error {
	schema := args[0]

	reg, err := app.registry.Lookup(schema)
	if err != nil {
		return err
	}

	if err := reg.Gateway().PurgeSettings(nil); err != nil {
		return err
	}

	statusf("Purged all %s sessions and credentials\n", schema)

	return nil
}
