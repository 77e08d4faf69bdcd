package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobtrack/internal/credentials"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the shared credentials kept in the OS keyring",
	}

	var shared credentials.Credentials
	set := &cobra.Command{
		Use:   "set",
		Short: "Store shared credentials in the keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if shared.LLMAPIKey == "" && shared.NotionToken == "" && shared.NotionDatabaseID == "" {
				return errors.New("nothing to store; pass --llm-key, --notion-token or --notion-db")
			}
			if err := credentials.StoreShared(shared); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "shared credentials stored")
			return err
		},
	}
	set.Flags().StringVar(&shared.LLMAPIKey, "llm-key", "", "language model API key")
	set.Flags().StringVar(&shared.NotionToken, "notion-token", "", "Notion integration token")
	set.Flags().StringVar(&shared.NotionDatabaseID, "notion-db", "", "Notion database ID")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove shared credentials from the keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := credentials.DeleteShared(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "shared credentials deleted")
			return err
		},
	}

	hash := &cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print the bcrypt hash to configure as credentials.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := credentials.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}

	cmd.AddCommand(set, del, hash)
	return cmd
}
