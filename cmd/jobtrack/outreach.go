package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

func newOutreachCmd(open func(*cobra.Command) (App, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "outreach URL",
		Short: "Draft referral messages for a stored posting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(cmd)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // Close logs its own failures.

			rec, err := app.Lookup(cmd.Context(), args[0])
			if errors.Is(err, pipeline.ErrNotFound) {
				return fmt.Errorf("no stored record for %s; run ingest first", args[0])
			}
			if err != nil {
				return fmt.Errorf("lookup: %w", err)
			}
			drafts := app.Generate(cmd.Context(), rec)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(drafts); err != nil {
					return fmt.Errorf("write drafts: %w", err)
				}
				return nil
			}
			_, err = fmt.Fprintf(out,
				"Connection note (%d chars):\n%s\n\nInMail (%d chars):\n%s\n\nPeople search: %s\n",
				utf8.RuneCountInString(drafts.Connection), drafts.Connection,
				utf8.RuneCountInString(drafts.InMail), drafts.InMail,
				drafts.SearchURL,
			)
			if err != nil {
				return fmt.Errorf("write drafts: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the drafts as JSON")
	return cmd
}
