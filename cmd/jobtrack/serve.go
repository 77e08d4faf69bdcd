package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(open func(*cobra.Command) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the postings HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open(cmd)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // Close logs its own failures.
			return app.Run(cmd.Context())
		},
	}
}
