package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"consultlink-backend/internal/call"
)

func newEndCmd(opts *globalOptions) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "Mark a consultation completed without joining it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			if err := requireAccessToken(opts); err != nil {
				return err
			}

			reporter := call.NewHTTPSessionReporter(opts.apiURL, opts.accessToken)
			if err := reporter.EndSession(cmd.Context(), sessionID, notes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Consultation %s completed\n", sessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "closing notes")
	return cmd
}
