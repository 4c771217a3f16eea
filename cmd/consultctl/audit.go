package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var errDrift = errors.New("ledger drift detected")

func newAuditCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare every wallet balance with its ledger",
		Long:  `Exits non-zero when any wallet balance differs from the sum of its ledger entries.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			drift, err := e.auditor.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if len(drift) == 0 {
				return nil
			}
			if err := printJSON(cmd.OutOrStdout(), drift); err != nil {
				return err
			}
			return errDrift
		},
	}
}
