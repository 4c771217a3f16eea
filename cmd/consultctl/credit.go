package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCreditCmd(e *env) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Top up a wallet by amount minor units",
		Long: `Credits a wallet. Re-running with the same --reference is a no-op, so a
failed invocation can be retried safely.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			wallet, err := e.walletSvc.Credit(cmd.Context(), userID, amount, reference)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wallet)
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "Idempotency reference (generated when empty)")
	return cmd
}
