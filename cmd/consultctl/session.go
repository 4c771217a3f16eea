package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pscheid92/consultline/internal/domain"
)

func newSessionCmd(e *env) *cobra.Command {
	var end bool

	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Show a session, optionally ending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id %q: %w", args[0], err)
			}

			var sess *domain.Session
			if end {
				sess, err = e.sessionSvc.ForceEnd(cmd.Context(), sessionID, domain.EndOperator)
			} else {
				sess, err = e.sessionSvc.Get(cmd.Context(), sessionID)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), domain.NewSessionView(sess))
		},
	}

	cmd.Flags().BoolVar(&end, "end", false, "End the session on behalf of an operator")
	return cmd
}
