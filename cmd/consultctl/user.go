package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pscheid92/consultline/internal/domain"
)

func newUserCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserAddCmd(e))
	return cmd
}

func newUserAddCmd(e *env) *cobra.Command {
	var nu domain.NewUser
	var role string

	cmd := &cobra.Command{
		Use:   "add <display-name>",
		Short: "Create a user with an empty wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nu.DisplayName = strings.TrimSpace(args[0])
			nu.Role = domain.Role(role)
			if err := validateNewUser(nu); err != nil {
				return err
			}

			u, err := e.users.Create(cmd.Context(), nu)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}

	cmd.Flags().StringVar(&role, "role", string(domain.RoleClient), "client or astrologer")
	cmd.Flags().Int64Var(&nu.ChatRate, "chat-rate", 0, "Chat rate per minute in minor units (astrologers)")
	cmd.Flags().Int64Var(&nu.CallRate, "call-rate", 0, "Call rate per minute in minor units (astrologers)")
	return cmd
}

func validateNewUser(nu domain.NewUser) error {
	if nu.DisplayName == "" {
		return fmt.Errorf("display name must not be empty")
	}
	if !nu.Role.Valid() {
		return fmt.Errorf("invalid role %q", nu.Role)
	}
	if nu.ChatRate < 0 || nu.CallRate < 0 {
		return fmt.Errorf("rates must not be negative")
	}
	if nu.Role == domain.RoleAstrologer && nu.ChatRate == 0 && nu.CallRate == 0 {
		return fmt.Errorf("astrologers need a chat or call rate")
	}
	return nil
}
