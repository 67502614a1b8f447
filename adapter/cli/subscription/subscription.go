// Package subscription provides the subscription lifecycle commands.
package subscription

import "github.com/spf13/cobra"

// Cmd is the subscription command group.
var Cmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage donor subscriptions",
	Long:  `Register, activate, inspect and cancel recurring donor pledges.`,
}

func init() {
	Cmd.AddCommand(registerCmd)
	Cmd.AddCommand(activateCmd)
	Cmd.AddCommand(cancelCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(detailCmd)
}
