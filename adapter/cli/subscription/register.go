package subscription

import (
	"errors"
	"fmt"

	"github.com/fanpledge/fanpledge/adapter/cli"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	registerDonorID  string
	registerArtistID string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a pending subscription for a donor and artist",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil {
			return errors.New("subscription commands require a database connection")
		}

		donorID, err := uuid.Parse(registerDonorID)
		if err != nil {
			return fmt.Errorf("invalid donor id: %w", err)
		}
		artistID, err := uuid.Parse(registerArtistID)
		if err != nil {
			return fmt.Errorf("invalid artist id: %w", err)
		}

		sub, err := app.BillingService.Register(cmd.Context(), donorID, artistID)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Subscription registered: %s\n", sub.ID())
		fmt.Fprintf(cmd.OutOrStdout(), "Customer key: %s\n", sub.CustomerKey())
		fmt.Fprintln(cmd.OutOrStdout(), "Status: pending (no money moved yet)")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerDonorID, "donor", "", "donor id (required)")
	registerCmd.Flags().StringVar(&registerArtistID, "artist", "", "artist id (required)")
	_ = registerCmd.MarkFlagRequired("donor")
	_ = registerCmd.MarkFlagRequired("artist")
}
