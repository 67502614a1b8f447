package subscription

import (
	"errors"
	"fmt"

	"github.com/fanpledge/fanpledge/adapter/cli"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	cancelDonorID  string
	cancelArtistID string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil {
			return errors.New("subscription commands require a database connection")
		}

		donorID, err := uuid.Parse(cancelDonorID)
		if err != nil {
			return fmt.Errorf("invalid donor id: %w", err)
		}
		artistID, err := uuid.Parse(cancelArtistID)
		if err != nil {
			return fmt.Errorf("invalid artist id: %w", err)
		}

		if err := app.BillingService.Cancel(cmd.Context(), donorID, artistID); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Subscription canceled. Payment history is preserved.")
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelDonorID, "donor", "", "donor id (required)")
	cancelCmd.Flags().StringVar(&cancelArtistID, "artist", "", "artist id (required)")
	_ = cancelCmd.MarkFlagRequired("donor")
	_ = cancelCmd.MarkFlagRequired("artist")
}
