package subscription

import (
	"errors"
	"fmt"

	"github.com/fanpledge/fanpledge/adapter/cli"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	statusDonorID  string
	statusArtistID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a donor actively supports an artist",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil {
			return errors.New("subscription commands require a database connection")
		}

		donorID, err := uuid.Parse(statusDonorID)
		if err != nil {
			return fmt.Errorf("invalid donor id: %w", err)
		}
		artistID, err := uuid.Parse(statusArtistID)
		if err != nil {
			return fmt.Errorf("invalid artist id: %w", err)
		}

		active, err := app.BillingService.GetStatus(cmd.Context(), donorID, artistID)
		if err != nil {
			return err
		}

		if active {
			fmt.Fprintln(cmd.OutOrStdout(), "Active")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Not active")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDonorID, "donor", "", "donor id (required)")
	statusCmd.Flags().StringVar(&statusArtistID, "artist", "", "artist id (required)")
	_ = statusCmd.MarkFlagRequired("donor")
	_ = statusCmd.MarkFlagRequired("artist")
}
