package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/fanpledge/fanpledge/adapter/cli"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	detailDonorID  string
	detailArtistID string
)

var detailCmd = &cobra.Command{
	Use:   "detail",
	Short: "Show a subscription with its full payment history",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil {
			return errors.New("subscription commands require a database connection")
		}

		donorID, err := uuid.Parse(detailDonorID)
		if err != nil {
			return fmt.Errorf("invalid donor id: %w", err)
		}
		artistID, err := uuid.Parse(detailArtistID)
		if err != nil {
			return fmt.Errorf("invalid artist id: %w", err)
		}

		detail, err := app.BillingService.GetDetail(cmd.Context(), donorID, artistID)
		if err != nil {
			return err
		}

		sub := detail.Subscription
		fmt.Fprintf(cmd.OutOrStdout(), "Subscription: %s\n", sub.ID())
		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", sub.Status())
		if sub.Amount() != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Monthly amount: %d\n", *sub.Amount())
		}
		if sub.NextPaymentDue() != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Next payment due: %s\n", sub.NextPaymentDue().Format(time.RFC1123))
		}

		if len(detail.Attempts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No payment attempts yet.")
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Payment attempts (%d):\n", len(detail.Attempts))
		for _, attempt := range detail.Attempts {
			line := fmt.Sprintf("  %s  %-7s  %d  %s",
				attempt.AttemptedAt().Format(time.RFC3339),
				attempt.Outcome(),
				attempt.Amount(),
				attempt.OrderReference(),
			)
			if attempt.FailureReason() != nil {
				line += "  " + *attempt.FailureReason()
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	detailCmd.Flags().StringVar(&detailDonorID, "donor", "", "donor id (required)")
	detailCmd.Flags().StringVar(&detailArtistID, "artist", "", "artist id (required)")
	_ = detailCmd.MarkFlagRequired("donor")
	_ = detailCmd.MarkFlagRequired("artist")
}
