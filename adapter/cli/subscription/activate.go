package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/fanpledge/fanpledge/adapter/cli"
	"github.com/fanpledge/fanpledge/internal/billing/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	activateSubscriptionID string
	activateAuthKey        string
	activateAmount         int64
)

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate a pending subscription and take the first charge",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil {
			return errors.New("subscription commands require a database connection")
		}

		subscriptionID, err := uuid.Parse(activateSubscriptionID)
		if err != nil {
			return fmt.Errorf("invalid subscription id: %w", err)
		}

		sub, err := app.BillingService.Activate(cmd.Context(), subscriptionID, activateAuthKey, activateAmount, domain.NewOrderReference())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Subscription activated: %s\n", sub.ID())
		fmt.Fprintf(cmd.OutOrStdout(), "Monthly amount: %d\n", *sub.Amount())
		fmt.Fprintf(cmd.OutOrStdout(), "Next payment due: %s\n", sub.NextPaymentDue().Format(time.RFC1123))
		return nil
	},
}

func init() {
	activateCmd.Flags().StringVar(&activateSubscriptionID, "id", "", "subscription id (required)")
	activateCmd.Flags().StringVar(&activateAuthKey, "auth-key", "", "one-time gateway authorization key (required)")
	activateCmd.Flags().Int64Var(&activateAmount, "amount", 0, "monthly amount in the smallest currency unit (required)")
	_ = activateCmd.MarkFlagRequired("id")
	_ = activateCmd.MarkFlagRequired("auth-key")
	_ = activateCmd.MarkFlagRequired("amount")
}
