package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
)

var (
	sender      string
	recipient   string
	amount      string
	distributed bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the chain summary of the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		cs, err := newClient().Status(ctx, nodeURL)
		if err != nil {
			return err
		}

		return printJSON(cmd, cs)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a transfer to the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return fmt.Errorf("parsing amount: %w", err)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		payload := database.TxPayload{
			Sender:    sender,
			Recipient: recipient,
			Amount:    value,
		}

		acc, err := newClient().Submit(ctx, nodeURL, payload)
		if err != nil {
			return err
		}

		return printJSON(cmd, acc)
	},
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Mine the mempool on the node, or run a round on the leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if distributed {
			rr, err := newClient().MineDistributed(ctx, nodeURL)
			if err != nil {
				return err
			}
			return printJSON(cmd, rr)
		}

		raw, err := newClient().Mine(ctx, nodeURL)
		if err != nil {
			return err
		}
		return printJSON(cmd, raw)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the chain held by the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		vr, err := newClient().Verify(ctx, nodeURL)
		if err != nil {
			return err
		}

		return printJSON(cmd, vr)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, submitCmd, mineCmd, verifyCmd)

	submitCmd.Flags().StringVarP(&sender, "sender", "s", "", "Sender of the transfer.")
	submitCmd.Flags().StringVarP(&recipient, "recipient", "r", "", "Recipient of the transfer.")
	submitCmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount to transfer.")
	submitCmd.MarkFlagRequired("sender")
	submitCmd.MarkFlagRequired("recipient")
	submitCmd.MarkFlagRequired("amount")

	mineCmd.Flags().BoolVarP(&distributed, "distributed", "d", false, "Run a consensus round on the leader.")
}
