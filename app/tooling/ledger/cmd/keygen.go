package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a leader key pair as env lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := signature.GenerateKeyPair()
		if err != nil {
			return err
		}

		priv, pub := signature.EncodeKeyPair(kp)

		fmt.Fprintf(cmd.OutOrStdout(), "LEADER_PRIV_KEY=%s\n", priv)
		fmt.Fprintf(cmd.OutOrStdout(), "LEADER_PUB_KEY=%s\n", pub)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
