package cmd

import (
	"github.com/spf13/cobra"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
)

var faultsCmd = &cobra.Command{
	Use:   "faults",
	Short: "Read or change the simulated faults of the node",
}

var faultsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the fault configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		cfg, err := newClient().Faults(ctx, nodeURL)
		if err != nil {
			return err
		}

		return printJSON(cmd, cfg)
	},
}

var faultsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the fault settings given as flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()

		var patch faults.NodePatch
		if flags.Changed("offline") {
			v, _ := flags.GetBool("offline")
			patch.Offline = &v
		}
		if flags.Changed("slow-ms") {
			v, _ := flags.GetInt("slow-ms")
			patch.SlowMS = &v
		}
		if flags.Changed("byzantine") {
			v, _ := flags.GetBool("byzantine")
			patch.Byzantine = &v
		}
		if flags.Changed("flapping") {
			v, _ := flags.GetBool("flapping")
			patch.Flapping = &v
		}
		if flags.Changed("flapping-mod") {
			v, _ := flags.GetInt("flapping-mod")
			patch.FlappingMod = &v
		}
		if flags.Changed("drop") {
			v, _ := flags.GetFloat64("drop")
			patch.DropRPCProbability = &v
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		cfg, err := newClient().SetFaults(ctx, nodeURL, patch)
		if err != nil {
			return err
		}

		return printJSON(cmd, cfg)
	},
}

var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "Read or change the request chaos of the node",
}

var chaosGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the chaos configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		cfg, err := newClient().Chaos(ctx, nodeURL)
		if err != nil {
			return err
		}

		return printJSON(cmd, cfg)
	},
}

var chaosSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the chaos settings given as flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()

		var patch faults.ChaosPatch
		if flags.Changed("enabled") {
			v, _ := flags.GetBool("enabled")
			patch.Enabled = &v
		}
		if flags.Changed("error-rate") {
			v, _ := flags.GetFloat64("error-rate")
			patch.ErrorRate = &v
		}
		if flags.Changed("delay-rate") {
			v, _ := flags.GetFloat64("delay-rate")
			patch.DelayRate = &v
		}
		if flags.Changed("delay-min") {
			v, _ := flags.GetInt("delay-min")
			patch.DelayMSMin = &v
		}
		if flags.Changed("delay-max") {
			v, _ := flags.GetInt("delay-max")
			patch.DelayMSMax = &v
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		cfg, err := newClient().SetChaos(ctx, nodeURL, patch)
		if err != nil {
			return err
		}

		return printJSON(cmd, cfg)
	},
}

func init() {
	rootCmd.AddCommand(faultsCmd, chaosCmd)
	faultsCmd.AddCommand(faultsGetCmd, faultsSetCmd)
	chaosCmd.AddCommand(chaosGetCmd, chaosSetCmd)

	faultsSetCmd.Flags().Bool("offline", false, "Reject every rpc call.")
	faultsSetCmd.Flags().Int("slow-ms", 0, "Delay every rpc call by this many milliseconds.")
	faultsSetCmd.Flags().Bool("byzantine", false, "Invert votes and skip commits.")
	faultsSetCmd.Flags().Bool("flapping", false, "Reject rpc calls unless the call count divides evenly.")
	faultsSetCmd.Flags().Int("flapping-mod", 2, "Divisor used while flapping.")
	faultsSetCmd.Flags().Float64("drop", 0, "Probability of dropping an rpc call.")

	chaosSetCmd.Flags().Bool("enabled", false, "Turn request chaos on or off.")
	chaosSetCmd.Flags().Float64("error-rate", 0, "Probability of failing a request.")
	chaosSetCmd.Flags().Float64("delay-rate", 0, "Probability of delaying a request.")
	chaosSetCmd.Flags().Int("delay-min", 0, "Minimum delay in milliseconds.")
	chaosSetCmd.Flags().Int("delay-max", 0, "Maximum delay in milliseconds.")
}
