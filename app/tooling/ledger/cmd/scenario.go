package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vetclinic/ledger/app/tooling/ledger/scenario"
	"github.com/vetclinic/ledger/app/tooling/ledger/traffic"
)

var (
	leaderURL string
	nodeURLs  string
	rps       float64
	duration  time.Duration
	badRatio  float64
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run scripted fault scenarios",
}

var scenarioRunCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run the scenario described in the YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scenario.Load(args[0])
		if err != nil {
			return err
		}

		report, err := scenario.Run(cmd.Context(), newClient(), sc, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "[info] scenario %s passed: submitted=%d\n", report.Name, report.Submitted)
		return nil
	},
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Send rate limited random traffic to the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := traffic.Config{
			Leader:   leaderURL,
			Nodes:    strings.Split(nodeURLs, ","),
			RPS:      rps,
			Duration: duration,
			BadRatio: badRatio,
		}

		// An interrupt ends the run and still prints the counts.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		stats, err := traffic.Run(ctx, newClient(), cfg)
		if err != nil {
			return err
		}

		return printJSON(cmd, stats)
	},
}

func init() {
	rootCmd.AddCommand(scenarioCmd, trafficCmd)
	scenarioCmd.AddCommand(scenarioRunCmd)

	trafficCmd.Flags().StringVarP(&leaderURL, "leader", "l", "http://localhost:8080", "Public url of the leader.")
	trafficCmd.Flags().StringVar(&nodeURLs, "nodes", "http://localhost:8080", "Comma separated public urls of the nodes.")
	trafficCmd.Flags().Float64Var(&rps, "rps", 1, "Requests per second.")
	trafficCmd.Flags().DurationVar(&duration, "duration", time.Minute, "How long to run, 0 runs until interrupted.")
	trafficCmd.Flags().Float64Var(&badRatio, "bad-ratio", 0.05, "Share of submits that are broken on purpose.")
}
