// Package scenario runs scripted fault scenarios against a running cluster
// and reports whether the nodes ended up where the script expected.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/app/tooling/ledger/client"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"gopkg.in/yaml.v3"
)

// ErrExpectation is returned when the cluster did not end up as expected.
var ErrExpectation = errors.New("scenario expectation not met")

// Scenario is a scripted run against the cluster.
type Scenario struct {
	Name         string                      `yaml:"name"`
	Leader       string                      `yaml:"leader"`
	Nodes        map[string]string           `yaml:"nodes"`
	Faults       map[string]faults.NodePatch `yaml:"faults"`
	Transactions int                         `yaml:"transactions"`
	SubmitTo     []string                    `yaml:"submit_to"`
	Settle       time.Duration               `yaml:"settle"`
	Reset        bool                        `yaml:"reset"`
	Expect       Expect                      `yaml:"expect"`
}

// Expect is what the cluster should look like after the round.
type Expect struct {
	Status string   `yaml:"status"`
	Agree  []string `yaml:"agree"`
}

// Tip is what one node reported at the end of the run.
type Tip struct {
	Node   string
	Height uint64
	Hash   string
	Valid  bool
	Error  string
}

// Report is the outcome of a run.
type Report struct {
	Name      string
	Submitted int
	Round     state.RoundResult
	RoundErr  string
	Tips      []Tip
}

// =============================================================================

// Load reads a scenario from a YAML file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}

	return Parse(data)
}

// Parse decodes a scenario and checks that every node it names is known.
func Parse(data []byte) (Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("decoding scenario: %w", err)
	}

	if len(sc.Nodes) == 0 {
		return Scenario{}, errors.New("scenario has no nodes")
	}

	if _, exists := sc.Nodes[sc.Leader]; !exists {
		return Scenario{}, fmt.Errorf("leader %q is not a node", sc.Leader)
	}

	names := make([]string, 0, len(sc.Faults)+len(sc.SubmitTo)+len(sc.Expect.Agree))
	for name := range sc.Faults {
		names = append(names, name)
	}
	names = append(names, sc.SubmitTo...)
	names = append(names, sc.Expect.Agree...)

	for _, name := range names {
		if _, exists := sc.Nodes[name]; !exists {
			return Scenario{}, fmt.Errorf("node %q is not defined", name)
		}
	}

	if sc.Transactions < 0 {
		return Scenario{}, errors.New("transactions can't be negative")
	}

	if len(sc.SubmitTo) == 0 {
		sc.SubmitTo = slices.Sorted(maps.Keys(sc.Nodes))
	}

	return sc, nil
}

// Run applies the faults, sends the transactions, runs one distributed round
// on the leader, then collects every node's tip and verification result.
func Run(ctx context.Context, c *client.Client, sc Scenario, w io.Writer) (Report, error) {
	report := Report{
		Name: sc.Name,
	}

	fmt.Fprintf(w, "=== scenario %s ===\n", sc.Name)

	for _, name := range slices.Sorted(maps.Keys(sc.Faults)) {
		cfg, err := c.SetFaults(ctx, sc.Nodes[name], sc.Faults[name])
		if err != nil {
			return report, fmt.Errorf("setting faults on %s: %w", name, err)
		}
		fmt.Fprintf(w, "[faults] %s: %+v\n", name, cfg)
	}

	if sc.Reset {
		defer reset(c, sc, w)
	}

	for i := range sc.Transactions {
		name := sc.SubmitTo[i%len(sc.SubmitTo)]

		payload := database.TxPayload{
			Sender:    fmt.Sprintf("user%d_a", i),
			Recipient: fmt.Sprintf("user%d_b", i),
			Amount:    decimal.NewFromInt(int64(i + 1)),
		}

		acc, err := c.Submit(ctx, sc.Nodes[name], payload)
		if err != nil {
			fmt.Fprintf(w, "[submit] %s: ERROR: %s\n", name, err)
			continue
		}

		report.Submitted++
		fmt.Fprintf(w, "[submit] %s: %s tx[%s]\n", name, acc.Status, acc.TxID)
	}

	// Sharing with the followers happens in the background.
	if sc.Settle > 0 {
		if err := faults.Sleep(ctx, sc.Settle); err != nil {
			return report, err
		}
	}

	round, err := c.MineDistributed(ctx, sc.Nodes[sc.Leader])
	switch err {
	case nil:
		report.Round = round
		fmt.Fprintf(w, "[mine_distributed] status=%s votes=%d total=%d\n", round.Status, round.Votes, round.Total)
	default:
		report.RoundErr = err.Error()
		fmt.Fprintf(w, "[mine_distributed] ERROR: %s\n", err)
	}

	for _, name := range slices.Sorted(maps.Keys(sc.Nodes)) {
		tip := Tip{Node: name}

		cs, err := c.Status(ctx, sc.Nodes[name])
		if err != nil {
			tip.Error = err.Error()
			report.Tips = append(report.Tips, tip)
			fmt.Fprintf(w, " - %s: ERROR: %s\n", name, err)
			continue
		}
		tip.Height = cs.Height
		tip.Hash = cs.LastBlockHash

		vr, err := c.Verify(ctx, sc.Nodes[name])
		switch err {
		case nil:
			tip.Valid = vr.Valid
		default:
			tip.Error = err.Error()
		}

		report.Tips = append(report.Tips, tip)
		fmt.Fprintf(w, " - %s: height=%d hash=%.8s valid=%t\n", name, tip.Height, tip.Hash, tip.Valid)
	}

	return report, check(sc.Expect, report)
}

// =============================================================================

func check(exp Expect, report Report) error {
	if exp.Status != "" && report.Round.Status != exp.Status {
		return fmt.Errorf("%w: round status %q, expected %q", ErrExpectation, report.Round.Status, exp.Status)
	}

	if len(exp.Agree) == 0 {
		return nil
	}

	tips := make(map[string]Tip, len(report.Tips))
	for _, tip := range report.Tips {
		tips[tip.Node] = tip
	}

	first := tips[exp.Agree[0]]
	for _, name := range exp.Agree {
		tip := tips[name]
		if tip.Error != "" {
			return fmt.Errorf("%w: %s unreachable: %s", ErrExpectation, name, tip.Error)
		}
		if tip.Height != first.Height || tip.Hash != first.Hash {
			return fmt.Errorf("%w: %s at height %d, %s at height %d", ErrExpectation, name, tip.Height, exp.Agree[0], first.Height)
		}
	}

	return nil
}

// reset turns every fault the scenario set back off.
func reset(c *client.Client, sc Scenario, w io.Writer) {
	off := false
	zero := 0
	none := 0.0

	patch := faults.NodePatch{
		Offline:            &off,
		SlowMS:             &zero,
		Byzantine:          &off,
		Flapping:           &off,
		DropRPCProbability: &none,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range slices.Sorted(maps.Keys(sc.Faults)) {
		if _, err := c.SetFaults(ctx, sc.Nodes[name], patch); err != nil {
			fmt.Fprintf(w, "[reset] %s: ERROR: %s\n", name, err)
		}
	}
}
