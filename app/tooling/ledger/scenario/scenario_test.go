package scenario_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vetclinic/ledger/app/services/node/handlers"
	"github.com/vetclinic/ledger/app/tooling/ledger/client"
	"github.com/vetclinic/ledger/app/tooling/ledger/scenario"
	"github.com/vetclinic/ledger/business/sys/metrics"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/blockchain/storage/memory"
	"github.com/vetclinic/ledger/foundation/blockchain/worker"
	"github.com/vetclinic/ledger/foundation/events"
	"github.com/vetclinic/ledger/foundation/logger"
)

// startCluster runs size nodes and returns the public url of each by name.
func startCluster(t *testing.T, size int) map[string]string {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	peers := peer.NewPeerSet()
	privates := make([]*httptest.Server, size)
	for i := range privates {
		privates[i] = httptest.NewUnstartedServer(nil)
		peers.Add(peer.New(privates[i].Listener.Addr().String()))
	}

	urls := make(map[string]string, size)
	for i, private := range privates {
		nodeID := fmt.Sprintf("node%d", i+1)

		st, err := state.New(state.Config{
			NodeID:     nodeID,
			LeaderID:   "node1",
			Host:       private.Listener.Addr().String(),
			LeaderHost: privates[0].Listener.Addr().String(),
			Keys:       kp,
			Storage:    memory.New(),
			KnownPeers: peers,
			Faults:     faults.NewPolicy(faults.NodeConfig{}),
			RPCTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatalf("Should be able to construct the state: %s", err)
		}
		worker.Run(st, nil)
		t.Cleanup(func() { st.Shutdown() })

		cfg := handlers.MuxConfig{
			Log:     logger.NewTest(),
			State:   st,
			Metrics: metrics.New(nodeID),
			Chaos:   faults.NewChaos(faults.ChaosConfig{}),
			Evts:    events.New(),
		}

		private.Config.Handler = handlers.PrivateMux(cfg)
		private.Start()
		t.Cleanup(private.Close)

		public := httptest.NewServer(handlers.PublicMux(cfg))
		t.Cleanup(public.Close)

		urls[nodeID] = public.URL
	}

	return urls
}

func render(sc string, urls map[string]string) []byte {
	var b strings.Builder
	b.WriteString(sc)
	b.WriteString("nodes:\n")
	for name, url := range urls {
		fmt.Fprintf(&b, "  %s: %s\n", name, url)
	}
	return []byte(b.String())
}

// =============================================================================

func Test_Parse(t *testing.T) {
	tt := []struct {
		name string
		doc  string
		ok   bool
	}{
		{name: "valid", doc: "leader: node1\nnodes:\n  node1: http://a\n  node2: http://b\n", ok: true},
		{name: "noNodes", doc: "leader: node1\n"},
		{name: "badLeader", doc: "leader: node9\nnodes:\n  node1: http://a\n"},
		{name: "badFault", doc: "leader: node1\nnodes:\n  node1: http://a\nfaults:\n  node7:\n    offline: true\n"},
		{name: "badAgree", doc: "leader: node1\nnodes:\n  node1: http://a\nexpect:\n  agree: [node3]\n"},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			sc, err := scenario.Parse([]byte(tst.doc))
			if (err == nil) != tst.ok {
				t.Logf("got: %v", err)
				t.Fatalf("Should parse with ok=%t.", tst.ok)
			}

			if tst.ok && strings.Join(sc.SubmitTo, ",") != "node1,node2" {
				t.Logf("got: %v", sc.SubmitTo)
				t.Fatalf("Should default to submitting to every node in order.")
			}
		}

		t.Run(tst.name, f)
	}
}

func Test_Run(t *testing.T) {
	tt := []struct {
		name   string
		doc    string
		status string
	}{
		{
			name: "byzantine1",
			doc: `name: byzantine1
leader: node1
transactions: 3
settle: 300ms
reset: true
faults:
  node4:
    byzantine: true
expect:
  status: committed
  agree: [node1, node2, node3]
`,
			status: state.StatusCommitted,
		},
		{
			name: "byzantine2",
			doc: `name: byzantine2
leader: node1
transactions: 2
settle: 300ms
faults:
  node3:
    byzantine: true
  node4:
    byzantine: true
expect:
  status: rejected
`,
			status: state.StatusRejected,
		},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			urls := startCluster(t, 4)

			sc, err := scenario.Parse(render(tst.doc, urls))
			if err != nil {
				t.Fatalf("Should be able to parse the scenario: %s", err)
			}

			var out bytes.Buffer
			report, err := scenario.Run(context.Background(), client.New(5*time.Second), sc, &out)
			if err != nil {
				t.Logf("output: %s", out.String())
				t.Fatalf("Should meet the scenario expectations: %s", err)
			}

			if report.Round.Status != tst.status || report.Submitted != sc.Transactions {
				t.Logf("got: %+v", report)
				t.Fatalf("Should report the round outcome.")
			}

			if len(report.Tips) != 4 {
				t.Fatalf("Should report a tip for every node, got %d", len(report.Tips))
			}
		}

		t.Run(tst.name, f)
	}
}

func Test_RunExpectation(t *testing.T) {
	urls := startCluster(t, 2)

	doc := "name: wrong\nleader: node1\ntransactions: 1\nsettle: 200ms\nexpect:\n  status: rejected\n"
	sc, err := scenario.Parse(render(doc, urls))
	if err != nil {
		t.Fatalf("Should be able to parse the scenario: %s", err)
	}

	_, err = scenario.Run(context.Background(), client.New(5*time.Second), sc, &bytes.Buffer{})
	if !errors.Is(err, scenario.ErrExpectation) {
		t.Logf("got: %v", err)
		t.Logf("exp: %v", scenario.ErrExpectation)
		t.Fatalf("Should fail when the round commits against expectation.")
	}
}
