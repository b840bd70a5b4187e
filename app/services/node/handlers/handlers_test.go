package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vetclinic/ledger/app/services/node/handlers"
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

type node struct {
	state   *state.State
	metrics *metrics.Metrics
	chaos   *faults.Chaos
	public  *httptest.Server
	private *httptest.Server
}

// newCluster starts size nodes, each with a public and a private server.
// The first node is the leader.
func newCluster(t *testing.T, size int) []*node {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	log := logger.NewTest()
	peers := peer.NewPeerSet()
	nodes := make([]*node, size)

	for i := range nodes {
		n := node{
			public:  httptest.NewUnstartedServer(nil),
			private: httptest.NewUnstartedServer(nil),
			chaos:   faults.NewChaos(faults.ChaosConfig{}),
		}
		nodes[i] = &n
		peers.Add(peer.New(n.private.Listener.Addr().String()))
	}

	leaderHost := nodes[0].private.Listener.Addr().String()

	for i, n := range nodes {
		nodeID := fmt.Sprintf("node%d", i+1)

		st, err := state.New(state.Config{
			NodeID:     nodeID,
			LeaderID:   "node1",
			Host:       n.private.Listener.Addr().String(),
			LeaderHost: leaderHost,
			Keys:       kp,
			Storage:    memory.New(),
			KnownPeers: peers,
			Faults:     faults.NewPolicy(faults.NodeConfig{FlappingMod: 2}),
			RPCTimeout: 2 * time.Second,
		})
		if err != nil {
			t.Fatalf("Should be able to construct the state: %s", err)
		}
		worker.Run(st, nil)
		t.Cleanup(func() { st.Shutdown() })

		n.state = st
		n.metrics = metrics.New(nodeID)

		cfg := handlers.MuxConfig{
			Log:     log,
			State:   st,
			Metrics: n.metrics,
			Chaos:   n.chaos,
			Evts:    events.New(),
		}

		n.public.Config.Handler = handlers.PublicMux(cfg)
		n.private.Config.Handler = handlers.PrivateMux(cfg)
		n.public.Start()
		n.private.Start()
		t.Cleanup(n.public.Close)
		t.Cleanup(n.private.Close)
	}

	return nodes
}

func do(t *testing.T, method string, url string, in any, out any) int {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			t.Fatalf("Should be able to encode the request: %s", err)
		}
	}

	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("Should be able to build the request: %s", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Should be able to call %s: %s", url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Should be able to decode the response of %s: %s", url, err)
		}
	}

	return resp.StatusCode
}

// waitMempool polls until the node holds want pending transactions.
func waitMempool(t *testing.T, n *node, want int) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pool, err := n.state.Mempool()
		if err != nil {
			t.Fatalf("Should be able to read the mempool: %s", err)
		}
		if len(pool) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Should see %d pending transactions.", want)
}

type submitResp struct {
	Status string            `json:"status"`
	TxID   string            `json:"tx_id"`
	Error  string            `json:"error"`
	Fault  string            `json:"fault"`
	Fields map[string]string `json:"fields"`
}

// =============================================================================

func Test_Submit(t *testing.T) {
	nodes := newCluster(t, 3)
	leader, follower := nodes[0], nodes[1]

	t.Run("leader", func(t *testing.T) {
		var resp submitResp
		status := do(t, http.MethodPost, leader.public.URL+"/v1/tx/submit",
			map[string]any{"sender": "  alice  ", "recipient": "bob", "amount": "12.5"}, &resp)

		if status != http.StatusAccepted || resp.Status != "accepted" || resp.TxID == "" {
			t.Logf("got: %d %+v", status, resp)
			t.Fatalf("Should accept the transaction on the leader.")
		}

		for _, n := range nodes {
			waitMempool(t, n, 1)
		}

		pool, _ := leader.state.Mempool()
		if pool[0].Payload.Sender != "alice" {
			t.Logf("got: %q", pool[0].Payload.Sender)
			t.Fatalf("Should trim the sender.")
		}
	})

	t.Run("follower", func(t *testing.T) {
		var resp submitResp
		status := do(t, http.MethodPost, follower.public.URL+"/v1/tx/submit",
			map[string]any{"sender": "carol", "recipient": "dave", "amount": 3}, &resp)

		if status != http.StatusAccepted || resp.Status != "accepted" || resp.TxID == "" {
			t.Logf("got: %d %+v", status, resp)
			t.Fatalf("Should relay the leader's answer.")
		}

		for _, n := range nodes {
			waitMempool(t, n, 2)
		}
	})

	t.Run("validation", func(t *testing.T) {
		tt := []map[string]any{
			{"sender": "al", "recipient": "bob", "amount": 1},
			{"sender": "alice", "recipient": "   ", "amount": 1},
			{"sender": "alice", "recipient": "bob", "amount": 0},
			{"sender": "alice", "recipient": "bob", "amount": 1_000_000_000},
		}

		for _, in := range tt {
			var resp submitResp
			status := do(t, http.MethodPost, leader.public.URL+"/v1/tx/submit", in, &resp)

			if status != http.StatusBadRequest || resp.Error == "" || resp.Fault != "" || len(resp.Fields) == 0 {
				t.Logf("got: %d %+v", status, resp)
				t.Fatalf("Should reject %v as a validation error.", in)
			}
		}

		waitMempool(t, leader, 2)
	})
}

func Test_SubmitRelaysRejection(t *testing.T) {
	nodes := newCluster(t, 2)
	leader, follower := nodes[0], nodes[1]

	post := func(url string) (int, []byte) {
		resp, err := http.Post(url+"/v1/tx/submit", "application/json", strings.NewReader(`{"sender":"al","recipient":"bob","amount":"1"}`))
		if err != nil {
			t.Fatalf("Should be able to call %s: %s", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Should be able to read the response: %s", err)
		}
		return resp.StatusCode, body
	}

	expStatus, expBody := post(leader.public.URL)
	gotStatus, gotBody := post(follower.public.URL)

	if gotStatus != http.StatusBadRequest || gotStatus != expStatus || !bytes.Equal(gotBody, expBody) {
		t.Logf("got: %d %s", gotStatus, gotBody)
		t.Logf("exp: %d %s", expStatus, expBody)
		t.Fatalf("Should relay the leader's rejection verbatim.")
	}

	scrape := func(m *metrics.Metrics) string {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}

	if out := scrape(leader.metrics); !strings.Contains(out, `tx_rejected_total{node="node1",reason="validation"} 2`) {
		t.Logf("got: %s", out)
		t.Fatalf("Should count both rejections on the leader.")
	}

	if out := scrape(follower.metrics); strings.Contains(out, `reason="validation"`) {
		t.Logf("got: %s", out)
		t.Fatalf("Should not validate on the follower.")
	}
}

func Test_MineDistributed(t *testing.T) {
	nodes := newCluster(t, 3)
	leader := nodes[0]

	do(t, http.MethodPost, leader.public.URL+"/v1/tx/submit",
		map[string]any{"sender": "alice", "recipient": "bob", "amount": 1}, nil)

	for _, n := range nodes {
		waitMempool(t, n, 1)
	}

	var notLeader submitResp
	if status := do(t, http.MethodPost, nodes[1].public.URL+"/v1/chain/mine_distributed", nil, &notLeader); status != http.StatusConflict {
		t.Logf("got: %d %+v", status, notLeader)
		t.Fatalf("Should refuse a round on a follower.")
	}

	var round state.RoundResult
	status := do(t, http.MethodPost, leader.public.URL+"/v1/chain/mine_distributed", nil, &round)

	if status != http.StatusOK || round.Status != state.StatusCommitted || round.Votes != 3 || round.Total != 3 {
		t.Logf("got: %d %+v", status, round)
		t.Fatalf("Should commit the round with every vote.")
	}

	for i, n := range nodes {
		var cs struct {
			Height        uint64 `json:"height"`
			LastBlockHash string `json:"last_block_hash"`
			MempoolSize   int    `json:"mempool_size"`
		}
		do(t, http.MethodGet, n.public.URL+"/v1/chain/status", nil, &cs)

		if cs.Height != 1 || cs.LastBlockHash != round.BlockHash || cs.MempoolSize != 0 {
			t.Logf("got: %+v", cs)
			t.Fatalf("Should see node%d converge on the new block.", i+1)
		}
	}

	var verify state.VerifyResult
	do(t, http.MethodGet, nodes[2].public.URL+"/v1/chain/verify", nil, &verify)
	if !verify.Valid || verify.Height != 1 {
		t.Logf("got: %+v", verify)
		t.Fatalf("Should verify the follower's chain.")
	}
}

func Test_Faults(t *testing.T) {
	nodes := newCluster(t, 2)
	follower := nodes[1]

	var cfg faults.NodeConfig
	status := do(t, http.MethodPut, follower.public.URL+"/v1/admin/network/state", map[string]any{"offline": true}, &cfg)
	if status != http.StatusOK || !cfg.Offline || cfg.FlappingMod != 2 {
		t.Logf("got: %d %+v", status, cfg)
		t.Fatalf("Should take the follower offline and keep the other settings.")
	}

	var resp submitResp
	status = do(t, http.MethodGet, follower.private.URL+"/v1/rpc/node-info", nil, &resp)
	if status != http.StatusServiceUnavailable || resp.Fault != faults.KindOffline {
		t.Logf("got: %d %+v", status, resp)
		t.Fatalf("Should answer with the offline fault shape.")
	}

	var bad submitResp
	status = do(t, http.MethodPut, follower.public.URL+"/v1/admin/network/state", map[string]any{"drop_rpc_probability": 2}, &bad)
	if status != http.StatusBadRequest || bad.Fields["drop_rpc_probability"] == "" {
		t.Logf("got: %d %+v", status, bad)
		t.Fatalf("Should reject an out of range probability.")
	}

	var peers struct {
		Self struct {
			NodeID   string `json:"node_id"`
			IsLeader bool   `json:"is_leader"`
		} `json:"self"`
		Peers []peer.Ping `json:"peers"`
	}
	do(t, http.MethodGet, nodes[0].public.URL+"/v1/peers", nil, &peers)

	if peers.Self.NodeID != "node1" || !peers.Self.IsLeader || len(peers.Peers) != 1 || peers.Peers[0].OK {
		t.Logf("got: %+v", peers)
		t.Fatalf("Should report the offline follower from the leader's view.")
	}
}

func Test_Chaos(t *testing.T) {
	nodes := newCluster(t, 1)
	n := nodes[0]

	var cfg faults.ChaosConfig
	status := do(t, http.MethodPut, n.public.URL+"/v1/admin/network/sim",
		map[string]any{"chaos_enabled": true, "chaos_error_rate": 1}, &cfg)
	if status != http.StatusOK || !cfg.Enabled || cfg.ErrorRate != 1 {
		t.Logf("got: %d %+v", status, cfg)
		t.Fatalf("Should enable chaos.")
	}

	var resp submitResp
	status = do(t, http.MethodGet, n.public.URL+"/v1/chain/status", nil, &resp)
	if status != http.StatusInternalServerError || resp.Error != "simulated_failure" || resp.Fault != faults.KindChaos {
		t.Logf("got: %d %+v", status, resp)
		t.Fatalf("Should fail the ledger path with a chaos error.")
	}

	if status := do(t, http.MethodGet, n.public.URL+"/v1/admin/network/sim", nil, &cfg); status != http.StatusOK {
		t.Fatalf("Should leave the admin path alone, got %d", status)
	}
}
