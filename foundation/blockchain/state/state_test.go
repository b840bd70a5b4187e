package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/faults"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
	"github.com/vetclinic/ledger/foundation/blockchain/state"
	"github.com/vetclinic/ledger/foundation/blockchain/storage/memory"
)

type node struct {
	state  *state.State
	mem    *memory.Memory
	policy *faults.Policy
	srv    *httptest.Server
}

func newKeys(t *testing.T) signature.KeyPair {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}
	return kp
}

func payload(sender string, amount int64) database.TxPayload {
	return database.TxPayload{
		Sender:    sender,
		Recipient: "bob",
		Amount:    decimal.NewFromInt(amount),
	}
}

func newState(t *testing.T, kp signature.KeyPair, nodeID string, host string, peers *peer.PeerSet) (*state.State, *memory.Memory, *faults.Policy) {
	mem := memory.New()
	policy := faults.NewPolicy(faults.NodeConfig{})

	st, err := state.New(state.Config{
		NodeID:     nodeID,
		LeaderID:   "node1",
		Host:       host,
		Keys:       kp,
		Storage:    mem,
		KnownPeers: peers,
		Faults:     policy,
		RPCTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Should be able to construct the state: %s", err)
	}

	return st, mem, policy
}

// rpcHandler exposes the node-to-node surface the state package calls.
func rpcHandler(n *node) http.Handler {
	respond := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	guard := func(endpoint string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := n.policy.Apply(r.Context(), endpoint); err != nil {
				respond(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/rpc/node-info", guard("node-info", func(w http.ResponseWriter, r *http.Request) {
		status, err := n.state.Status()
		if err != nil {
			respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		respond(w, http.StatusOK, status)
	}))

	mux.HandleFunc("POST /v1/rpc/propose_block", guard("propose_block", func(w http.ResponseWriter, r *http.Request) {
		var proposal database.BlockProposal
		if err := json.NewDecoder(r.Body).Decode(&proposal); err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		respond(w, http.StatusOK, n.state.ProposeBlock(proposal))
	}))

	mux.HandleFunc("POST /v1/rpc/commit_block", guard("commit_block", func(w http.ResponseWriter, r *http.Request) {
		var proposal database.BlockProposal
		if err := json.NewDecoder(r.Body).Decode(&proposal); err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		result, err := n.state.CommitBlock(proposal)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		respond(w, http.StatusOK, result)
	}))

	mux.HandleFunc("POST /v1/rpc/tx/receive", func(w http.ResponseWriter, r *http.Request) {
		var tx database.Tx
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := n.state.ReceiveTransaction(tx); err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return mux
}

// newCluster starts size nodes over httptest servers. The first node is the
// leader and every node knows every other node.
func newCluster(t *testing.T, kp signature.KeyPair, size int) []*node {
	nodes := make([]*node, size)
	peers := peer.NewPeerSet()

	for i := range nodes {
		n := &node{}
		n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rpcHandler(n).ServeHTTP(w, r)
		}))
		t.Cleanup(n.srv.Close)

		nodes[i] = n
		peers.Add(peer.New(strings.TrimPrefix(n.srv.URL, "http://")))
	}

	for i, n := range nodes {
		host := strings.TrimPrefix(n.srv.URL, "http://")
		n.state, n.mem, n.policy = newState(t, kp, fmt.Sprintf("node%d", i+1), host, peers)
	}

	return nodes
}

func height(t *testing.T, n *node) (uint64, string) {
	tip, err := n.state.LatestBlock()
	if err != nil {
		t.Fatalf("Should be able to read the tip: %s", err)
	}
	return tip.Index, tip.Hash()
}

// =============================================================================

func Test_MineBlock(t *testing.T) {
	kp := newKeys(t)
	st, mem, _ := newState(t, kp, "node1", "localhost:0", nil)

	if _, err := st.MineBlock(); !errors.Is(err, state.ErrNoTransactions) {
		t.Logf("got: %v", err)
		t.Logf("exp: %v", state.ErrNoTransactions)
		t.Fatalf("Should refuse to mine an empty mempool.")
	}

	for _, sender := range []string{"alice", "carol", "dave"} {
		if _, err := st.SubmitTransaction(payload(sender, 10)); err != nil {
			t.Fatalf("Should be able to submit a transaction: %s", err)
		}
	}

	pool, _ := mem.Mempool()

	block, err := st.MineBlock()
	if err != nil {
		t.Fatalf("Should be able to mine a block: %s", err)
	}

	if !database.IsHashSolved(block.Hash()) {
		t.Fatalf("Should mine a hash with the difficulty prefix.")
	}

	if len(block.Trans) != len(pool) {
		t.Logf("got: %d", len(block.Trans))
		t.Logf("exp: %d", len(pool))
		t.Fatalf("Should move the entire mempool into the block.")
	}

	if !block.VerifySignature(kp.Public) {
		t.Fatalf("Should sign the header with the leader key.")
	}

	pool, _ = mem.Mempool()
	if len(pool) != 0 {
		t.Fatalf("Should leave the mempool empty.")
	}

	if h, _ := height(t, &node{state: st}); h != 1 {
		t.Fatalf("Should have a height of one.")
	}
}

func Test_SubmitNotLeader(t *testing.T) {
	kp := newKeys(t)
	st, _, _ := newState(t, kp, "node2", "localhost:0", nil)

	if _, err := st.SubmitTransaction(payload("alice", 1)); !errors.Is(err, state.ErrNotLeader) {
		t.Fatalf("Should refuse a direct submission on a follower.")
	}

	if _, err := st.MineDistributed(context.Background()); !errors.Is(err, state.ErrNotLeader) {
		t.Fatalf("Should refuse to start a round on a follower.")
	}
}

func Test_ReceiveTransaction(t *testing.T) {
	kp := newKeys(t)
	st, mem, _ := newState(t, kp, "node2", "localhost:0", nil)

	tx := database.NewTx(payload("alice", 4), time.Now(), kp)
	if err := st.ReceiveTransaction(tx); err != nil {
		t.Fatalf("Should accept a transaction signed by the leader: %s", err)
	}

	forged := database.NewTx(payload("mallory", 4), time.Now(), newKeys(t))
	if err := st.ReceiveTransaction(forged); !errors.Is(err, state.ErrInvalidTransaction) {
		t.Logf("got: %v", err)
		t.Fatalf("Should reject a transaction signed by another key.")
	}

	pool, _ := mem.Mempool()
	if len(pool) != 1 {
		t.Fatalf("Should only keep the authentic transaction.")
	}
}

func Test_ReceiveAfterCommit(t *testing.T) {
	kp := newKeys(t)
	leader, _, _ := newState(t, kp, "node1", "localhost:1", nil)
	follower, mem, _ := newState(t, kp, "node2", "localhost:2", nil)

	tx, err := leader.SubmitTransaction(payload("alice", 3))
	if err != nil {
		t.Fatalf("Should be able to submit on the leader: %s", err)
	}

	proposal, err := leader.BuildBlockProposal()
	if err != nil {
		t.Fatalf("Should be able to build a proposal: %s", err)
	}

	// The commit reaches the follower before the shared transaction does.
	if _, err := follower.CommitBlock(proposal); err != nil {
		t.Fatalf("Should be able to commit the proposal: %s", err)
	}

	if err := follower.ReceiveTransaction(tx); err != nil {
		t.Fatalf("Should accept the late transaction without error: %s", err)
	}

	pool, _ := mem.Mempool()
	if len(pool) != 0 {
		t.Logf("got: %d", len(pool))
		t.Logf("exp: %d", 0)
		t.Fatalf("Should not put a committed transaction back in the mempool.")
	}

	if _, err := follower.MineBlock(); !errors.Is(err, state.ErrNoTransactions) {
		t.Logf("got: %v", err)
		t.Logf("exp: %v", state.ErrNoTransactions)
		t.Fatalf("Should have nothing left to mine.")
	}
}

func Test_MineDistributed(t *testing.T) {
	type table struct {
		name      string
		byzantine int
		status    string
		votes     int
	}

	tt := []table{
		{name: "honest", byzantine: 0, status: state.StatusCommitted, votes: 6},
		{name: "two-byzantine", byzantine: 2, status: state.StatusCommitted, votes: 4},
		{name: "three-byzantine", byzantine: 3, status: state.StatusRejected, votes: 3},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			kp := newKeys(t)
			nodes := newCluster(t, kp, 6)
			leader := nodes[0]

			byzantine := make(map[int]bool)
			for i := 0; i < tst.byzantine; i++ {
				idx := len(nodes) - 1 - i
				byzantine[idx] = true

				on := true
				nodes[idx].policy.Update(faults.NodePatch{Byzantine: &on})
			}

			if _, err := leader.state.SubmitTransaction(payload("alice", 7)); err != nil {
				t.Fatalf("Test %s:\tShould be able to submit: %s", tst.name, err)
			}

			result, err := leader.state.MineDistributed(context.Background())
			if err != nil {
				t.Fatalf("Test %s:\tShould be able to run the round: %s", tst.name, err)
			}

			if result.Status != tst.status || result.Votes != tst.votes || result.Total != 6 {
				t.Logf("Test %s:\tgot: %s votes[%d] total[%d]", tst.name, result.Status, result.Votes, result.Total)
				t.Logf("Test %s:\texp: %s votes[%d] total[%d]", tst.name, tst.status, tst.votes, 6)
				t.Fatalf("Test %s:\tShould get the expected round outcome.", tst.name)
			}

			leaderHeight, leaderHash := height(t, leader)

			for i, n := range nodes {
				h, hash := height(t, n)

				switch {
				case tst.status == state.StatusRejected:
					if h != 0 {
						t.Fatalf("Test %s:\tShould not change node %d on a rejected round.", tst.name, i)
					}

				case byzantine[i]:
					if h != 0 {
						t.Fatalf("Test %s:\tShould not append on byzantine node %d.", tst.name, i)
					}

				default:
					if h != leaderHeight || hash != leaderHash {
						t.Logf("Test %s:\tgot: %d %s", tst.name, h, hash)
						t.Logf("Test %s:\texp: %d %s", tst.name, leaderHeight, leaderHash)
						t.Fatalf("Test %s:\tShould converge node %d with the leader.", tst.name, i)
					}
				}
			}
		}

		t.Run(tst.name, f)
	}
}

func Test_MineDistributedOfflinePeer(t *testing.T) {
	kp := newKeys(t)
	nodes := newCluster(t, kp, 6)
	leader := nodes[0]

	on := true
	nodes[1].policy.Update(faults.NodePatch{Offline: &on})

	if _, err := leader.state.SubmitTransaction(payload("alice", 1)); err != nil {
		t.Fatalf("Should be able to submit: %s", err)
	}

	result, err := leader.state.MineDistributed(context.Background())
	if err != nil {
		t.Fatalf("Should be able to run the round: %s", err)
	}

	if result.Status != state.StatusCommitted || result.Votes != 5 || result.Total != 6 {
		t.Logf("got: %s votes[%d] total[%d]", result.Status, result.Votes, result.Total)
		t.Fatalf("Should count the offline peer in the total only.")
	}

	if h, _ := height(t, nodes[1]); h != 0 {
		t.Fatalf("Should not append on the offline peer.")
	}

	pings := leader.state.PingPeers(context.Background())
	var failed int
	for _, p := range pings {
		if !p.OK {
			failed++
		}
	}
	if len(pings) != 5 || failed != 1 {
		t.Logf("got: pings[%d] failed[%d]", len(pings), failed)
		t.Fatalf("Should report the offline peer as unreachable.")
	}
}

func Test_ProposeByzantine(t *testing.T) {
	kp := newKeys(t)

	leader, _, _ := newState(t, kp, "node1", "localhost:1", nil)
	follower, _, policy := newState(t, kp, "node2", "localhost:2", nil)

	if _, err := leader.SubmitTransaction(payload("alice", 3)); err != nil {
		t.Fatalf("Should be able to submit: %s", err)
	}

	valid, err := leader.BuildBlockProposal()
	if err != nil {
		t.Fatalf("Should be able to build a proposal: %s", err)
	}

	invalid := valid
	invalid.Block.LeaderSig = signature.Sign(newKeys(t).Private, valid.Block.HeaderBytes())

	if v := follower.ProposeBlock(valid); v.Vote != state.VoteAccept || v.Byzantine {
		t.Fatalf("Should accept a valid proposal on an honest node.")
	}
	if v := follower.ProposeBlock(invalid); v.Vote != state.VoteReject {
		t.Fatalf("Should reject an invalid proposal on an honest node.")
	}

	on := true
	policy.Update(faults.NodePatch{Byzantine: &on})

	if v := follower.ProposeBlock(valid); v.Vote != state.VoteReject || !v.Byzantine {
		t.Fatalf("Should invert the vote on a valid proposal.")
	}
	if v := follower.ProposeBlock(invalid); v.Vote != state.VoteAccept || !v.Byzantine {
		t.Fatalf("Should invert the vote on an invalid proposal.")
	}

	if _, err := follower.CommitBlock(invalid); !errors.Is(err, state.ErrInvalidProposal) {
		t.Logf("got: %v", err)
		t.Fatalf("Should fail to commit an invalid proposal even when byzantine.")
	}

	res, err := follower.CommitBlock(valid)
	if err != nil {
		t.Fatalf("Should acknowledge the commit: %s", err)
	}
	if res.Status != state.StatusCommitted || !res.Byzantine || res.Height != 0 {
		t.Logf("got: %+v", res)
		t.Fatalf("Should acknowledge without appending.")
	}
}

func Test_VerifyChain(t *testing.T) {
	kp := newKeys(t)
	st, mem, _ := newState(t, kp, "node1", "localhost:0", nil)

	for i := 0; i < 3; i++ {
		if _, err := st.SubmitTransaction(payload("alice", int64(i+1))); err != nil {
			t.Fatalf("Should be able to submit: %s", err)
		}
		if _, err := st.MineBlock(); err != nil {
			t.Fatalf("Should be able to mine: %s", err)
		}
	}

	result, err := st.VerifyChain()
	if err != nil {
		t.Fatalf("Should be able to verify: %s", err)
	}
	if !result.Valid || result.Height != 3 || len(result.Errors) != 0 {
		t.Logf("got: %+v", result)
		t.Fatalf("Should report an untouched chain as valid.")
	}

	err = mem.Tamper(2, func(b *database.Block) {
		b.PrevHash = signature.ZeroHash
	})
	if err != nil {
		t.Fatalf("Should be able to tamper: %s", err)
	}

	err = mem.Tamper(3, func(b *database.Block) {
		b.Trans[0].Payload.Amount = decimal.NewFromInt(1_000)
	})
	if err != nil {
		t.Fatalf("Should be able to tamper: %s", err)
	}

	result, err = st.VerifyChain()
	if err != nil {
		t.Fatalf("Should be able to verify: %s", err)
	}

	if result.Valid {
		t.Fatalf("Should report a tampered chain as invalid.")
	}

	var prevHash, badTx bool
	for _, f := range result.Errors {
		if f.Block < 2 {
			t.Fatalf("Should not flag blocks before the tampered one: %+v", f)
		}
		if f.Block == 2 && f.Reason == state.ReasonPrevHash {
			prevHash = true
		}
		if f.Block == 3 && f.Reason == state.ReasonTransaction && f.Tx != "" {
			badTx = true
		}
	}

	if !prevHash {
		t.Logf("got: %+v", result.Errors)
		t.Fatalf("Should report the previous_hash mismatch at block 2.")
	}

	if !badTx {
		t.Logf("got: %+v", result.Errors)
		t.Fatalf("Should report the altered transaction at block 3.")
	}
}
