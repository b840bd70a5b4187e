package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/peer"
	"golang.org/x/sync/errgroup"
)

const baseURL = "http://%s/v1/rpc"

// NetProposeBlock asks the peer to vote on the proposal.
func (s *State) NetProposeBlock(ctx context.Context, pr peer.Peer, proposal database.BlockProposal) (Vote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/propose_block", fmt.Sprintf(baseURL, pr.Host))

	var vote Vote
	if err := s.send(ctx, http.MethodPost, url, proposal, &vote); err != nil {
		return Vote{}, fmt.Errorf("%s: %w", pr.Host, err)
	}

	return vote, nil
}

// NetCommitBlock tells the peer to append the proposal.
func (s *State) NetCommitBlock(ctx context.Context, pr peer.Peer, proposal database.BlockProposal) (CommitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/commit_block", fmt.Sprintf(baseURL, pr.Host))

	var result CommitResult
	if err := s.send(ctx, http.MethodPost, url, proposal, &result); err != nil {
		return CommitResult{}, fmt.Errorf("%s: %w", pr.Host, err)
	}

	return result, nil
}

// NetRequestPeerStatus asks the peer what it knows about itself.
func (s *State) NetRequestPeerStatus(ctx context.Context, pr peer.Peer) (peer.Status, error) {
	s.evHandler("state: NetRequestPeerStatus: started: %s", pr.Host)
	defer s.evHandler("state: NetRequestPeerStatus: completed: %s", pr.Host)

	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/node-info", fmt.Sprintf(baseURL, pr.Host))

	var ps peer.Status
	if err := s.send(ctx, http.MethodGet, url, nil, &ps); err != nil {
		return peer.Status{}, err
	}

	return ps, nil
}

// NetSendTxToPeers shares a transaction accepted by the leader with the
// known peers. Failures are reported as events and otherwise ignored.
func (s *State) NetSendTxToPeers(ctx context.Context, tx database.Tx) {
	s.evHandler("state: NetSendTxToPeers: started: tx[%s]", tx)
	defer s.evHandler("state: NetSendTxToPeers: completed")

	for _, pr := range s.KnownPeers() {
		f := func() error {
			ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
			defer cancel()

			url := fmt.Sprintf("%s/tx/receive", fmt.Sprintf(baseURL, pr.Host))
			return s.send(ctx, http.MethodPost, url, tx, nil)
		}

		if err := f(); err != nil {
			s.evHandler("state: NetSendTxToPeers: WARNING: %s: %s", pr.Host, err)
		}
	}
}

// NetForwardTx relays a raw submit request to the leader and hands back the
// leader's status code and body untouched.
func (s *State) NetForwardTx(ctx context.Context, body []byte) (int, []byte, error) {
	s.evHandler("state: NetForwardTx: started: leader[%s]", s.leaderHost)
	defer s.evHandler("state: NetForwardTx: completed")

	if s.leaderHost == "" {
		return 0, nil, errors.New("leader host is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/tx/submit", fmt.Sprintf(baseURL, s.leaderHost))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, data, nil
}

// PingPeers requests the status of every known peer concurrently. A peer
// that can't be reached is reported, never returned as an error.
func (s *State) PingPeers(ctx context.Context) []peer.Ping {
	peers := s.KnownPeers()
	pings := make([]peer.Ping, len(peers))

	var g errgroup.Group
	for i, pr := range peers {
		g.Go(func() error {
			ping := peer.Ping{Host: pr.Host}

			status, err := s.NetRequestPeerStatus(ctx, pr)
			switch err {
			case nil:
				ping.OK = true
				ping.Status = &status
			default:
				ping.Error = err.Error()
			}

			pings[i] = ping
			return nil
		})
	}
	g.Wait()

	return pings
}

// =============================================================================

// fanOut calls f for every known peer concurrently and waits for all of them.
// The errors are handed to onErr and never stop the other calls.
func (s *State) fanOut(ctx context.Context, f func(ctx context.Context, pr peer.Peer) error, onErr func(pr peer.Peer, err error)) int {
	peers := s.KnownPeers()

	var mu sync.Mutex
	var g errgroup.Group

	for _, pr := range peers {
		g.Go(func() error {
			if err := f(ctx, pr); err != nil {
				mu.Lock()
				onErr(pr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return len(peers)
}

// send is a helper function to send an HTTP request to a node.
func (s *State) send(ctx context.Context, method string, url string, dataSend any, dataRecv any) error {
	var req *http.Request

	switch {
	case dataSend != nil:
		data, err := json.Marshal(dataSend)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

	default:
		var err error
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return err
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			return err
		}
	}

	return nil
}
