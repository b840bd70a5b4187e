package memory_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vetclinic/ledger/foundation/blockchain/database"
	"github.com/vetclinic/ledger/foundation/blockchain/signature"
	"github.com/vetclinic/ledger/foundation/blockchain/storage"
	"github.com/vetclinic/ledger/foundation/blockchain/storage/memory"
)

func noEvents(v string, args ...any) {}

func Test_Memory(t *testing.T) {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	mem := memory.New()

	chain, err := mem.Chain()
	if err != nil {
		t.Fatalf("Should be able to read the chain: %s", err)
	}

	if len(chain) != 1 || chain[0].Hash() != database.NewGenesis().Hash() {
		t.Fatalf("Should start with the genesis block.")
	}

	tx := database.NewTx(database.TxPayload{Sender: "alice", Recipient: "bob", Amount: decimal.NewFromInt(5)}, time.Now(), kp)
	if err := mem.AddTransaction(tx); err != nil {
		t.Fatalf("Should be able to add a transaction: %s", err)
	}
	if err := mem.AddTransaction(tx); err != nil {
		t.Fatalf("Should be able to add a duplicate transaction: %s", err)
	}

	pool, _ := mem.Mempool()
	if len(pool) != 1 {
		t.Logf("got: %d", len(pool))
		t.Logf("exp: %d", 1)
		t.Fatalf("Should ignore the duplicate transaction.")
	}

	block := database.POW(chain[0], pool, time.Now(), noEvents)

	stale := block
	stale.Index = 5
	if err := mem.AddBlock(stale); !errors.Is(err, storage.ErrInvalidBlock) {
		t.Logf("got: %v", err)
		t.Fatalf("Should reject a block with a non consecutive index.")
	}

	forked := block
	forked.PrevHash = signature.ZeroHash
	if err := mem.AddBlock(forked); !errors.Is(err, storage.ErrInvalidBlock) {
		t.Logf("got: %v", err)
		t.Fatalf("Should reject a block that does not link to the tip.")
	}

	if err := mem.AddBlock(block); err != nil {
		t.Fatalf("Should be able to add the mined block: %s", err)
	}

	pool, _ = mem.Mempool()
	if len(pool) != 0 {
		t.Fatalf("Should clear the mempool after adding a block.")
	}

	tip, _ := mem.LatestBlock()
	if tip.Hash() != block.Hash() {
		t.Fatalf("Should have the new block as the tip.")
	}

	if err := mem.AddBlock(block); !errors.Is(err, storage.ErrInvalidBlock) {
		t.Fatalf("Should reject adding the same block twice.")
	}
}

func Test_MemoryConcurrentAppend(t *testing.T) {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	mem := memory.New()
	genesis, _ := mem.LatestBlock()

	tx := database.NewTx(database.TxPayload{Sender: "alice", Recipient: "bob", Amount: decimal.NewFromInt(1)}, time.Now(), kp)
	block := database.POW(genesis, []database.Tx{tx}, time.Now(), noEvents)

	const callers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var added int

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if err := mem.AddBlock(block); err == nil {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Logf("got: %d", added)
		t.Logf("exp: %d", 1)
		t.Fatalf("Should only let one caller append against the same tip.")
	}

	chain, _ := mem.Chain()
	if len(chain) != 2 {
		t.Fatalf("Should have exactly two blocks.")
	}
}

func Test_MemoryLateTransaction(t *testing.T) {
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Should be able to generate a key pair: %s", err)
	}

	mem := memory.New()
	genesis, _ := mem.LatestBlock()

	tx := database.NewTx(database.TxPayload{Sender: "alice", Recipient: "bob", Amount: decimal.NewFromInt(2)}, time.Now(), kp)
	block := database.POW(genesis, []database.Tx{tx}, time.Now(), noEvents)

	// The block is committed before the shared copy of its transaction arrives.
	if err := mem.AddBlock(block); err != nil {
		t.Fatalf("Should be able to add the block: %s", err)
	}

	if err := mem.AddTransaction(tx); err != nil {
		t.Fatalf("Should be able to add the late transaction: %s", err)
	}

	pool, _ := mem.Mempool()
	if len(pool) != 0 {
		t.Logf("got: %d", len(pool))
		t.Logf("exp: %d", 0)
		t.Fatalf("Should ignore a transaction that is already in the chain.")
	}

	if err := mem.ClearMempool(); err != nil {
		t.Fatalf("Should be able to clear the mempool: %s", err)
	}

	if err := mem.AddTransaction(tx); err != nil {
		t.Fatalf("Should be able to add the late transaction: %s", err)
	}

	if pool, _ = mem.Mempool(); len(pool) != 0 {
		t.Fatalf("Should still ignore the committed transaction after a clear.")
	}
}
