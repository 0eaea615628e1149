package rebalance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/history"
	"CrossFlow/internal/ledger"
)

type recordingArchiver struct {
	entries []archivedEntry
}

type archivedEntry struct {
	transferID    string
	status        history.Status
	destinationTx string
}

func (r *recordingArchiver) Archive(_ context.Context, t *ledger.Transfer, status history.Status, destinationTx string) error {
	r.entries = append(r.entries, archivedEntry{transferID: t.ID, status: status, destinationTx: destinationTx})
	return nil
}

func (r *recordingArchiver) Close() error { return nil }

func seedTransfer(t *testing.T, store ledger.Store, chains *fakeChain, railName, id string, route bridge.Route) *ledger.Transfer {
	t.Helper()
	hash := common.BytesToHash([]byte(id))
	transfer := &ledger.Transfer{
		ID:           id,
		Bridge:       railName,
		Amount:       big.NewInt(1000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: hash.Hex(),
		Recipient:    "0x00000000000000000000000000000000000000AA",
	}
	if _, err := store.AddRebalances(context.Background(), []*ledger.Transfer{transfer}); err != nil {
		t.Fatalf("seed transfer %s: %v", id, err)
	}
	chains.receipts[hash.Hex()] = &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}
	return transfer
}

func newTestSweeper(t *testing.T, chains *fakeChain, store ledger.Store, archiver history.Archiver, bridges ...bridge.Bridge) *Sweeper {
	t.Helper()
	registry, err := bridge.NewRegistry(bridges...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	opts := []SweeperOption{}
	if archiver != nil {
		opts = append(opts, WithArchiver(archiver))
	}
	sweeper, err := NewSweeper(registry, store, chains, opts...)
	if err != nil {
		t.Fatalf("build sweeper: %v", err)
	}
	return sweeper
}

func TestSweepRetiresReadyTransfers(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	rail := &fakeBridge{name: "cctp", ready: true}
	archiver := &recordingArchiver{}
	sweeper := newTestSweeper(t, chains, store, archiver, rail)

	transfer := seedTransfer(t, store, chains, "cctp", "t1", route)

	retired, err := sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retired != 1 {
		t.Fatalf("expected 1 retirement, got %d", retired)
	}

	ok, err := store.HasRebalance(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("retired transfer still in the ledger")
	}
	if len(archiver.entries) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(archiver.entries))
	}
	entry := archiver.entries[0]
	if entry.transferID != transfer.ID || entry.status != history.StatusCompleted || entry.destinationTx != "" {
		t.Fatalf("unexpected archive entry %+v", entry)
	}
}

func TestSweepSubmitsDestinationCallback(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	route := bridge.Route{Origin: 42161, Destination: 8453, Asset: "WETH"}

	callback := &bridge.SubTransaction{Tag: bridge.TagWrap}
	rail := &fakeBridge{name: "nativegate", ready: true, callback: callback}
	archiver := &recordingArchiver{}
	sweeper := newTestSweeper(t, chains, store, archiver, rail)

	seedTransfer(t, store, chains, "nativegate", "t1", route)

	retired, err := sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retired != 1 {
		t.Fatalf("expected 1 retirement, got %d", retired)
	}
	if chains.submissions != 1 {
		t.Fatalf("expected 1 callback submission, got %d", chains.submissions)
	}
	if len(archiver.entries) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(archiver.entries))
	}
	entry := archiver.entries[0]
	if entry.status != history.StatusFinalized || entry.destinationTx == "" {
		t.Fatalf("unexpected archive entry %+v", entry)
	}
}

func TestSweepKeepsUnreadyTransfers(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	rail := &fakeBridge{name: "cctp", ready: false}
	sweeper := newTestSweeper(t, chains, store, nil, rail)

	transfer := seedTransfer(t, store, chains, "cctp", "t1", route)

	retired, err := sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retired != 0 {
		t.Fatalf("expected no retirements, got %d", retired)
	}
	ok, err := store.HasRebalance(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("unready transfer was removed")
	}
}

func TestSweepIsolatesReceiptFailures(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	rail := &fakeBridge{name: "cctp", ready: true}
	sweeper := newTestSweeper(t, chains, store, nil, rail)

	seedTransfer(t, store, chains, "cctp", "t1", route)
	seedTransfer(t, store, chains, "cctp", "t2", route)

	// Every receipt fetch fails this cycle; both entries must survive.
	chains.receiptErr = errors.New("rpc offline")
	retired, err := sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retired != 0 {
		t.Fatalf("expected no retirements, got %d", retired)
	}
	pending, err := store.GetRebalances(ctx, []bridge.Route{route})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected both entries to survive, got %d", len(pending))
	}

	// The next cycle succeeds and retires both.
	chains.receiptErr = nil
	retired, err = sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if retired != 2 {
		t.Fatalf("expected 2 retirements after recovery, got %d", retired)
	}
}

func TestSweepSkipsUnminedOrigins(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	rail := &fakeBridge{name: "cctp", ready: true}
	sweeper := newTestSweeper(t, chains, store, nil, rail)

	transfer := seedTransfer(t, store, chains, "cctp", "t1", route)
	delete(chains.receipts, transfer.OriginTxHash)

	retired, err := sweeper.Sweep(ctx, []bridge.RouteConfig{{Route: route}})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if retired != 0 {
		t.Fatalf("expected no retirements for an unmined origin, got %d", retired)
	}
}
