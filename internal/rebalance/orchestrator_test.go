package rebalance

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/ledger"
)

type fakeBridge struct {
	name        string
	quote       *big.Int
	quoteErr    error
	sendErr     error
	quoteCalls  int
	sendCalls   int
	ready       bool
	callback    *bridge.SubTransaction
	callbackErr error
}

func (f *fakeBridge) Type() string { return f.name }

func (f *fakeBridge) GetReceivedAmount(context.Context, *big.Int, bridge.Route) (*big.Int, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return new(big.Int).Set(f.quote), nil
}

func (f *fakeBridge) Send(_ context.Context, _, _ string, amount *big.Int, route bridge.Route) ([]bridge.SubTransaction, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return []bridge.SubTransaction{
		{Tag: bridge.TagRebalance, Tx: chain.TxRequest{ChainID: route.Origin, Value: amount}},
	}, nil
}

func (f *fakeBridge) ReadyOnDestination(context.Context, *big.Int, bridge.Route, *types.Receipt) bool {
	return f.ready
}

func (f *fakeBridge) DestinationCallback(context.Context, bridge.Route, *types.Receipt) (*bridge.SubTransaction, error) {
	return f.callback, f.callbackErr
}

type fakeChain struct {
	balances    map[uint64]*big.Int
	native      map[uint64]*big.Int
	wrapped     string
	balanceHook func(chainID uint64)
	submissions int
	submitErr   error
	receipts    map[string]*types.Receipt
	receiptErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[uint64]*big.Int),
		native:   make(map[uint64]*big.Int),
		receipts: make(map[string]*types.Receipt),
	}
}

func (f *fakeChain) Address(chainID uint64) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000AA"), nil
}

func (f *fakeChain) SubmitAndMonitor(_ context.Context, tx chain.TxRequest) (*types.Receipt, error) {
	f.submissions++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	hash := common.BytesToHash([]byte(fmt.Sprintf("tx-%d-%d", tx.ChainID, f.submissions)))
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, _ uint64, hash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipts[hash.Hex()], nil
}

func (f *fakeChain) TokenAddress(chainID uint64, asset string) (common.Address, bool) {
	return common.HexToAddress("0x00000000000000000000000000000000000000BB"), true
}

func (f *fakeChain) WrappedNative(chainID uint64) (string, common.Address, bool) {
	if f.wrapped == "" {
		return "", common.Address{}, false
	}
	return f.wrapped, common.HexToAddress("0x00000000000000000000000000000000000000CC"), true
}

func (f *fakeChain) ERC20BalanceOf(_ context.Context, chainID uint64, _, _ common.Address) (*big.Int, error) {
	if f.balanceHook != nil {
		f.balanceHook(chainID)
	}
	if balance, ok := f.balances[chainID]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) ERC20Allowance(context.Context, uint64, common.Address, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) NativeBalance(_ context.Context, chainID uint64, _ common.Address) (*big.Int, error) {
	if balance, ok := f.native[chainID]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) CallContract(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func mustAmount(t *testing.T, raw string) *big.Int {
	t.Helper()
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("bad amount %q", raw)
	}
	return value
}

func newTestOrchestrator(t *testing.T, chains *fakeChain, store ledger.Store, bridges ...bridge.Bridge) *Orchestrator {
	t.Helper()
	registry, err := bridge.NewRegistry(bridges...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	orchestrator, err := NewOrchestrator(registry, store, chains, chains)
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	return orchestrator
}

func TestRebalanceInventorySkipsEverythingWhenPaused(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.SetPause(ctx, true); err != nil {
		t.Fatalf("set pause: %v", err)
	}

	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "1000000000000000000")
	rail := &fakeBridge{name: "cctp", quote: mustAmount(t, "1000000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, rail)

	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"},
		Maximum:     big.NewInt(0),
		Reserve:     big.NewInt(0),
		Preferences: []string{"cctp"},
		Slippage:    []uint64{100},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no transfers while paused, got %d", len(submitted))
	}
	if rail.quoteCalls != 0 || rail.sendCalls != 0 {
		t.Fatalf("paused run touched the bridge: %d quotes %d sends", rail.quoteCalls, rail.sendCalls)
	}
	if chains.submissions != 0 {
		t.Fatalf("paused run submitted %d transactions", chains.submissions)
	}
}

func TestRebalanceInventorySkipsBalancesBelowMaximum(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "400000000000000000")
	rail := &fakeBridge{name: "cctp", quote: mustAmount(t, "400000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, rail)

	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"},
		Maximum:     mustAmount(t, "500000000000000000"),
		Reserve:     big.NewInt(0),
		Preferences: []string{"cctp"},
		Slippage:    []uint64{100},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no transfers below the maximum, got %d", len(submitted))
	}
	if rail.quoteCalls != 0 {
		t.Fatalf("below-maximum route still requested %d quotes", rail.quoteCalls)
	}
}

func TestRebalanceInventoryFallsThroughPreferences(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "1000000000000000000")

	// The first preference quotes 0.98 while its 100 bps tolerance only
	// admits 0.99; the second quotes 0.996 against a 50 bps floor of 0.995.
	first := &fakeBridge{name: "cctp", quote: mustAmount(t, "980000000000000000")}
	second := &fakeBridge{name: "relaypool", quote: mustAmount(t, "996000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, first, second)

	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"},
		Maximum:     mustAmount(t, "500000000000000000"),
		Reserve:     big.NewInt(0),
		Preferences: []string{"cctp", "relaypool"},
		Slippage:    []uint64{100, 50},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(submitted))
	}
	transfer := submitted[0]
	if transfer.Bridge != "relaypool" {
		t.Fatalf("expected the second preference to win, got %s", transfer.Bridge)
	}
	if transfer.Amount.String() != "1000000000000000000" {
		t.Fatalf("unexpected recorded amount %s", transfer.Amount)
	}
	if first.sendCalls != 0 {
		t.Fatalf("rejected preference still built %d sequences", first.sendCalls)
	}
	if second.sendCalls != 1 {
		t.Fatalf("expected 1 send on the winning rail, got %d", second.sendCalls)
	}

	ok, err := store.HasRebalance(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !ok {
		t.Fatal("transfer missing from the ledger")
	}
	if transfer.OriginTxHash == "" {
		t.Fatal("transfer recorded without an origin tx hash")
	}
}

func TestRebalanceInventoryStopsWhenAllPreferencesFail(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "1000000000000000000")

	first := &fakeBridge{name: "cctp", quoteErr: xerrors.New(xerrors.CodeQuoteUnavailable, "offline")}
	second := &fakeBridge{name: "relaypool", quote: mustAmount(t, "900000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, first, second)

	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"},
		Maximum:     mustAmount(t, "500000000000000000"),
		Reserve:     big.NewInt(0),
		Preferences: []string{"cctp", "relaypool"},
		Slippage:    []uint64{100, 50},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatalf("expected no transfers when every preference fails, got %d", len(submitted))
	}
	if chains.submissions != 0 {
		t.Fatalf("failed route still submitted %d transactions", chains.submissions)
	}

	pending, err := store.GetRebalances(ctx, []bridge.Route{routes[0].Route})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("ledger holds %d entries after a failed route", len(pending))
	}
}

func TestRebalanceInventoryAppliesReserve(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "1000000000000000000")

	rail := &fakeBridge{name: "cctp", quote: mustAmount(t, "900000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, rail)

	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"},
		Maximum:     mustAmount(t, "500000000000000000"),
		Reserve:     mustAmount(t, "100000000000000000"),
		Preferences: []string{"cctp"},
		Slippage:    []uint64{10000},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(submitted))
	}
	if submitted[0].Amount.String() != "900000000000000000" {
		t.Fatalf("reserve not deducted, recorded %s", submitted[0].Amount)
	}
}

func TestRebalanceInventoryRecordsEachRouteBeforeTheNext(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.balances[8453] = mustAmount(t, "1000000000000000000")
	chains.balances[42161] = mustAmount(t, "1000000000000000000")

	rail := &fakeBridge{name: "cctp", quote: mustAmount(t, "1000000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, rail)

	firstRoute := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}
	routes := []bridge.RouteConfig{
		{
			Route:       firstRoute,
			Maximum:     mustAmount(t, "500000000000000000"),
			Reserve:     big.NewInt(0),
			Preferences: []string{"cctp"},
			Slippage:    []uint64{100},
		},
		{
			Route:       bridge.Route{Origin: 42161, Destination: 1, Asset: "USDC"},
			Maximum:     mustAmount(t, "500000000000000000"),
			Reserve:     big.NewInt(0),
			Preferences: []string{"cctp"},
			Slippage:    []uint64{100},
		},
	}

	// When the second route reads its balance, the first route's transfer
	// must already be durable. A crash between routes may lose only the
	// transfer still in flight.
	var pendingAtSecondRoute int
	checked := false
	chains.balanceHook = func(chainID uint64) {
		if chainID != 42161 {
			return
		}
		checked = true
		entries, err := store.GetRebalances(ctx, []bridge.Route{firstRoute})
		if err != nil {
			t.Fatalf("get during cycle: %v", err)
		}
		pendingAtSecondRoute = len(entries)
	}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(submitted))
	}
	if !checked {
		t.Fatal("second route never read its balance")
	}
	if pendingAtSecondRoute != 1 {
		t.Fatalf("first transfer not in the ledger before the second route ran: %d entries", pendingAtSecondRoute)
	}
}

func TestRebalanceInventoryCapsAmountAtTokenBalance(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chains := newFakeChain()
	chains.wrapped = "WETH"
	chains.balances[8453] = mustAmount(t, "400000000000000000")
	chains.native[8453] = mustAmount(t, "700000000000000000")

	rail := &fakeBridge{name: "nativegate", quote: mustAmount(t, "400000000000000000")}
	orchestrator := newTestOrchestrator(t, chains, store, rail)

	// Total holdings 1.1 exceed the 0.5 maximum, but only the 0.4 held as
	// the wrapped token can feed the transaction sequence.
	routes := []bridge.RouteConfig{{
		Route:       bridge.Route{Origin: 8453, Destination: 1, Asset: "WETH"},
		Maximum:     mustAmount(t, "500000000000000000"),
		Reserve:     big.NewInt(0),
		Preferences: []string{"nativegate"},
		Slippage:    []uint64{100},
	}}

	submitted, err := orchestrator.RebalanceInventory(ctx, routes)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(submitted))
	}
	if submitted[0].Amount.String() != "400000000000000000" {
		t.Fatalf("amount not capped at the token balance, recorded %s", submitted[0].Amount)
	}
}

func TestMinimumReceived(t *testing.T) {
	amount := mustAmount(t, "1000000000000000000")

	cases := []struct {
		slippage uint64
		want     string
	}{
		{0, "1000000000000000000"},
		{50, "995000000000000000"},
		{100, "990000000000000000"},
		{10000, "0"},
	}
	for _, tc := range cases {
		got := minimumReceived(amount, tc.slippage)
		if got.String() != tc.want {
			t.Fatalf("slippage %d: expected %s, got %s", tc.slippage, tc.want, got)
		}
	}
}
