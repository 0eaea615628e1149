package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"CrossFlow/internal/bridge"
)

func testTransfer(id string, route bridge.Route) *Transfer {
	return &Transfer{
		ID:           id,
		Bridge:       "cctp",
		Amount:       big.NewInt(1000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: "0xabc" + id,
		Recipient:    "0x000000000000000000000000000000000000dEaD",
	}
}

func TestMemoryStoreAddIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	first := testTransfer("t1", route)
	added, err := store.AddRebalances(ctx, []*Transfer{first, testTransfer("t2", route)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 new entries, got %d", added)
	}

	// Re-adding the same id with different content must not count and
	// must not overwrite the original record.
	dup := testTransfer("t1", route)
	dup.Amount = big.NewInt(9999)
	added, err = store.AddRebalances(ctx, []*Transfer{dup})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected 0 new entries on duplicate add, got %d", added)
	}

	got, err := store.GetRebalanceByTransaction(ctx, first.OriginTxHash)
	if err != nil {
		t.Fatalf("lookup by tx: %v", err)
	}
	if got.Amount.Cmp(first.Amount) != 0 {
		t.Fatalf("duplicate add overwrote amount: got %s", got.Amount)
	}
}

func TestMemoryStoreRouteLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	usdc := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}
	weth := bridge.Route{Origin: 42161, Destination: 8453, Asset: "WETH"}

	if _, err := store.AddRebalances(ctx, []*Transfer{
		testTransfer("u1", usdc),
		testTransfer("u2", usdc),
		testTransfer("w1", weth),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := store.GetRebalances(ctx, []bridge.Route{usdc})
	if err != nil {
		t.Fatalf("get by route: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries on the usdc route, got %d", len(got))
	}

	// An unknown route is empty, not an error.
	got, err = store.GetRebalances(ctx, []bridge.Route{{Origin: 1, Destination: 10, Asset: "DAI"}})
	if err != nil {
		t.Fatalf("get unknown route: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}

	both, err := store.GetRebalances(ctx, []bridge.Route{usdc, weth})
	if err != nil {
		t.Fatalf("get both routes: %v", err)
	}
	if len(both) != 3 {
		t.Fatalf("expected 3 entries across both routes, got %d", len(both))
	}
}

func TestMemoryStoreRemoveCountsOnlyExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	if _, err := store.AddRebalances(ctx, []*Transfer{testTransfer("t1", route)}); err != nil {
		t.Fatalf("add: %v", err)
	}

	removed, err := store.RemoveRebalances(ctx, []string{"t1", "missing"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}

	removed, err = store.RemoveRebalances(ctx, []string{"t1"})
	if err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 removals for an absent id, got %d", removed)
	}

	ok, err := store.HasRebalance(ctx, "t1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if ok {
		t.Fatal("entry still present after removal")
	}

	got, err := store.GetRebalances(ctx, []bridge.Route{route})
	if err != nil {
		t.Fatalf("get after remove: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("route index still holds %d entries", len(got))
	}
}

func TestMemoryStorePauseFlag(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	paused, err := store.IsPaused(ctx)
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if paused {
		t.Fatal("store starts paused")
	}

	if err := store.SetPause(ctx, true); err != nil {
		t.Fatalf("set pause: %v", err)
	}
	paused, err = store.IsPaused(ctx)
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if !paused {
		t.Fatal("pause flag did not stick")
	}

	if err := store.SetPause(ctx, false); err != nil {
		t.Fatalf("clear pause: %v", err)
	}
	paused, err = store.IsPaused(ctx)
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if paused {
		t.Fatal("pause flag did not clear")
	}
}

func TestMemoryStoreWithdrawIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetWithdrawID(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing mapping, got %v", err)
	}

	if err := store.AddWithdrawID(ctx, "t1", "mark-12345678-8453-1-usdc"); err != nil {
		t.Fatalf("add withdraw id: %v", err)
	}
	orderID, err := store.GetWithdrawID(ctx, "t1")
	if err != nil {
		t.Fatalf("get withdraw id: %v", err)
	}
	if orderID != "mark-12345678-8453-1-usdc" {
		t.Fatalf("unexpected order id %q", orderID)
	}

	if err := store.RemoveWithdrawID(ctx, "t1"); err != nil {
		t.Fatalf("remove withdraw id: %v", err)
	}
	if _, err := store.GetWithdrawID(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestNewTransferIDEmbedsRouteKey(t *testing.T) {
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	id := NewTransferID(route)
	const prefix = "1-8453-usdc-"
	if len(id) != len(prefix)+8 {
		t.Fatalf("unexpected id length for %q", id)
	}
	if id[:len(prefix)] != prefix {
		t.Fatalf("id %q does not start with the route key", id)
	}

	if NewTransferID(route) == id {
		t.Fatal("consecutive ids collided")
	}
}
