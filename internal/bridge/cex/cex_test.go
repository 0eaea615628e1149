package cex

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	"CrossFlow/internal/exchange"
	"CrossFlow/internal/ledger"
)

type fakeExchange struct {
	depositAddress string
	deposits       map[string]*exchange.DepositRecord
	withdrawals    map[string]*exchange.WithdrawalRecord
	withdrawCalls  []exchange.WithdrawRequest
	withdrawErr    error
	minimum        *big.Int
	fee            *big.Int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		depositAddress: "0x00000000000000000000000000000000000000EE",
		deposits:       make(map[string]*exchange.DepositRecord),
		withdrawals:    make(map[string]*exchange.WithdrawalRecord),
		minimum:        big.NewInt(100),
		fee:            big.NewInt(10),
	}
}

func (f *fakeExchange) DepositAddress(context.Context, string, uint64) (string, error) {
	return f.depositAddress, nil
}

func (f *fakeExchange) DepositByTxID(_ context.Context, _ string, _ uint64, txHash string) (*exchange.DepositRecord, error) {
	return f.deposits[txHash], nil
}

func (f *fakeExchange) Withdraw(_ context.Context, req exchange.WithdrawRequest) (string, error) {
	f.withdrawCalls = append(f.withdrawCalls, req)
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	if _, ok := f.withdrawals[req.ClientOrderID]; !ok {
		f.withdrawals[req.ClientOrderID] = &exchange.WithdrawalRecord{
			OrderID: req.ClientOrderID,
			Status:  exchange.WithdrawalPending,
			Amount:  new(big.Int).Set(req.Amount),
		}
	}
	return req.ClientOrderID, nil
}

func (f *fakeExchange) WithdrawalByID(_ context.Context, orderID string) (*exchange.WithdrawalRecord, error) {
	return f.withdrawals[orderID], nil
}

func (f *fakeExchange) WithdrawMinimum(context.Context, string, uint64) (*big.Int, error) {
	return new(big.Int).Set(f.minimum), nil
}

func (f *fakeExchange) WithdrawFee(context.Context, string, uint64) (*big.Int, error) {
	return new(big.Int).Set(f.fee), nil
}

type fakeChain struct {
	tokens   map[string]common.Address
	wrapped  string
	receipts map[string]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		tokens:   map[string]common.Address{"USDC": common.HexToAddress("0x00000000000000000000000000000000000000BB")},
		receipts: make(map[string]*types.Receipt),
	}
}

func (f *fakeChain) TokenAddress(_ uint64, asset string) (common.Address, bool) {
	addr, ok := f.tokens[asset]
	return addr, ok
}

func (f *fakeChain) WrappedNative(uint64) (string, common.Address, bool) {
	if f.wrapped == "" {
		return "", common.Address{}, false
	}
	return f.wrapped, common.HexToAddress("0x00000000000000000000000000000000000000CC"), true
}

func (f *fakeChain) ERC20BalanceOf(context.Context, uint64, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) ERC20Allowance(context.Context, uint64, common.Address, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) NativeBalance(context.Context, uint64, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) CallContract(context.Context, uint64, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) Address(uint64) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000AA"), nil
}

func (f *fakeChain) SubmitAndMonitor(context.Context, chain.TxRequest) (*types.Receipt, error) {
	return nil, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, _ uint64, hash common.Hash) (*types.Receipt, error) {
	return f.receipts[hash.Hex()], nil
}

func TestWithdrawOrderIDIsDeterministic(t *testing.T) {
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}
	hash := "0xDEADBEEFcafebabe0000000000000000000000000000000000000000000000aa"

	id := WithdrawOrderID(hash, route)
	if id != "mark-deadbeef-8453-1-usdc" {
		t.Fatalf("unexpected order id %q", id)
	}
	if WithdrawOrderID(hash, route) != id {
		t.Fatal("order id is not deterministic")
	}
}

func TestSendBuildsTokenTransfer(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	store := ledger.NewMemoryStore()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, store, chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	steps, err := rail.Send(ctx, "", "", big.NewInt(1000), route)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected a single step, got %d", len(steps))
	}
	if steps[0].Tag != bridge.TagRebalance {
		t.Fatalf("unexpected tag %s", steps[0].Tag)
	}
	if steps[0].Tx.To == nil || *steps[0].Tx.To != chains.tokens["USDC"] {
		t.Fatal("transfer does not target the token contract")
	}
}

func TestSendRejectsAmountsBelowMinimum(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.minimum = big.NewInt(10000)
	chains := newFakeChain()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, ledger.NewMemoryStore(), chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	if _, err := rail.Send(ctx, "", "", big.NewInt(1000), route); err == nil {
		t.Fatal("expected an error for an amount below the withdrawal minimum")
	}
}

func TestGetReceivedAmountDeductsFee(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, ledger.NewMemoryStore(), chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	got, err := rail.GetReceivedAmount(ctx, big.NewInt(1000), route)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if got.String() != "990" {
		t.Fatalf("expected 990 after the flat fee, got %s", got)
	}

	if _, err := rail.GetReceivedAmount(ctx, big.NewInt(5), route); err == nil {
		t.Fatal("expected an error when the fee swallows the amount")
	}
}

func TestReadyOnDestinationDrivesWithdrawal(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	store := ledger.NewMemoryStore()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, store, chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	originHash := common.BytesToHash([]byte("origin-tx"))
	transfer := &ledger.Transfer{
		ID:           "1-8453-usdc-abcd1234",
		Bridge:       Rail,
		Amount:       big.NewInt(1000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: originHash.Hex(),
		Recipient:    "0x00000000000000000000000000000000000000AA",
	}
	if _, err := store.AddRebalances(ctx, []*ledger.Transfer{transfer}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	receipt := &types.Receipt{TxHash: originHash, Status: types.ReceiptStatusSuccessful}

	// Deposit not visible on the exchange yet: nothing is initiated.
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready before the deposit was credited")
	}
	if len(ex.withdrawCalls) != 0 {
		t.Fatalf("withdrawal initiated before the deposit was credited: %d calls", len(ex.withdrawCalls))
	}
	if _, err := store.GetWithdrawID(ctx, transfer.ID); err == nil {
		t.Fatal("withdraw id persisted before the deposit was credited")
	}

	// Deposit credited: the next sweep initiates the withdrawal exactly once.
	ex.deposits[originHash.Hex()] = &exchange.DepositRecord{
		TxHash: originHash.Hex(),
		Status: exchange.DepositCredited,
		Amount: big.NewInt(1000),
	}
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready immediately after initiating the withdrawal")
	}
	if len(ex.withdrawCalls) != 1 {
		t.Fatalf("expected 1 withdrawal initiation, got %d", len(ex.withdrawCalls))
	}
	wantOrderID := WithdrawOrderID(originHash.Hex(), route)
	if ex.withdrawCalls[0].ClientOrderID != wantOrderID {
		t.Fatalf("unexpected client order id %q", ex.withdrawCalls[0].ClientOrderID)
	}
	if ex.withdrawCalls[0].Amount.String() != "990" {
		t.Fatalf("withdrawal amount %s does not match the fee-adjusted quote", ex.withdrawCalls[0].Amount)
	}
	orderID, err := store.GetWithdrawID(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("withdraw id: %v", err)
	}
	if orderID != wantOrderID {
		t.Fatalf("persisted order id %q does not match %q", orderID, wantOrderID)
	}

	// Withdrawal still pending on the exchange: no duplicate initiation.
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready while the withdrawal is pending")
	}
	if len(ex.withdrawCalls) != 1 {
		t.Fatalf("duplicate withdrawal initiation: %d calls", len(ex.withdrawCalls))
	}

	// Withdrawal broadcast but not yet mined on the destination chain.
	destHash := common.BytesToHash([]byte("dest-tx"))
	ex.withdrawals[wantOrderID].Status = exchange.WithdrawalConfirmed
	ex.withdrawals[wantOrderID].TxHash = destHash.Hex()
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready before the destination receipt landed")
	}

	// Destination receipt confirmed: the transfer is settled.
	chains.receipts[destHash.Hex()] = &types.Receipt{TxHash: destHash, Status: types.ReceiptStatusSuccessful}
	if !rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("not ready after the destination receipt confirmed")
	}
}

func TestReadyOnDestinationRetriesFailedInitiation(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	store := ledger.NewMemoryStore()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, store, chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	originHash := common.BytesToHash([]byte("origin-retry"))
	transfer := &ledger.Transfer{
		ID:           "1-8453-usdc-retry123",
		Bridge:       Rail,
		Amount:       big.NewInt(1000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: originHash.Hex(),
		Recipient:    "0x00000000000000000000000000000000000000AA",
	}
	if _, err := store.AddRebalances(ctx, []*ledger.Transfer{transfer}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ex.deposits[originHash.Hex()] = &exchange.DepositRecord{
		TxHash: originHash.Hex(),
		Status: exchange.DepositCredited,
		Amount: big.NewInt(1000),
	}
	receipt := &types.Receipt{TxHash: originHash, Status: types.ReceiptStatusSuccessful}

	// First initiation fails after the order id was persisted.
	ex.withdrawErr = errors.New("exchange timeout")
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready despite the failed initiation")
	}
	if len(ex.withdrawCalls) != 1 {
		t.Fatalf("expected 1 initiation attempt, got %d", len(ex.withdrawCalls))
	}
	wantOrderID := WithdrawOrderID(originHash.Hex(), route)
	if orderID, err := store.GetWithdrawID(ctx, transfer.ID); err != nil || orderID != wantOrderID {
		t.Fatalf("order id not persisted before the failed call: %q, %v", orderID, err)
	}
	if ex.withdrawals[wantOrderID] != nil {
		t.Fatal("exchange recorded a withdrawal despite the failure")
	}

	// The persisted id without a matching exchange record must re-initiate,
	// not wait forever.
	ex.withdrawErr = nil
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready immediately after the retried initiation")
	}
	if len(ex.withdrawCalls) != 2 {
		t.Fatalf("expected a retried initiation, got %d calls", len(ex.withdrawCalls))
	}
	if ex.withdrawCalls[1].ClientOrderID != wantOrderID {
		t.Fatalf("retry used order id %q instead of %q", ex.withdrawCalls[1].ClientOrderID, wantOrderID)
	}
	withdrawal := ex.withdrawals[wantOrderID]
	if withdrawal == nil || withdrawal.Amount.String() != "990" {
		t.Fatalf("retried withdrawal missing or wrong amount: %+v", withdrawal)
	}

	// Once the order exists and is pending, no further initiations happen.
	if rail.ReadyOnDestination(ctx, transfer.Amount, route, receipt) {
		t.Fatal("ready while the withdrawal is pending")
	}
	if len(ex.withdrawCalls) != 2 {
		t.Fatalf("duplicate initiation after the retry: %d calls", len(ex.withdrawCalls))
	}
}

func TestDestinationCallbackWrapsNativePayout(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	chains.wrapped = "WETH"
	store := ledger.NewMemoryStore()
	rail, err := New(Config{Assets: []string{"WETH"}}, ex, store, chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 42161, Destination: 8453, Asset: "WETH"}

	originHash := common.BytesToHash([]byte("origin-weth"))
	transfer := &ledger.Transfer{
		ID:           "8453-42161-weth-abcd1234",
		Bridge:       Rail,
		Amount:       big.NewInt(2000),
		Origin:       route.Origin,
		Destination:  route.Destination,
		Asset:        route.Asset,
		OriginTxHash: originHash.Hex(),
		Recipient:    "0x00000000000000000000000000000000000000AA",
	}
	if _, err := store.AddRebalances(ctx, []*ledger.Transfer{transfer}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	orderID := WithdrawOrderID(originHash.Hex(), route)
	if err := store.AddWithdrawID(ctx, transfer.ID, orderID); err != nil {
		t.Fatalf("seed withdraw id: %v", err)
	}
	ex.withdrawals[orderID] = &exchange.WithdrawalRecord{
		OrderID: orderID,
		Status:  exchange.WithdrawalConfirmed,
		TxHash:  common.BytesToHash([]byte("dest-weth")).Hex(),
		Amount:  big.NewInt(1990),
	}

	receipt := &types.Receipt{TxHash: originHash, Status: types.ReceiptStatusSuccessful}
	callback, err := rail.DestinationCallback(ctx, route, receipt)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if callback == nil {
		t.Fatal("expected a wrap step for a wrapped-native payout")
	}
	if callback.Tag != bridge.TagWrap {
		t.Fatalf("unexpected tag %s", callback.Tag)
	}
	if callback.Tx.Value == nil || callback.Tx.Value.String() != "1990" {
		t.Fatalf("wrap value does not match the withdrawal amount: %v", callback.Tx.Value)
	}
	if callback.Tx.ChainID != route.Destination {
		t.Fatalf("wrap targets chain %d", callback.Tx.ChainID)
	}
}

func TestDestinationCallbackIsNilForTokens(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	chains := newFakeChain()
	rail, err := New(Config{Assets: []string{"USDC"}}, ex, ledger.NewMemoryStore(), chains, chains)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	route := bridge.Route{Origin: 8453, Destination: 1, Asset: "USDC"}

	receipt := &types.Receipt{TxHash: common.BytesToHash([]byte("t")), Status: types.ReceiptStatusSuccessful}
	callback, err := rail.DestinationCallback(ctx, route, receipt)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if callback != nil {
		t.Fatal("expected no callback for an ERC20 payout")
	}
}
