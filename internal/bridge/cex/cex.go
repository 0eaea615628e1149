// Package cex implements the custodial settlement rail: the origin leg is
// a plain transfer to the exchange's deposit address, the second leg is an
// exchange withdrawal to the agent's destination address. Unlike the
// protocol rails, readiness checking here actively drives the second leg
// through an explicit state machine, keyed off identifiers persisted in
// the ledger so a process restart resumes at the right step.
package cex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/exchange"
	"CrossFlow/internal/ledger"
	"CrossFlow/pkg/logger"
)

// Rail is the rail identifier used in preference lists.
const Rail = "cex"

// state enumerates the steps of the withdrawal state machine. The state is
// always re-derived from persisted identifiers, never cached in memory.
type state int

const (
	stateDepositPending state = iota
	stateWithdrawNotStarted
	stateWithdrawPending
	stateWithdrawBroadcast
	stateSettled
)

// WithdrawOrderID derives the deterministic client order id for the
// withdrawal that settles the transfer behind originTxHash. Determinism is
// what makes re-initiation after a crash idempotent: the exchange resolves
// a repeated client order id to the existing withdrawal.
func WithdrawOrderID(originTxHash string, route bridge.Route) string {
	hash := strings.TrimPrefix(strings.ToLower(originTxHash), "0x")
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("mark-%s-%d-%d-%s", hash, route.Origin, route.Destination, strings.ToLower(route.Asset))
}

// Config describes which assets the exchange rail may carry.
type Config struct {
	Assets []string `yaml:"assets"`
}

// Bridge is the custodial rail adapter.
type Bridge struct {
	cfg       Config
	client    exchange.Client
	store     ledger.Store
	reader    chain.Reader
	submitter chain.Submitter
	log       *slog.Logger
}

// New builds the adapter.
func New(cfg Config, client exchange.Client, store ledger.Store, reader chain.Reader, submitter chain.Submitter) (*Bridge, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "exchange client is required")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger store is required")
	}
	return &Bridge{
		cfg:       cfg,
		client:    client,
		store:     store,
		reader:    reader,
		submitter: submitter,
		log:       logger.Named("bridge.cex"),
	}, nil
}

// Type implements bridge.Bridge.
func (b *Bridge) Type() string { return Rail }

func (b *Bridge) supportsAsset(asset string) bool {
	for _, supported := range b.cfg.Assets {
		if strings.EqualFold(supported, asset) {
			return true
		}
	}
	return false
}

// GetReceivedAmount implements bridge.Bridge. Deposits are free; the
// exchange's flat withdrawal fee for the destination chain comes off the
// transferred amount.
func (b *Bridge) GetReceivedAmount(ctx context.Context, amount *big.Int, route bridge.Route) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "amount must be positive")
	}
	if !b.supportsAsset(route.Asset) {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable,
			fmt.Sprintf("asset %s not supported on the exchange rail", route.Asset))
	}
	fee, err := b.client.WithdrawFee(ctx, route.Asset, route.Destination)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "fetch withdraw fee")
	}
	if fee.Cmp(amount) >= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "withdraw fee exceeds the transfer amount")
	}
	return new(big.Int).Sub(amount, fee), nil
}

// Send implements bridge.Bridge. For the wrapped-native asset the
// exchange credits the native form, so an Unwrap step precedes a plain
// value transfer; any other asset moves as an ERC20 transfer.
func (b *Bridge) Send(ctx context.Context, _, _ string, amount *big.Int, route bridge.Route) ([]bridge.SubTransaction, error) {
	if !b.supportsAsset(route.Asset) {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("asset %s not supported on the exchange rail", route.Asset))
	}

	minimum, err := b.client.WithdrawMinimum(ctx, route.Asset, route.Destination)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "fetch withdraw minimum")
	}
	if amount.Cmp(minimum) < 0 {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("amount %s below the exchange withdrawal minimum %s", amount, minimum))
	}

	depositAddress, err := b.client.DepositAddress(ctx, route.Asset, route.Origin)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "fetch deposit address")
	}
	if !common.IsHexAddress(depositAddress) {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("exchange returned invalid deposit address %q", depositAddress))
	}
	deposit := common.HexToAddress(depositAddress)

	if wrapped, wrappedToken, ok := b.reader.WrappedNative(route.Origin); ok && strings.EqualFold(wrapped, route.Asset) {
		return []bridge.SubTransaction{
			{
				Tag: bridge.TagUnwrap,
				Tx: chain.TxRequest{
					ChainID: route.Origin,
					To:      &wrappedToken,
					Data:    chain.PackWETHWithdraw(amount),
				},
			},
			{
				Tag: bridge.TagRebalance,
				Tx: chain.TxRequest{
					ChainID: route.Origin,
					To:      &deposit,
					Value:   new(big.Int).Set(amount),
				},
			},
		}, nil
	}

	token, ok := b.reader.TokenAddress(route.Origin, route.Asset)
	if !ok {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("token %s not configured on chain %d", route.Asset, route.Origin))
	}
	return []bridge.SubTransaction{
		{
			Tag: bridge.TagRebalance,
			Tx: chain.TxRequest{
				ChainID: route.Origin,
				To:      &token,
				Data:    chain.PackTransfer(deposit, amount),
			},
		},
	}, nil
}

// deriveState walks the persisted identifiers and the exchange's records
// to find the current step of the withdrawal state machine.
func (b *Bridge) deriveState(ctx context.Context, transfer *ledger.Transfer, route bridge.Route, receipt *types.Receipt) (state, *exchange.WithdrawalRecord, error) {
	deposit, err := b.client.DepositByTxID(ctx, route.Asset, route.Origin, receipt.TxHash.Hex())
	if err != nil {
		return stateDepositPending, nil, fmt.Errorf("deposit lookup: %w", err)
	}
	if deposit == nil || deposit.Status == exchange.DepositPending {
		return stateDepositPending, nil, nil
	}
	if deposit.Status == exchange.DepositFailed {
		return stateDepositPending, nil, fmt.Errorf("exchange rejected deposit %s", receipt.TxHash.Hex())
	}

	orderID, err := b.store.GetWithdrawID(ctx, transfer.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return stateWithdrawNotStarted, nil, nil
		}
		return stateDepositPending, nil, fmt.Errorf("withdraw id lookup: %w", err)
	}

	withdrawal, err := b.client.WithdrawalByID(ctx, orderID)
	if err != nil {
		return stateWithdrawPending, nil, fmt.Errorf("withdrawal lookup: %w", err)
	}
	if withdrawal == nil {
		// The id was persisted but the exchange has no matching order, so
		// the initiation never went through. Re-issuing with the same
		// client order id is idempotent.
		return stateWithdrawNotStarted, nil, nil
	}
	if withdrawal.Status == exchange.WithdrawalPending {
		return stateWithdrawPending, withdrawal, nil
	}
	if withdrawal.Status == exchange.WithdrawalFailed {
		return stateWithdrawPending, withdrawal, fmt.Errorf("exchange rejected withdrawal %s", orderID)
	}

	destReceipt, err := b.submitter.TransactionReceipt(ctx, route.Destination, common.HexToHash(withdrawal.TxHash))
	if err != nil {
		return stateWithdrawBroadcast, withdrawal, fmt.Errorf("destination receipt lookup: %w", err)
	}
	if destReceipt == nil || destReceipt.Status != types.ReceiptStatusSuccessful {
		return stateWithdrawBroadcast, withdrawal, nil
	}
	return stateSettled, withdrawal, nil
}

// initiateWithdrawal persists the deterministic order id before touching
// the network, so a crash between the two steps cannot orphan the order.
func (b *Bridge) initiateWithdrawal(ctx context.Context, transfer *ledger.Transfer, route bridge.Route, receivedAmount *big.Int) error {
	orderID := WithdrawOrderID(transfer.OriginTxHash, route)
	if err := b.store.AddWithdrawID(ctx, transfer.ID, orderID); err != nil {
		return fmt.Errorf("persist withdraw id: %w", err)
	}
	_, err := b.client.Withdraw(ctx, exchange.WithdrawRequest{
		Asset:         route.Asset,
		ChainID:       route.Destination,
		Address:       transfer.Recipient,
		Amount:        receivedAmount,
		ClientOrderID: orderID,
	})
	if err != nil {
		return fmt.Errorf("initiate withdrawal %s: %w", orderID, err)
	}
	b.log.Info("提现已发起",
		slog.String("transfer_id", transfer.ID),
		slog.String("order_id", orderID),
		slog.String("route", route.Key()))
	return nil
}

// ReadyOnDestination implements bridge.Bridge. It advances the state
// machine by at most one step per sweep and only reports true once the
// withdrawal is confirmed on the destination chain.
func (b *Bridge) ReadyOnDestination(ctx context.Context, amount *big.Int, route bridge.Route, receipt *types.Receipt) bool {
	transfer, err := b.store.GetRebalanceByTransaction(ctx, receipt.TxHash.Hex())
	if err != nil {
		b.log.Warn("台账记录缺失",
			slog.String("origin_tx", receipt.TxHash.Hex()),
			slog.Any("error", err))
		return false
	}

	current, _, err := b.deriveState(ctx, transfer, route, receipt)
	if err != nil {
		b.log.Warn("结算状态推进失败",
			slog.String("transfer_id", transfer.ID),
			slog.String("route", route.Key()),
			slog.Any("error", err))
		return false
	}

	switch current {
	case stateWithdrawNotStarted:
		received, err := b.GetReceivedAmount(ctx, amount, route)
		if err != nil {
			b.log.Warn("提现金额计算失败", slog.String("transfer_id", transfer.ID), slog.Any("error", err))
			return false
		}
		if err := b.initiateWithdrawal(ctx, transfer, route, received); err != nil {
			b.log.Warn("提现发起失败", slog.String("transfer_id", transfer.ID), slog.Any("error", err))
		}
		return false
	case stateSettled:
		return true
	default:
		return false
	}
}

// DestinationCallback implements bridge.Bridge. For the wrapped-native
// asset the exchange pays out native on the destination chain, so the
// callback wraps the received amount back; other assets need no
// follow-up. Reading the amount from the withdrawal record keeps repeated
// preparation deterministic.
func (b *Bridge) DestinationCallback(ctx context.Context, route bridge.Route, receipt *types.Receipt) (*bridge.SubTransaction, error) {
	wrapped, wrappedToken, ok := b.reader.WrappedNative(route.Destination)
	if !ok || !strings.EqualFold(wrapped, route.Asset) {
		return nil, nil
	}

	transfer, err := b.store.GetRebalanceByTransaction(ctx, receipt.TxHash.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "ledger entry missing")
	}
	orderID, err := b.store.GetWithdrawID(ctx, transfer.ID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "withdraw id missing")
	}
	withdrawal, err := b.client.WithdrawalByID(ctx, orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "withdrawal lookup")
	}
	if withdrawal == nil || withdrawal.Amount == nil || withdrawal.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeCompletionCheckFailed, "withdrawal amount not available")
	}

	return &bridge.SubTransaction{
		Tag: bridge.TagWrap,
		Tx: chain.TxRequest{
			ChainID: route.Destination,
			To:      &wrappedToken,
			Value:   withdrawal.Amount,
			Data:    chain.PackWETHDeposit(),
		},
	}, nil
}
