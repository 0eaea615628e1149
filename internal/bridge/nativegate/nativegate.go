// Package nativegate implements a lock-and-release settlement rail that
// moves the chain's native asset. The agent's inventory is held in the
// wrapped token, so the origin leg unwraps before locking into the
// gateway, and the destination leg wraps the released native asset back.
package nativegate

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/pkg/logger"
)

// Rail is the rail identifier used in preference lists.
const Rail = "nativegate"

const gatewayABIJSON = `[
	{"name":"lock","type":"function","stateMutability":"payable","inputs":[{"name":"destinationChain","type":"uint64"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"name":"quoteTransferFee","type":"function","stateMutability":"view","inputs":[{"name":"destinationChain","type":"uint64"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"fee","type":"uint256"}]},
	{"name":"isReleased","type":"function","stateMutability":"view","inputs":[{"name":"transferId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"releasedAmount","type":"function","stateMutability":"view","inputs":[{"name":"transferId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"anonymous":false,"name":"Locked","type":"event","inputs":[{"indexed":true,"name":"transferId","type":"bytes32"},{"indexed":false,"name":"destinationChain","type":"uint64"},{"indexed":false,"name":"recipient","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]}
]`

var (
	gatewayABI  = chain.MustParseABI(gatewayABIJSON)
	lockedTopic = crypto.Keccak256Hash([]byte("Locked(bytes32,uint64,address,uint256)"))
)

// Config describes the gateway deployment per chain.
type Config struct {
	Gateways map[uint64]string `yaml:"gateways"`
}

// Bridge is the nativegate rail adapter.
type Bridge struct {
	cfg    Config
	reader chain.Reader
	log    *slog.Logger
}

// New builds the adapter.
func New(cfg Config, reader chain.Reader) (*Bridge, error) {
	if len(cfg.Gateways) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "nativegate gateways are required")
	}
	return &Bridge{cfg: cfg, reader: reader, log: logger.Named("bridge.nativegate")}, nil
}

// Type implements bridge.Bridge.
func (b *Bridge) Type() string { return Rail }

func (b *Bridge) gateway(chainID uint64) (common.Address, error) {
	addr, ok := b.cfg.Gateways[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("no gateway deployed on chain %d", chainID)
	}
	return common.HexToAddress(addr), nil
}

// checkRoute verifies the corridor is deployed and that the asset is the
// origin chain's wrapped native token, the only asset this rail carries.
func (b *Bridge) checkRoute(route bridge.Route) error {
	wrapped, _, ok := b.reader.WrappedNative(route.Origin)
	if !ok || !strings.EqualFold(wrapped, route.Asset) {
		return fmt.Errorf("asset %s is not the wrapped native token of chain %d", route.Asset, route.Origin)
	}
	if _, err := b.gateway(route.Origin); err != nil {
		return err
	}
	if _, err := b.gateway(route.Destination); err != nil {
		return err
	}
	return nil
}

// GetReceivedAmount implements bridge.Bridge. The fee is read from the
// origin gateway's on-chain quote function.
func (b *Bridge) GetReceivedAmount(ctx context.Context, amount *big.Int, route bridge.Route) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "amount must be positive")
	}
	if err := b.checkRoute(route); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "nativegate route unavailable")
	}
	gateway, _ := b.gateway(route.Origin)

	data, err := gatewayABI.Pack("quoteTransferFee", route.Destination, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "encode fee quote")
	}
	out, err := b.reader.CallContract(ctx, route.Origin, gateway, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "fetch gateway fee")
	}
	fee, err := chain.UnpackBigInt(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "decode gateway fee")
	}
	if fee.Cmp(amount) >= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "gateway fee exceeds the transfer amount")
	}
	return new(big.Int).Sub(amount, fee), nil
}

// Send implements bridge.Bridge. The sequence is Unwrap (wrapped token to
// native) followed by the gateway lock carrying the native value.
func (b *Bridge) Send(_ context.Context, _, recipient string, amount *big.Int, route bridge.Route) ([]bridge.SubTransaction, error) {
	if err := b.checkRoute(route); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "nativegate route unavailable")
	}
	_, wrappedToken, _ := b.reader.WrappedNative(route.Origin)
	gateway, _ := b.gateway(route.Origin)

	lockData, err := gatewayABI.Pack("lock", route.Destination, common.HexToAddress(recipient))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "encode gateway lock")
	}
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
				To:      &gateway,
				Value:   new(big.Int).Set(amount),
				Data:    lockData,
			},
		},
	}, nil
}

// transferID extracts the Locked event's transfer id from the origin
// receipt.
func (b *Bridge) transferID(receipt *types.Receipt) (common.Hash, error) {
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || log.Topics[0] != lockedTopic {
			continue
		}
		return log.Topics[1], nil
	}
	return common.Hash{}, fmt.Errorf("no Locked event in receipt %s", receipt.TxHash.Hex())
}

// ReadyOnDestination implements bridge.Bridge. The destination gateway
// records each release, so a single view call answers readiness.
func (b *Bridge) ReadyOnDestination(ctx context.Context, _ *big.Int, route bridge.Route, receipt *types.Receipt) bool {
	transferID, err := b.transferID(receipt)
	if err != nil {
		b.log.Warn("transfer id extraction failed",
			slog.String("route", route.Key()),
			slog.String("origin_tx", receipt.TxHash.Hex()),
			slog.Any("error", err))
		return false
	}
	gateway, err := b.gateway(route.Destination)
	if err != nil {
		b.log.Warn("destination gateway missing", slog.String("route", route.Key()), slog.Any("error", err))
		return false
	}
	data, err := gatewayABI.Pack("isReleased", transferID)
	if err != nil {
		b.log.Warn("encode isReleased failed", slog.Any("error", err))
		return false
	}
	out, err := b.reader.CallContract(ctx, route.Destination, gateway, data)
	if err != nil {
		b.log.Warn("release lookup failed",
			slog.String("route", route.Key()),
			slog.String("origin_tx", receipt.TxHash.Hex()),
			slog.Any("error", err))
		return false
	}
	values, err := gatewayABI.Unpack("isReleased", out)
	if err != nil || len(values) == 0 {
		b.log.Warn("decode isReleased failed", slog.Any("error", err))
		return false
	}
	released, ok := values[0].(bool)
	return ok && released
}

// DestinationCallback implements bridge.Bridge. The released amount
// arrives as native asset; the callback wraps it back into the token the
// inventory is tracked in. The amount is read from the gateway, so
// rebuilding the callback across sweeps is deterministic.
func (b *Bridge) DestinationCallback(ctx context.Context, route bridge.Route, receipt *types.Receipt) (*bridge.SubTransaction, error) {
	transferID, err := b.transferID(receipt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "extract transfer id")
	}
	gateway, err := b.gateway(route.Destination)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "nativegate route unavailable")
	}
	data, err := gatewayABI.Pack("releasedAmount", transferID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "encode releasedAmount")
	}
	out, err := b.reader.CallContract(ctx, route.Destination, gateway, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "fetch released amount")
	}
	released, err := chain.UnpackBigInt(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "decode released amount")
	}
	if released.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeCompletionCheckFailed, "release not recorded yet")
	}

	_, wrappedToken, ok := b.reader.WrappedNative(route.Destination)
	if !ok {
		// Nothing to wrap into; leave the native asset as is.
		return nil, nil
	}
	return &bridge.SubTransaction{
		Tag: bridge.TagWrap,
		Tx: chain.TxRequest{
			ChainID: route.Destination,
			To:      &wrappedToken,
			Value:   released,
			Data:    chain.PackWETHDeposit(),
		},
	}, nil
}
