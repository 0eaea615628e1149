// Package cctp implements the burn-and-mint settlement rail. The origin
// leg burns the token through the chain's token messenger; an off-chain
// attestation service signs the burn message after enough confirmations;
// the destination leg submits the message plus attestation to mint.
package cctp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/pkg/logger"
)

// Rail is the rail identifier used in preference lists.
const Rail = "cctp"

const messengerABIJSON = `[
	{"name":"depositForBurn","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"outputs":[{"name":"nonce","type":"uint64"}]}
]`

const transmitterABIJSON = `[
	{"name":"receiveMessage","type":"function","stateMutability":"nonpayable","inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]},
	{"anonymous":false,"name":"MessageSent","type":"event","inputs":[{"indexed":false,"name":"message","type":"bytes"}]}
]`

var (
	messengerABI   = chain.MustParseABI(messengerABIJSON)
	transmitterABI = chain.MustParseABI(transmitterABIJSON)

	messageSentTopic = crypto.Keccak256Hash([]byte("MessageSent(bytes)"))
)

// ChainConfig carries the rail's contract deployment on one chain.
type ChainConfig struct {
	Domain             uint32 `yaml:"domain"`
	TokenMessenger     string `yaml:"token_messenger"`
	MessageTransmitter string `yaml:"message_transmitter"`
}

// Config describes the rail across all chains it is deployed on.
type Config struct {
	Asset              string                 `yaml:"asset"`
	AttestationBaseURL string                 `yaml:"attestation_base_url"`
	Chains             map[uint64]ChainConfig `yaml:"chains"`
}

// Bridge is the cctp rail adapter.
type Bridge struct {
	cfg          Config
	reader       chain.Reader
	attestations *AttestationClient
	log          *slog.Logger
}

// New builds the adapter.
func New(cfg Config, reader chain.Reader) (*Bridge, error) {
	if cfg.Asset == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "cctp asset is required")
	}
	if cfg.AttestationBaseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "cctp attestation base URL is required")
	}
	return &Bridge{
		cfg:          cfg,
		reader:       reader,
		attestations: NewAttestationClient(cfg.AttestationBaseURL, 10*time.Second),
		log:          logger.Named("bridge.cctp"),
	}, nil
}

// Type implements bridge.Bridge.
func (b *Bridge) Type() string { return Rail }

func (b *Bridge) routeConfig(route bridge.Route) (origin, destination ChainConfig, err error) {
	if route.Asset != b.cfg.Asset {
		return origin, destination, fmt.Errorf("asset %s not supported on cctp", route.Asset)
	}
	origin, ok := b.cfg.Chains[route.Origin]
	if !ok {
		return origin, destination, fmt.Errorf("cctp not deployed on chain %d", route.Origin)
	}
	destination, ok = b.cfg.Chains[route.Destination]
	if !ok {
		return origin, destination, fmt.Errorf("cctp not deployed on chain %d", route.Destination)
	}
	return origin, destination, nil
}

// GetReceivedAmount implements bridge.Bridge. Burn-and-mint transfers are
// fee free: the minted amount equals the burned amount, so the quote only
// verifies the corridor is enabled.
func (b *Bridge) GetReceivedAmount(_ context.Context, amount *big.Int, route bridge.Route) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "amount must be positive")
	}
	if _, _, err := b.routeConfig(route); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "cctp route unavailable")
	}
	return new(big.Int).Set(amount), nil
}

// Send implements bridge.Bridge.
func (b *Bridge) Send(ctx context.Context, sender, recipient string, amount *big.Int, route bridge.Route) ([]bridge.SubTransaction, error) {
	origin, destination, err := b.routeConfig(route)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "cctp route unavailable")
	}
	token, ok := b.reader.TokenAddress(route.Origin, route.Asset)
	if !ok {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("token %s not configured on chain %d", route.Asset, route.Origin))
	}

	messenger := common.HexToAddress(origin.TokenMessenger)
	var sequence []bridge.SubTransaction

	approval, err := bridge.ApprovalStep(ctx, b.reader, route.Origin, token, common.HexToAddress(sender), messenger, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "cctp approval check failed")
	}
	if approval != nil {
		sequence = append(sequence, *approval)
	}

	var mintRecipient [32]byte
	copy(mintRecipient[12:], common.HexToAddress(recipient).Bytes())
	data, err := messengerABI.Pack("depositForBurn", amount, destination.Domain, mintRecipient, token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "encode depositForBurn")
	}
	sequence = append(sequence, bridge.SubTransaction{
		Tag: bridge.TagRebalance,
		Tx: chain.TxRequest{
			ChainID: route.Origin,
			To:      &messenger,
			Data:    data,
		},
	})
	return sequence, nil
}

// burnMessage extracts the raw burn message emitted by the origin-side
// transmitter from a confirmed receipt.
func (b *Bridge) burnMessage(receipt *types.Receipt) ([]byte, error) {
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 || log.Topics[0] != messageSentTopic {
			continue
		}
		values, err := transmitterABI.Events["MessageSent"].Inputs.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("decode MessageSent event: %w", err)
		}
		message, ok := values[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected MessageSent payload type %T", values[0])
		}
		return message, nil
	}
	return nil, fmt.Errorf("no MessageSent event in receipt %s", receipt.TxHash.Hex())
}

func (b *Bridge) attestation(ctx context.Context, receipt *types.Receipt) (message []byte, attestation *Attestation, err error) {
	message, err = b.burnMessage(receipt)
	if err != nil {
		return nil, nil, err
	}
	hash := crypto.Keccak256Hash(message)
	attestation, err = b.attestations.Get(ctx, hash.Hex())
	if err != nil {
		return nil, nil, err
	}
	return message, attestation, nil
}

// ReadyOnDestination implements bridge.Bridge. The transfer is ready once
// the attestation service reports the burn message as attested.
func (b *Bridge) ReadyOnDestination(ctx context.Context, _ *big.Int, route bridge.Route, receipt *types.Receipt) bool {
	_, attestation, err := b.attestation(ctx, receipt)
	if err != nil {
		b.log.Warn("attestation lookup failed",
			slog.String("route", route.Key()),
			slog.String("origin_tx", receipt.TxHash.Hex()),
			slog.Any("error", err))
		return false
	}
	return attestation.Status == AttestationComplete && len(attestation.Attestation) > 0
}

// DestinationCallback implements bridge.Bridge. The mint transaction only
// reads state, so rebuilding it every sweep is safe; the transmitter
// contract rejects replays after the first successful mint.
func (b *Bridge) DestinationCallback(ctx context.Context, route bridge.Route, receipt *types.Receipt) (*bridge.SubTransaction, error) {
	_, destination, err := b.routeConfig(route)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "cctp route unavailable")
	}
	message, attestation, err := b.attestation(ctx, receipt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "fetch attestation")
	}
	if attestation.Status != AttestationComplete || len(attestation.Attestation) == 0 {
		return nil, xerrors.New(xerrors.CodeCompletionCheckFailed, "attestation not complete")
	}

	transmitter := common.HexToAddress(destination.MessageTransmitter)
	data, err := transmitterABI.Pack("receiveMessage", message, attestation.Attestation)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompletionCheckFailed, err, "encode receiveMessage")
	}
	return &bridge.SubTransaction{
		Tag: bridge.TagMint,
		Tx: chain.TxRequest{
			ChainID: route.Destination,
			To:      &transmitter,
			Data:    data,
		},
	}, nil
}
