// Package relaypool implements a liquidity-pool settlement rail. The
// origin leg deposits into the pool contract; third-party relayers fill
// the transfer on the destination chain, so there is no destination
// callback. Pricing comes from the pool operator's suggested-fees API.
package relaypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/chain"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/pkg/logger"
)

// Rail is the rail identifier used in preference lists.
const Rail = "relaypool"

const poolABIJSON = `[
	{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"destinationChainId","type":"uint256"}],"outputs":[]}
]`

var poolABI = chain.MustParseABI(poolABIJSON)

// Config describes the rail deployment and its pricing API.
type Config struct {
	APIBaseURL string            `yaml:"api_base_url"`
	Pools      map[uint64]string `yaml:"pools"`
	Assets     []string          `yaml:"assets"`
}

// Bridge is the relaypool rail adapter.
type Bridge struct {
	cfg    Config
	reader chain.Reader
	http   *http.Client
	log    *slog.Logger
}

// New builds the adapter.
func New(cfg Config, reader chain.Reader) (*Bridge, error) {
	if cfg.APIBaseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "relaypool API base URL is required")
	}
	return &Bridge{
		cfg:    cfg,
		reader: reader,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    logger.Named("bridge.relaypool"),
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

func (b *Bridge) checkRoute(route bridge.Route) error {
	if !b.supportsAsset(route.Asset) {
		return fmt.Errorf("asset %s not supported by the pool", route.Asset)
	}
	if _, ok := b.cfg.Pools[route.Origin]; !ok {
		return fmt.Errorf("no pool deployed on chain %d", route.Origin)
	}
	if _, ok := b.cfg.Pools[route.Destination]; !ok {
		return fmt.Errorf("no pool deployed on chain %d", route.Destination)
	}
	return nil
}

func (b *Bridge) getJSON(ctx context.Context, endpoint string, params url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(b.cfg.APIBaseURL, "/")+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("pool API %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool API %s returned HTTP %d", endpoint, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pool API response: %w", err)
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode pool API response: %w", err)
	}
	return nil
}

// GetReceivedAmount implements bridge.Bridge.
func (b *Bridge) GetReceivedAmount(ctx context.Context, amount *big.Int, route bridge.Route) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "amount must be positive")
	}
	if err := b.checkRoute(route); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "relaypool route unavailable")
	}

	params := url.Values{}
	params.Set("originChainId", strconv.FormatUint(route.Origin, 10))
	params.Set("destinationChainId", strconv.FormatUint(route.Destination, 10))
	params.Set("token", route.Asset)
	params.Set("amount", amount.String())

	var payload struct {
		TotalRelayFee string `json:"totalRelayFee"`
	}
	if err := b.getJSON(ctx, "/suggested-fees", params, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "fetch suggested fees")
	}
	fee, ok := new(big.Int).SetString(payload.TotalRelayFee, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable,
			fmt.Sprintf("invalid relay fee %q", payload.TotalRelayFee))
	}
	if fee.Cmp(amount) >= 0 {
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "relay fee exceeds the transfer amount")
	}
	return new(big.Int).Sub(amount, fee), nil
}

// Send implements bridge.Bridge.
func (b *Bridge) Send(ctx context.Context, sender, recipient string, amount *big.Int, route bridge.Route) ([]bridge.SubTransaction, error) {
	if err := b.checkRoute(route); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "relaypool route unavailable")
	}
	token, ok := b.reader.TokenAddress(route.Origin, route.Asset)
	if !ok {
		return nil, xerrors.New(xerrors.CodeBuildFailed,
			fmt.Sprintf("token %s not configured on chain %d", route.Asset, route.Origin))
	}
	pool := common.HexToAddress(b.cfg.Pools[route.Origin])

	var sequence []bridge.SubTransaction
	approval, err := bridge.ApprovalStep(ctx, b.reader, route.Origin, token, common.HexToAddress(sender), pool, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "relaypool approval check failed")
	}
	if approval != nil {
		sequence = append(sequence, *approval)
	}

	data, err := poolABI.Pack("deposit", common.HexToAddress(recipient), token, amount,
		new(big.Int).SetUint64(route.Destination))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "encode pool deposit")
	}
	sequence = append(sequence, bridge.SubTransaction{
		Tag: bridge.TagRebalance,
		Tx: chain.TxRequest{
			ChainID: route.Origin,
			To:      &pool,
			Data:    data,
		},
	})
	return sequence, nil
}

// ReadyOnDestination implements bridge.Bridge. Fills happen entirely on
// the relayer side; the pool API reports when the deposit has been filled
// on the destination chain.
func (b *Bridge) ReadyOnDestination(ctx context.Context, _ *big.Int, route bridge.Route, receipt *types.Receipt) bool {
	params := url.Values{}
	params.Set("originChainId", strconv.FormatUint(route.Origin, 10))
	params.Set("depositTxHash", receipt.TxHash.Hex())

	var payload struct {
		Status string `json:"status"`
	}
	if err := b.getJSON(ctx, "/deposit-status", params, &payload); err != nil {
		b.log.Warn("fill status lookup failed",
			slog.String("route", route.Key()),
			slog.String("origin_tx", receipt.TxHash.Hex()),
			slog.Any("error", err))
		return false
	}
	return payload.Status == "filled"
}

// DestinationCallback implements bridge.Bridge. Relayers deliver the
// destination funds, so there is nothing left to do.
func (b *Bridge) DestinationCallback(context.Context, bridge.Route, *types.Receipt) (*bridge.SubTransaction, error) {
	return nil, nil
}
