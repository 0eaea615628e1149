package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/chain"
)

// Route identifies a liquidity corridor between two chains for one asset.
// It is pure configuration and is never mutated by the core.
type Route struct {
	Origin      uint64 `json:"origin" yaml:"origin"`
	Destination uint64 `json:"destination" yaml:"destination"`
	Asset       string `json:"asset" yaml:"asset"`
}

// Key returns the canonical route fragment used in ledger keys and
// generated transfer ids: <destination>-<origin>-<lowercased asset>.
func (r Route) Key() string {
	return fmt.Sprintf("%d-%d-%s", r.Destination, r.Origin, strings.ToLower(r.Asset))
}

func (r Route) String() string {
	return fmt.Sprintf("%s %d->%d", r.Asset, r.Origin, r.Destination)
}

// RouteConfig couples a route with its rebalancing thresholds. Preferences
// and Slippage are aligned by index; Slippage is expressed in basis points.
type RouteConfig struct {
	Route       `yaml:",inline"`
	Maximum     *big.Int
	Reserve     *big.Int
	Preferences []string
	Slippage    []uint64
}

// SlippageFor returns the slippage tolerance configured for the preference
// at index i, falling back to the last configured value when the slippage
// list is shorter than the preference list.
func (c RouteConfig) SlippageFor(i int) uint64 {
	if len(c.Slippage) == 0 {
		return 0
	}
	if i >= len(c.Slippage) {
		return c.Slippage[len(c.Slippage)-1]
	}
	return c.Slippage[i]
}

// Tag classifies a sub-transaction within a transfer sequence.
type Tag string

const (
	// TagApproval grants an operator contract spending rights.
	TagApproval Tag = "approval"
	// TagUnwrap converts a wrapped asset into its native form.
	TagUnwrap Tag = "unwrap"
	// TagWrap converts a native asset back into its wrapped form.
	TagWrap Tag = "wrap"
	// TagRebalance is the transfer-initiating call on the origin chain.
	TagRebalance Tag = "rebalance"
	// TagMint claims the transferred asset on the destination chain.
	TagMint Tag = "mint"
)

// SubTransaction is one step of a transfer sequence. Order inside the
// sequence is significant: approvals and unwraps always precede the
// rebalance call. EffectiveAmount, when set, overrides the amount recorded
// in the ledger for the whole transfer (for example after lot-size
// stepping on a custodial rail).
type SubTransaction struct {
	Tag             Tag
	Tx              chain.TxRequest
	EffectiveAmount *big.Int
}

// Bridge abstracts one settlement rail. Implementations fall into two
// behavioural classes: protocol bridges, where ReadyOnDestination is a
// passive poll and the callback is usually absent, and custodial rails,
// where ReadyOnDestination itself drives the second leg of the transfer.
type Bridge interface {
	// Type returns the rail identifier used in preference lists and on
	// ledger entries.
	Type() string

	// GetReceivedAmount quotes the amount the recipient nets after
	// rail-specific fees. It must not mutate state. Failures carry the
	// QUOTE_UNAVAILABLE error code.
	GetReceivedAmount(ctx context.Context, amount *big.Int, route Route) (*big.Int, error)

	// Send builds, without submitting, the ordered transaction sequence
	// that moves amount out on the origin chain. Failures carry the
	// BUILD_FAILED error code and never return a partial sequence.
	Send(ctx context.Context, sender, recipient string, amount *big.Int, route Route) ([]SubTransaction, error)

	// ReadyOnDestination reports whether the transfer behind the given
	// confirmed origin receipt has reached the point where a destination
	// action is safe. It returns false, never an error, on transient
	// failures; the sweeper retries next cycle.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route Route, receipt *types.Receipt) bool

	// DestinationCallback returns the destination-chain transaction that
	// finalises the transfer, or nil when no follow-up is needed. It must
	// be safe to call repeatedly before the returned transaction is
	// submitted.
	DestinationCallback(ctx context.Context, route Route, receipt *types.Receipt) (*SubTransaction, error)
}
