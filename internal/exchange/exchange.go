// Package exchange talks to the centralized exchange used as a settlement
// rail: deposit crediting, withdrawal initiation, and withdrawal tracking.
package exchange

import (
	"context"
	"math/big"
)

// DepositStatus is the exchange-side state of an on-chain deposit.
type DepositStatus string

const (
	DepositCredited DepositStatus = "credited"
	DepositPending  DepositStatus = "pending"
	DepositFailed   DepositStatus = "failed"
)

// WithdrawalStatus is the exchange-side state of a withdrawal order.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// DepositRecord describes one exchange deposit matched by its on-chain
// transaction hash.
type DepositRecord struct {
	TxHash string
	Status DepositStatus
	Amount *big.Int
}

// WithdrawalRecord describes one withdrawal order. TxHash is empty until
// the exchange has broadcast the withdrawal on the destination chain.
type WithdrawalRecord struct {
	OrderID string
	Status  WithdrawalStatus
	TxHash  string
	Amount  *big.Int
}

// WithdrawRequest initiates a withdrawal to an external address. The
// ClientOrderID is caller-derived and deterministic, so re-submitting the
// same request after a crash resolves to the existing order instead of
// creating a second withdrawal.
type WithdrawRequest struct {
	Asset         string
	ChainID       uint64
	Address       string
	Amount        *big.Int
	ClientOrderID string
}

// Client is the surface the custodial rail adapter depends on.
type Client interface {
	// DepositAddress returns the exchange deposit address for the asset on
	// the given chain.
	DepositAddress(ctx context.Context, asset string, chainID uint64) (string, error)

	// DepositByTxID looks a deposit up by its on-chain transaction hash.
	// Returns nil without error when the deposit is not visible yet.
	DepositByTxID(ctx context.Context, asset string, chainID uint64, txHash string) (*DepositRecord, error)

	// Withdraw initiates a withdrawal and returns the exchange order id.
	// Submitting the same ClientOrderID twice returns the original order.
	Withdraw(ctx context.Context, req WithdrawRequest) (string, error)

	// WithdrawalByID looks a withdrawal order up by exchange order id or
	// client order id. Returns nil without error when unknown.
	WithdrawalByID(ctx context.Context, orderID string) (*WithdrawalRecord, error)

	// WithdrawMinimum returns the smallest withdrawal the exchange accepts
	// for the asset on the given chain.
	WithdrawMinimum(ctx context.Context, asset string, chainID uint64) (*big.Int, error)

	// WithdrawFee returns the flat fee the exchange charges for
	// withdrawing the asset on the given chain.
	WithdrawFee(ctx context.Context, asset string, chainID uint64) (*big.Int, error)
}
