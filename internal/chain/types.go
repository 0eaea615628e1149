package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is an unsigned transaction intent targeting one chain. Signing,
// nonce management, and gas pricing are the submitter's concern.
type TxRequest struct {
	ChainID  uint64
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// Submitter signs, broadcasts, and monitors transactions on behalf of the
// rebalancing core. Every call must observe the context deadline; no call
// blocks indefinitely.
type Submitter interface {
	// SubmitAndMonitor broadcasts the request and waits for the receipt of
	// a successfully mined transaction. A reverted or timed-out
	// transaction is reported as an error carrying SUBMISSION_FAILED.
	SubmitAndMonitor(ctx context.Context, tx TxRequest) (*types.Receipt, error)

	// TransactionReceipt returns the receipt for a mined transaction, or
	// nil without error when the transaction is not yet mined.
	TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)

	// Address returns the agent's address on the given chain.
	Address(chainID uint64) (common.Address, error)
}

// Reader exposes the read-only chain and token metadata the rail adapters
// depend on. The registry implements both Reader and Submitter.
type Reader interface {
	// TokenAddress resolves a configured asset ticker to its token
	// contract on the given chain.
	TokenAddress(chainID uint64, asset string) (common.Address, bool)

	// WrappedNative reports the wrapped-native token configured for the
	// chain (for example WETH on mainnet).
	WrappedNative(chainID uint64) (string, common.Address, bool)

	// ERC20BalanceOf returns the token balance of an account.
	ERC20BalanceOf(ctx context.Context, chainID uint64, token, account common.Address) (*big.Int, error)

	// ERC20Allowance returns the amount a spender may move on behalf of
	// the owner.
	ERC20Allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) (*big.Int, error)

	// NativeBalance returns the native-asset balance of an account.
	NativeBalance(ctx context.Context, chainID uint64, account common.Address) (*big.Int, error)

	// CallContract executes a read-only contract call.
	CallContract(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error)
}
