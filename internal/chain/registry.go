package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"CrossFlow/internal/chain/evm"
)

// client is the per-chain surface the registry dispatches to.
type client interface {
	Address() common.Address
	SubmitAndMonitor(ctx context.Context, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (*types.Receipt, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Close()
}

// Registry instantiates and dispatches to one chain client per configured
// chain. It implements both Submitter and Reader.
type Registry struct {
	defs    Definitions
	clients map[uint64]client
}

// NewRegistry loads chain definitions and dials a client per chain. The
// signing key is shared across chains, matching the single-agent model.
func NewRegistry(ctx context.Context, defs Definitions, privateKey string) (*Registry, error) {
	clients := make(map[uint64]client, len(defs.Chains))
	for id, def := range defs.Chains {
		c, err := evm.NewClient(ctx, evm.Config{
			ChainID:        id,
			Name:           def.Name,
			RPCURL:         def.RPCURL,
			PrivateKey:     privateKey,
			ConfirmTimeout: time.Duration(def.ConfirmSeconds) * time.Second,
		})
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, fmt.Errorf("initialise chain %d: %w", id, err)
		}
		clients[id] = c
	}
	if len(clients) == 0 {
		return nil, errors.New("no chains configured")
	}
	return &Registry{defs: defs, clients: clients}, nil
}

// NewRegistryWithClients builds a registry around pre-built clients. Used
// in tests.
func NewRegistryWithClients(defs Definitions, clients map[uint64]client) *Registry {
	return &Registry{defs: defs, clients: clients}
}

// Close releases all chain connections.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, c := range r.clients {
		if c != nil {
			c.Close()
		}
		delete(r.clients, id)
	}
}

// Chains returns the sorted list of configured chain ids.
func (r *Registry) Chains() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) client(chainID uint64) (client, error) {
	if r == nil {
		return nil, errors.New("chain registry not initialised")
	}
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	return c, nil
}

// Address implements Submitter.
func (r *Registry) Address(chainID uint64) (common.Address, error) {
	c, err := r.client(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return c.Address(), nil
}

// SubmitAndMonitor implements Submitter.
func (r *Registry) SubmitAndMonitor(ctx context.Context, tx TxRequest) (*types.Receipt, error) {
	c, err := r.client(tx.ChainID)
	if err != nil {
		return nil, err
	}
	return c.SubmitAndMonitor(ctx, tx.To, tx.Value, tx.Data, tx.GasLimit)
}

// TransactionReceipt implements Submitter.
func (r *Registry) TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	c, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return c.TransactionReceipt(ctx, hash)
}

// TokenAddress implements Reader.
func (r *Registry) TokenAddress(chainID uint64, asset string) (common.Address, bool) {
	if r == nil {
		return common.Address{}, false
	}
	def, ok := r.defs.Chains[chainID]
	if !ok {
		return common.Address{}, false
	}
	addr, ok := def.Tokens[asset]
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// WrappedNative implements Reader.
func (r *Registry) WrappedNative(chainID uint64) (string, common.Address, bool) {
	if r == nil {
		return "", common.Address{}, false
	}
	def, ok := r.defs.Chains[chainID]
	if !ok || def.WrappedNative == "" {
		return "", common.Address{}, false
	}
	addr, ok := r.TokenAddress(chainID, def.WrappedNative)
	if !ok {
		return "", common.Address{}, false
	}
	return def.WrappedNative, addr, true
}

// ERC20BalanceOf implements Reader.
func (r *Registry) ERC20BalanceOf(ctx context.Context, chainID uint64, token, account common.Address) (*big.Int, error) {
	c, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, token, PackBalanceOf(account))
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s on chain %d: %w", token.Hex(), chainID, err)
	}
	return UnpackBigInt(out)
}

// ERC20Allowance implements Reader.
func (r *Registry) ERC20Allowance(ctx context.Context, chainID uint64, token, owner, spender common.Address) (*big.Int, error) {
	c, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, token, PackAllowance(owner, spender))
	if err != nil {
		return nil, fmt.Errorf("allowance %s on chain %d: %w", token.Hex(), chainID, err)
	}
	return UnpackBigInt(out)
}

// NativeBalance implements Reader.
func (r *Registry) NativeBalance(ctx context.Context, chainID uint64, account common.Address) (*big.Int, error) {
	c, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return c.BalanceAt(ctx, account)
}

// CallContract implements Reader.
func (r *Registry) CallContract(ctx context.Context, chainID uint64, to common.Address, data []byte) ([]byte, error) {
	c, err := r.client(chainID)
	if err != nil {
		return nil, err
	}
	return c.CallContract(ctx, to, data)
}
