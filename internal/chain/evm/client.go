// Package evm implements chain access for EVM compatible chains on top of
// go-ethereum's ethclient.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "CrossFlow/internal/errors"
)

// Config describes how to construct an EVM client.
type Config struct {
	ChainID        uint64
	Name           string
	RPCURL         string
	PrivateKey     string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client wraps an ethclient connection for one chain together with the
// signing key used for rebalancing transactions.
type Client struct {
	chainID        *big.Int
	name           string
	rpcClient      *gethrpc.Client
	eth            backend
	key            *ecdsa.PrivateKey
	address        common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// backend mirrors the subset of ethclient methods the client relies on, so
// tests can substitute a scripted implementation.
type backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// NewClient dials the configured RPC endpoint and derives the signing
// address from the private key.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("missing RPC endpoint")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("missing chain id")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key for chain %d: %w", cfg.ChainID, err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", cfg.ChainID, err)
	}

	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 5 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}

	return &Client{
		chainID:        new(big.Int).SetUint64(cfg.ChainID),
		name:           cfg.Name,
		rpcClient:      rpcClient,
		eth:            ethclient.NewClient(rpcClient),
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		confirmTimeout: confirm,
		pollInterval:   poll,
	}, nil
}

// NewClientWithBackend wires a client around a scripted backend. Used in
// tests.
func NewClientWithBackend(chainID uint64, key *ecdsa.PrivateKey, b backend) *Client {
	return &Client{
		chainID:        new(big.Int).SetUint64(chainID),
		eth:            b,
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		confirmTimeout: time.Minute,
		pollInterval:   time.Millisecond,
	}
}

// Close releases the network connection held by the client.
func (c *Client) Close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
	c.rpcClient = nil
}

// Address returns the agent's address on this chain.
func (c *Client) Address() common.Address {
	return c.address
}

// SubmitAndMonitor signs and broadcasts the call, then waits for it to be
// mined. Reverted or unconfirmed transactions are reported as
// SUBMISSION_FAILED errors.
func (c *Client) SubmitAndMonitor(ctx context.Context, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (*coretypes.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client not initialised")
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "fetch nonce")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "fetch gas price")
	}
	if value == nil {
		value = new(big.Int)
	}
	if gasLimit == 0 {
		gasLimit, err = c.eth.EstimateGas(ctx, gethcore.CallMsg{
			From:  c.address,
			To:    to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "estimate gas")
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "sign transaction")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "broadcast transaction")
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeSubmissionFailed,
			fmt.Sprintf("transaction %s reverted", signed.Hash().Hex()))
	}
	return receipt, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "poll receipt")
		}
		select {
		case <-waitCtx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, waitCtx.Err(),
				fmt.Sprintf("transaction %s not confirmed", hash.Hex()))
		case <-ticker.C:
		}
	}
}

// TransactionReceipt returns the mined receipt, or nil when the
// transaction is not found yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client not initialised")
	}
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// CallContract executes a read-only call against this chain.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client not initialised")
	}
	return c.eth.CallContract(ctx, gethcore.CallMsg{From: c.address, To: &to, Data: data}, nil)
}

// BalanceAt returns the native balance of an account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain client not initialised")
	}
	return c.eth.BalanceAt(ctx, account, nil)
}
