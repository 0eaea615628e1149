package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"CrossFlow/internal/chain"
)

// ApprovalStep returns the Approval sub-transaction needed before a spender
// contract can move amount of the owner's tokens, or nil when the current
// allowance already covers it.
func ApprovalStep(ctx context.Context, reader chain.Reader, chainID uint64, token, owner, spender common.Address, amount *big.Int) (*SubTransaction, error) {
	allowance, err := reader.ERC20Allowance(ctx, chainID, token, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("check allowance for %s: %w", token.Hex(), err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	return &SubTransaction{
		Tag: TagApproval,
		Tx: chain.TxRequest{
			ChainID: chainID,
			To:      &token,
			Data:    chain.PackApprove(spender, amount),
		},
	}, nil
}
