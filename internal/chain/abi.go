package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const wethABIJSON = `[
	{"name":"deposit","type":"function","stateMutability":"payable","inputs":[],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
]`

var (
	erc20ABI = MustParseABI(erc20ABIJSON)
	wethABI  = MustParseABI(wethABIJSON)
)

// MustParseABI parses a JSON ABI definition and panics on malformed input.
// Only used for compile-time constant ABIs.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse ABI: %v", err))
	}
	return parsed
}

// PackBalanceOf encodes an ERC20 balanceOf call.
func PackBalanceOf(account common.Address) []byte {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		panic(err)
	}
	return data
}

// PackAllowance encodes an ERC20 allowance call.
func PackAllowance(owner, spender common.Address) []byte {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		panic(err)
	}
	return data
}

// PackApprove encodes an ERC20 approve call.
func PackApprove(spender common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		panic(err)
	}
	return data
}

// PackTransfer encodes an ERC20 transfer call.
func PackTransfer(to common.Address, amount *big.Int) []byte {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		panic(err)
	}
	return data
}

// PackWETHDeposit encodes a WETH deposit call. The deposited amount rides
// in the transaction value.
func PackWETHDeposit() []byte {
	data, err := wethABI.Pack("deposit")
	if err != nil {
		panic(err)
	}
	return data
}

// PackWETHWithdraw encodes a WETH withdraw call.
func PackWETHWithdraw(amount *big.Int) []byte {
	data, err := wethABI.Pack("withdraw", amount)
	if err != nil {
		panic(err)
	}
	return data
}

// UnpackBigInt decodes a single uint256 return value.
func UnpackBigInt(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty contract return value")
	}
	values, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("decode uint256 return value: %w", err)
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type %T", values[0])
	}
	return out, nil
}
