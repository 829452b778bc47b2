package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function","stateMutability":"view"}
]`

// The pool's withdraw entry point is spelled withdrawLiquidiy on chain.
const poolABIJSON = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"lockDuration","type":"uint64"},{"name":"interestBP","type":"uint64"}],"name":"depositLiquidity","outputs":[],"type":"function","stateMutability":"payable"},
	{"inputs":[{"name":"depositId","type":"uint256"}],"name":"withdrawLiquidiy","outputs":[],"type":"function","stateMutability":"nonpayable"},
	{"inputs":[{"name":"user","type":"address"},{"name":"index","type":"uint256"}],"name":"userDepositIds","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"}
]`

var (
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
	poolABI  = mustParseABI("pool", poolABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid %s abi: %v", name, err))
	}
	return parsed
}
