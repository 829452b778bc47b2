package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Backend is the subset of *ethclient.Client the EVM client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Signer holds the account that sends transactions.
type Signer interface {
	CurrentAddress(ctx context.Context) (common.Address, bool)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultGasBuffer    = 120 // percent applied to estimates and suggested prices
	defaultDecimals     = 18
)

// EVMClient reads token and pool state over JSON-RPC and submits signed
// legacy transactions for the configured account.
type EVMClient struct {
	backend      Backend
	signer       Signer
	pool         common.Address
	chainID      *big.Int
	gasLimit     uint64
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	// serialises nonce reads and sends for the single signing account
	sendMu sync.Mutex
}

type EVMOption func(*EVMClient)

func WithChainID(id *big.Int) EVMOption {
	return func(c *EVMClient) {
		if id != nil && id.Sign() > 0 {
			c.chainID = new(big.Int).Set(id)
		}
	}
}

// WithGasLimit pins the gas limit instead of estimating it.
func WithGasLimit(limit uint64) EVMOption {
	return func(c *EVMClient) {
		c.gasLimit = limit
	}
}

func WithPollInterval(d time.Duration) EVMOption {
	return func(c *EVMClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Dial connects to an RPC endpoint and checks it answers.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("rpc %s not responding: %w", rpcURL, err)
	}
	return client, nil
}

func NewEVMClient(backend Backend, pool common.Address, signer Signer, logger *zap.SugaredLogger, opts ...EVMOption) *EVMClient {
	c := &EVMClient{
		backend:      backend,
		signer:       signer,
		pool:         pool,
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EVMClient) Pool() common.Address {
	return c.pool
}

func (c *EVMClient) ReadAllowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	if token == NativeToken {
		return new(big.Int).Set(MaxUint256), nil
	}
	out, err := c.call(ctx, token, "allowance", erc20Call, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return bigOut(out)
}

func (c *EVMClient) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if token == NativeToken {
		bal, err := c.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("read native balance: %w", err)
		}
		return bal, nil
	}
	out, err := c.call(ctx, token, "balanceOf", erc20Call, owner)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return bigOut(out)
}

func (c *EVMClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if token == NativeToken {
		return defaultDecimals, nil
	}
	out, err := c.call(ctx, token, "decimals", erc20Call)
	if err != nil {
		return 0, fmt.Errorf("read decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected decimals output length %d", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return d, nil
}

func (c *EVMClient) DepositIDAt(ctx context.Context, owner common.Address, index uint64) (*big.Int, error) {
	out, err := c.call(ctx, c.pool, "userDepositIds", poolCall, owner, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, fmt.Errorf("read deposit id %d: %w", index, err)
	}
	return bigOut(out)
}

func (c *EVMClient) SubmitApproval(ctx context.Context, spender, token common.Address, amount *big.Int) (TxRef, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return "", fmt.Errorf("pack approve: %w", err)
	}
	return c.send(ctx, token, nil, data)
}

func (c *EVMClient) SubmitDeposit(ctx context.Context, call DepositCall) (TxRef, error) {
	data, err := poolABI.Pack("depositLiquidity", call.Token, call.Amount, call.LockSeconds, call.RateBasisPoints)
	if err != nil {
		return "", fmt.Errorf("pack depositLiquidity: %w", err)
	}
	return c.send(ctx, c.pool, call.Value, data)
}

func (c *EVMClient) SubmitWithdrawal(ctx context.Context, depositID *big.Int) (TxRef, error) {
	data, err := poolABI.Pack("withdrawLiquidiy", depositID)
	if err != nil {
		return "", fmt.Errorf("pack withdrawLiquidiy: %w", err)
	}
	return c.send(ctx, c.pool, nil, data)
}

// WaitForConfirmation polls for the receipt until it appears or ctx ends.
func (c *EVMClient) WaitForConfirmation(ctx context.Context, ref TxRef) (Receipt, error) {
	hash := ref.Hash()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		polls++
		switch {
		case err == nil && receipt != nil:
			out := Receipt{Ref: ref, Status: ReceiptConfirmed, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				out.Status = ReceiptReverted
			}
			c.logger.Infow("Transaction mined", "tx", ref, "status", out.Status, "block", out.BlockNumber, "polls", polls)
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			c.logger.Warnw("Receipt query failed", "tx", ref, "error", err)
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type contractKind int

const (
	erc20Call contractKind = iota
	poolCall
)

func (c *EVMClient) call(ctx context.Context, to common.Address, method string, kind contractKind, args ...interface{}) ([]interface{}, error) {
	parsed := erc20ABI
	if kind == poolCall {
		parsed = poolABI
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return parsed.Unpack(method, result)
}

func (c *EVMClient) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (TxRef, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	from, ok := c.signer.CurrentAddress(ctx)
	if !ok {
		return "", ErrNoSigner
	}
	if value == nil {
		value = big.NewInt(0)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice = withBuffer(gasPrice)

	gasLimit := c.gasLimit
	if gasLimit == 0 {
		estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return "", fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = estimate * DefaultGasBuffer / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := c.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		if errors.Is(err, ErrWalletRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrWalletRejected, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	ref := RefFromHash(signed.Hash())
	c.logger.Infow("Transaction submitted",
		"tx", ref,
		"from", from.Hex(),
		"to", to.Hex(),
		"nonce", nonce,
		"gas", gasLimit,
		"gasPrice", gasPrice.String(),
	)
	return ref, nil
}

func (c *EVMClient) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

func withBuffer(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(DefaultGasBuffer))
	return out.Div(out, big.NewInt(100))
}

func bigOut(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected output length %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", out[0])
	}
	return v, nil
}
