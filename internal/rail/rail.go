// Package rail submits USDC transfers to the on-chain settlement rail.
//
// The rail is treated as an opaque, possibly-failing remote call with
// eventual confirmation: callers get a transaction hash synchronously and
// must poll for the receipt to learn whether value actually moved. Errors
// are classified as transient (retry with backoff) or permanent (the rail
// rejected the transfer; never retried).
package rail

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/avernet/paylane/internal/money"
)

var (
	ErrInvalidPrivateKey = errors.New("rail: invalid private key")
	ErrInvalidAddress    = errors.New("rail: invalid address")
	ErrRPCConnection     = errors.New("rail: RPC connection failed")
	ErrTimeout           = errors.New("rail: operation timed out")
	ErrReverted          = errors.New("rail: transaction reverted")
)

// SubmitError wraps a submission failure with context.
type SubmitError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if available
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("rail: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("rail: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a rail rejection that retrying cannot
// fix. Timeouts and connection failures are unknown-outcome, not permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrReverted) || errors.Is(err, ErrInvalidAddress)
}

// Rail is the transfer surface consumed by the relayer and the settlement
// payout engine.
type Rail interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error)
	Address() string
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a rail client.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x prefix
	ChainID      int64
	USDCContract string
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) {
		c.client = ec
	}
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// TransferResult contains details of a submitted or confirmed transfer.
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      string // human-readable USDC amount
	AmountRaw   *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Client submits USDC transfers from the relayer's treasury address.
// Transfer is NOT safe for concurrent use against the same key: callers
// must serialize submissions per relayer identity so sequential account
// nonces are not raced.
type Client struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI
	pollInterval time.Duration
}

var _ Rail = (*Client)(nil)

// New creates a rail client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if cfg.USDCContract == "" {
		return nil, fmt.Errorf("USDC contract address required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
		pollInterval: ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// Address returns the relayer treasury address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// Balance returns the treasury's USDC balance as a decimal string.
func (c *Client) Balance(ctx context.Context) (string, error) {
	raw, err := c.BalanceOf(ctx, c.address)
	if err != nil {
		return "", err
	}
	return money.Format(raw), nil
}

// BalanceOf returns the USDC balance of any address.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrRPCConnection, err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Transfer sends USDC to a recipient and returns as soon as the
// transaction is accepted into the mempool. The caller owns confirmation.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error) {
	data, err := c.usdcABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, &SubmitError{Op: "pack", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &SubmitError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmitError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use the default if estimation fails; the send may still succeed.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &SubmitError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      c.address.Hex(),
		To:        to.Hex(),
		Amount:    money.Format(amount),
		AmountRaw: amount,
		Nonce:     nonce,
	}, nil
}

// WaitForConfirmation polls for the transaction receipt until it is mined
// or the timeout elapses. A timeout is an unknown outcome, not a failure:
// the transfer may still confirm later.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}

			if receipt.Status == 0 {
				return nil, &SubmitError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
			}

			return &TransferResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the underlying client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
