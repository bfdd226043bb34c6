// Package evm implements ledger.Client on an Ethereum-compatible JSON-RPC
// node. The account nonce is the sequence counter.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/wallet"
)

const (
	weiDecimals      = 18
	plainTransferGas = uint64(21000)
)

// Backend is the slice of ethclient.Client the adapter uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type Client struct {
	backend Backend
	keys    wallet.KeySource
	chainID *big.Int
}

// Dial connects to rpcURL. A missing key is not an error here; Account
// reports it when a transfer is attempted.
func Dial(ctx context.Context, rpcURL string, chainID int64, keys wallet.KeySource) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return New(ec, chainID, keys), nil
}

func New(backend Backend, chainID int64, keys wallet.KeySource) *Client {
	return &Client{backend: backend, keys: keys, chainID: big.NewInt(chainID)}
}

func (c *Client) Account() (ledger.Address, error) {
	if c.keys == nil {
		return "", ledger.ErrWalletNotInitialized
	}
	addr, err := wallet.Address(c.keys)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ledger.ErrWalletNotInitialized, err)
	}
	return ledger.Address(addr.Hex()), nil
}

// ParseAddress accepts a 0x-prefixed hex address and returns its checksummed
// form.
func (c *Client) ParseAddress(s string) (ledger.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ledger.ErrInvalidAddress)
	}
	return ledger.Address(addr.Hex()), nil
}

func (c *Client) SequenceCounter(ctx context.Context, account ledger.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, common.HexToAddress(account.String()))
	if err != nil {
		return 0, classify(fmt.Errorf("pending nonce: %w", err))
	}
	return nonce, nil
}

func (c *Client) BroadcastTransfer(ctx context.Context, t ledger.Transfer) (*ledger.Ack, error) {
	if c.keys == nil {
		return nil, ledger.ErrWalletNotInitialized
	}
	key, err := c.keys.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrWalletNotInitialized, err)
	}
	value, err := ToWei(t.Amount)
	if err != nil {
		return nil, err
	}

	from := common.HexToAddress(t.From.String())
	to := common.HexToAddress(t.To.String())
	var data []byte
	if t.Memo != "" {
		data = []byte(t.Memo)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("gas price: %w", err))
	}
	gas := plainTransferGas
	if len(data) > 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, classify(fmt.Errorf("estimate gas: %w", err))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    t.Sequence,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classify(fmt.Errorf("send tx: %w", err))
	}
	return &ledger.Ack{Hash: signed.Hash().Hex()}, nil
}

// ToWei converts a native amount to wei. Amounts finer than one wei are
// rejected rather than rounded.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %s", amount)
	}
	wei := amount.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, weiDecimals)
	}
	return wei.BigInt(), nil
}

var transientMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"txpool is full",
	"too many requests",
	"rate limit",
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError {
			return ledger.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ledger.Transient(err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return ledger.Transient(err)
		}
	}
	return err
}
