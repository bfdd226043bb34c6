// Package stellar implements ledger.Client on Horizon. The sequence counter
// is the account sequence number plus one, the next value a transaction may
// carry.
package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/deal_escrow/ledger"
)

const (
	amountDecimals = 7
	maxMemoBytes   = 28
	txTimeout      = 300
)

// Horizon is the slice of horizonclient.Client the adapter uses.
type Horizon interface {
	AccountDetail(request horizonclient.AccountRequest) (horizon.Account, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (horizon.Transaction, error)
}

type Client struct {
	horizon    Horizon
	passphrase string
	signer     *keypair.Full
	now        func() time.Time
}

// New builds a client that signs with secretSeed. An empty seed leaves the
// wallet uninitialized; a malformed one is an error.
func New(h Horizon, networkPassphrase, secretSeed string) (*Client, error) {
	c := &Client{horizon: h, passphrase: networkPassphrase, now: time.Now}
	if seed := strings.TrimSpace(secretSeed); seed != "" {
		kp, err := keypair.ParseFull(seed)
		if err != nil {
			return nil, fmt.Errorf("parse stellar secret: %w", err)
		}
		c.signer = kp
	}
	return c, nil
}

// Dial returns a client against horizonURL.
func Dial(horizonURL, networkPassphrase, secretSeed string) (*Client, error) {
	hc := &horizonclient.Client{
		HorizonURL: horizonURL,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
	return New(hc, networkPassphrase, secretSeed)
}

func (c *Client) Account() (ledger.Address, error) {
	if c.signer == nil {
		return "", ledger.ErrWalletNotInitialized
	}
	return ledger.Address(c.signer.Address()), nil
}

func (c *Client) ParseAddress(s string) (ledger.Address, error) {
	s = strings.TrimSpace(s)
	if _, err := strkey.Decode(strkey.VersionByteAccountID, s); err != nil {
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidAddress, s)
	}
	return ledger.Address(s), nil
}

func (c *Client) SequenceCounter(ctx context.Context, account ledger.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	acct, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: account.String()})
	if err != nil {
		return 0, c.classify(fmt.Errorf("account detail: %w", err))
	}
	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return 0, fmt.Errorf("account sequence: %w", err)
	}
	return uint64(seq) + 1, nil
}

func (c *Client) BroadcastTransfer(ctx context.Context, t ledger.Transfer) (*ledger.Ack, error) {
	if c.signer == nil {
		return nil, ledger.ErrWalletNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	amount, err := FormatAmount(t.Amount)
	if err != nil {
		return nil, err
	}
	if t.Sequence == 0 {
		return nil, fmt.Errorf("sequence must be positive")
	}

	source := txnbuild.NewSimpleAccount(t.From.String(), int64(t.Sequence-1))
	params := txnbuild.TransactionParams{
		SourceAccount:        &source,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeout)},
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: t.To.String(),
			Amount:      amount,
			Asset:       txnbuild.NativeAsset{},
		}},
	}
	if t.Memo != "" {
		params.Memo = txnbuild.MemoText(truncateMemo(t.Memo))
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	tx, err = tx.Sign(c.passphrase, c.signer)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	resp, err := c.horizon.SubmitTransaction(tx)
	if err != nil {
		return nil, c.classify(fmt.Errorf("submit transaction: %w", err))
	}
	hash := resp.Hash
	if hash == "" {
		hash, _ = tx.HashHex(c.passphrase)
	}
	return &ledger.Ack{Hash: hash}, nil
}

// FormatAmount renders a lumen amount with the seven decimals Horizon
// expects. Finer amounts are rejected rather than rounded.
func FormatAmount(amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("amount must be positive: %s", amount)
	}
	if !amount.Equal(amount.Truncate(amountDecimals)) {
		return "", fmt.Errorf("amount %s has more than %d decimals", amount, amountDecimals)
	}
	return amount.StringFixed(amountDecimals), nil
}

func truncateMemo(memo string) string {
	if len(memo) <= maxMemoBytes {
		return memo
	}
	return strings.ToValidUTF8(memo[:maxMemoBytes], "")
}

func (c *Client) classify(err error) error {
	var herr *horizonclient.Error
	if !errors.As(err, &herr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return ledger.Transient(err)
		}
		return err
	}

	status := herr.Problem.Status
	if herr.Response != nil && herr.Response.StatusCode != 0 {
		status = herr.Response.StatusCode
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if herr.Response != nil {
			if wait, ok := ledger.ParseRetryAfter(herr.Response.Header.Get("Retry-After"), c.now()); ok {
				return &ledger.RetryAfterError{Wait: wait, Err: err}
			}
		}
		return ledger.Transient(err)
	case http.StatusGatewayTimeout:
		return ledger.Transient(err)
	}
	if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil && codes.TransactionCode == "tx_bad_seq" {
		return ledger.Transient(err)
	}
	return err
}
