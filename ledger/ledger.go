// Package ledger is the port between the settlement executor and a public
// ledger node. Adapters live in subpackages (evm, stellar).
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Address is a destination or account in the adapter's canonical form.
type Address string

func (a Address) String() string { return string(a) }

// Suffix returns the last n characters, used in trace references.
func (a Address) Suffix(n int) string {
	s := string(a)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Transfer is one signed outbound value transfer.
type Transfer struct {
	From     Address
	To       Address
	Amount   decimal.Decimal // native units
	Memo     string
	Sequence uint64
}

// Ack is the node's acknowledgment of a broadcast. Hash may be empty when the
// node does not return one before inclusion.
type Ack struct {
	Hash string
}

// Client is the capability the executor needs from a ledger node. Every
// method that talks to the network may block.
type Client interface {
	// Account returns the address of the signing wallet, or
	// ErrWalletNotInitialized when no key is configured.
	Account() (Address, error)
	ParseAddress(s string) (Address, error)
	SequenceCounter(ctx context.Context, account Address) (uint64, error)
	BroadcastTransfer(ctx context.Context, t Transfer) (*Ack, error)
}
