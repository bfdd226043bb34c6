package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/deal_escrow/dbtest"
	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/model"
	"github.com/deal_escrow/notify"
	"github.com/deal_escrow/repository"
)

const agentAccount = ledger.Address("addr_agent_0000000000000000abcdef12")

// fakeLedger accepts addresses starting with "addr_" and behaves like a node
// that rejects a sequence value it has already seen. With lag set, the next
// lagFetches counter reads trail by lag. A frozen node acknowledges every
// broadcast but its counter never moves, as when transfers are dropped.
type fakeLedger struct {
	mu         sync.Mutex
	account    ledger.Address
	next       uint64
	lag        uint64
	lagFetches int
	frozen     bool
	failures   []error
	sent     []ledger.Transfer
	seen     map[uint64]bool

	parseCalls int
	seqCalls   int
	broadcasts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{account: agentAccount, next: 1, seen: make(map[uint64]bool)}
}

func (f *fakeLedger) Account() (ledger.Address, error) {
	if f.account == "" {
		return "", ledger.ErrWalletNotInitialized
	}
	return f.account, nil
}

func (f *fakeLedger) ParseAddress(s string) (ledger.Address, error) {
	f.mu.Lock()
	f.parseCalls++
	f.mu.Unlock()
	if !strings.HasPrefix(s, "addr_") {
		return "", ledger.ErrInvalidAddress
	}
	return ledger.Address(s), nil
}

func (f *fakeLedger) SequenceCounter(context.Context, ledger.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqCalls++
	if f.lagFetches > 0 && f.next > f.lag {
		f.lagFetches--
		return f.next - f.lag, nil
	}
	return f.next, nil
}

func (f *fakeLedger) BroadcastTransfer(_ context.Context, t ledger.Transfer) (*ledger.Ack, error) {
	// widen the window between fetch and broadcast for the concurrency test
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	if f.frozen {
		f.sent = append(f.sent, t)
		return &ledger.Ack{}, nil
	}
	if f.seen[t.Sequence] {
		return nil, ledger.Transient(errors.New("sequence already used"))
	}
	f.seen[t.Sequence] = true
	if t.Sequence >= f.next {
		f.next = t.Sequence + 1
	}
	f.sent = append(f.sent, t)
	return &ledger.Ack{}, nil
}

func (f *fakeLedger) sentTransfers() []ledger.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Transfer(nil), f.sent...)
}

type recordingAlerter struct {
	mu  sync.Mutex
	got []notify.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

func (r *recordingAlerter) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, a := range r.got {
		out = append(out, a.Kind)
	}
	return out
}

type fakeGifts struct {
	err  error
	sent []GiftTransfer
}

func (g *fakeGifts) SendGift(_ context.Context, t GiftTransfer) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.sent = append(g.sent, t)
	return "msg_42", nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	db       *gorm.DB
	svc      *DealService
	ledger   *fakeLedger
	executor *SettlementExecutor
	idem     *IdempotencyLedger
	alerts   *recordingAlerter
	gifts    *fakeGifts
	clock    *testClock
	deals    *repository.DealRepository
	stats    *repository.StatsRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	h := &harness{
		db:     db,
		ledger: newFakeLedger(),
		alerts: &recordingAlerter{},
		gifts:  &fakeGifts{},
		clock:  &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		deals:  repository.NewDealRepository(db),
		stats:  repository.NewStatsRepository(db),
	}
	h.idem = NewIdempotencyLedger(repository.NewUsedTransactionRepository(db))
	h.executor = NewSettlementExecutor(h.ledger, nil, repository.NewTransferRepository(db),
		RetryPolicy{MaxAttempts: 3, Backoff: time.Second, MaxWait: time.Minute}, nil)
	h.executor.sleep = func(context.Context, time.Duration) error { return nil }
	h.executor.now = h.clock.Now

	h.svc = NewDealService(DealDeps{
		Deals:        h.deals,
		Stats:        h.stats,
		Ledger:       h.idem,
		Settler:      h.executor,
		Gifts:        h.gifts,
		Alerter:      h.alerts,
		ExpiryWindow: 2 * time.Minute,
	})
	h.svc.now = h.clock.Now
	return h
}

func giftForNative() ProposeRequest {
	return ProposeRequest{
		UserID:     1001,
		UserName:   "alice",
		ChatID:     "chat-1",
		UserGives:  model.GiftLeg("gift-7", "plush-pepe", decimal.RequireFromString("3")),
		AgentGives: model.NativeLeg(decimal.RequireFromString("2.5"), decimal.RequireFromString("2.5")),
	}
}

func nativeForGift() ProposeRequest {
	return ProposeRequest{
		UserID:     1002,
		UserName:   "bob",
		ChatID:     "chat-2",
		UserGives:  model.NativeLeg(decimal.NewFromInt(5), decimal.NewFromInt(5)),
		AgentGives: model.GiftLeg("gift-9", "star", decimal.RequireFromString("4.8")),
	}
}

// verified drives a fresh deal to verified with txRef.
func (h *harness) verified(t *testing.T, req ProposeRequest, txRef string) *model.Deal {
	t.Helper()
	ctx := context.Background()
	deal, err := h.svc.Propose(ctx, req)
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, deal.ID)
	require.NoError(t, err)
	_, err = h.svc.ClaimPayment(ctx, deal.ID, PaymentClaim{TxRef: txRef, WalletAddress: "addr_user_wallet_1", GiftMessageID: "gift-msg-1"})
	require.NoError(t, err)
	deal, err = h.svc.VerifyPayment(ctx, deal.ID, txRef)
	require.NoError(t, err)
	return deal
}
