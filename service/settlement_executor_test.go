package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal_escrow/dbtest"
	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/repository"
)

func newTestExecutor(l ledger.Client, journal TransferJournal) (*SettlementExecutor, *[]time.Duration) {
	e := NewSettlementExecutor(l, nil, journal, RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second, MaxWait: time.Minute}, nil)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func transfer(ref string) TransferRequest {
	return TransferRequest{
		Reference:   ref,
		Feature:     FeatureDeals,
		Destination: "addr_user_1",
		Amount:      decimal.RequireFromString("1.25"),
		Memo:        "Deal #" + ref,
	}
}

func TestSendTraceReference(t *testing.T) {
	fl := newFakeLedger()
	fl.next = 17
	e, _ := newTestExecutor(fl, nil)
	e.now = func() time.Time { return time.UnixMilli(1767225600123) }

	res, err := e.Send(context.Background(), transfer("deal_a"))
	require.NoError(t, err)
	assert.Equal(t, "deals_1767225600123_17_abcdef12", res.TraceRef)
	assert.Equal(t, uint64(17), res.Sequence)
	assert.Equal(t, 1, res.Attempts)

	sent := fl.sentTransfers()
	require.Len(t, sent, 1)
	assert.Equal(t, ledger.Address("addr_user_1"), sent[0].To)
	assert.Equal(t, "Deal #deal_a", sent[0].Memo)
}

func TestSendRejectsBeforeNetwork(t *testing.T) {
	t.Run("invalid address", func(t *testing.T) {
		fl := newFakeLedger()
		e, _ := newTestExecutor(fl, nil)
		req := transfer("r1")
		req.Destination = "not-an-address"

		_, err := e.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidAddress)
		assert.Zero(t, fl.seqCalls)
		assert.Zero(t, fl.broadcasts)
	})

	t.Run("wallet not initialized", func(t *testing.T) {
		fl := newFakeLedger()
		fl.account = ""
		e, _ := newTestExecutor(fl, nil)

		_, err := e.Send(context.Background(), transfer("r2"))
		assert.ErrorIs(t, err, ErrWalletNotInitialized)
		assert.Zero(t, fl.broadcasts)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		fl := newFakeLedger()
		e, _ := newTestExecutor(fl, nil)
		req := transfer("r3")
		req.Amount = decimal.Zero

		_, err := e.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Zero(t, fl.parseCalls)
	})
}

func TestSendHonorsSignalledWait(t *testing.T) {
	fl := newFakeLedger()
	fl.failures = []error{&ledger.RetryAfterError{Wait: 7 * time.Second, Err: errors.New("429")}}
	e, slept := newTestExecutor(fl, nil)

	res, err := e.Send(context.Background(), transfer("deal_wait"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
	assert.Equal(t, 2, fl.seqCalls, "sequence is refetched on every attempt")
}

func TestSendUsesBackoffWithoutSignal(t *testing.T) {
	fl := newFakeLedger()
	fl.failures = []error{ledger.Transient(errors.New("timeout"))}
	e, slept := newTestExecutor(fl, nil)

	_, err := e.Send(context.Background(), transfer("deal_backoff"))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestSendAbortsOnExcessiveWait(t *testing.T) {
	fl := newFakeLedger()
	fl.failures = []error{&ledger.RetryAfterError{Wait: 10 * time.Minute, Err: errors.New("429")}}
	e, slept := newTestExecutor(fl, nil)

	_, err := e.Send(context.Background(), transfer("deal_long"))
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, fl.broadcasts)
}

func TestSendExhaustsAttempts(t *testing.T) {
	fl := newFakeLedger()
	for i := 0; i < 3; i++ {
		fl.failures = append(fl.failures, ledger.Transient(fmt.Errorf("flood %d", i)))
	}
	e, _ := newTestExecutor(fl, nil)

	_, err := e.Send(context.Background(), transfer("deal_x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationFailed)
	var opErr *OperationFailedError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 3, opErr.Attempts)
	assert.Contains(t, opErr.Error(), "flood 2")
	assert.Empty(t, fl.sentTransfers())
}

func TestSendStopsOnPermanentFailure(t *testing.T) {
	fl := newFakeLedger()
	fl.failures = []error{errors.New("insufficient funds")}
	e, slept := newTestExecutor(fl, nil)

	_, err := e.Send(context.Background(), transfer("deal_poor"))
	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, 1, fl.broadcasts)
	assert.Empty(t, *slept)
}

func TestSendDoesNotPayReferenceTwice(t *testing.T) {
	fl := newFakeLedger()
	e, _ := newTestExecutor(fl, nil)

	first, err := e.Send(context.Background(), transfer("deal_once"))
	require.NoError(t, err)
	second, err := e.Send(context.Background(), transfer("deal_once"))
	require.NoError(t, err)

	assert.Len(t, fl.sentTransfers(), 1)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TraceRef, second.TraceRef)
}

func TestConcurrentSendsNeverReuseSequence(t *testing.T) {
	fl := newFakeLedger()
	e, _ := newTestExecutor(fl, nil)

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Send(context.Background(), transfer(fmt.Sprintf("payout_%d", i)))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sent := fl.sentTransfers()
	require.Len(t, sent, n)
	seen := map[uint64]bool{}
	for _, s := range sent {
		assert.False(t, seen[s.Sequence], "sequence %d reused", s.Sequence)
		seen[s.Sequence] = true
	}
	assert.Equal(t, n, fl.broadcasts, "no broadcast hit a used sequence")
}

func TestSendWaitsForLaggingNode(t *testing.T) {
	db := dbtest.Open(t)
	journal := repository.NewTransferRepository(db)

	fl := newFakeLedger()
	fl.next = 40
	e, _ := newTestExecutor(fl, journal)
	_, err := e.Send(context.Background(), transfer("deal_j1"))
	require.NoError(t, err)

	last, ok, err := journal.LastSequence(context.Background(), agentAccount.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(40), last)

	// A restarted process whose node is one read behind.
	fl.lag, fl.lagFetches = 5, 1
	restarted, slept := newTestExecutor(fl, journal)
	res, err := restarted.Send(context.Background(), transfer("deal_j2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(41), res.Sequence)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)

	dup, err := restarted.Send(context.Background(), transfer("deal_j1"))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Len(t, fl.sentTransfers(), 2)
}

func TestSendNeverSignsAheadOfNode(t *testing.T) {
	fl := newFakeLedger()
	fl.frozen = true
	e, slept := newTestExecutor(fl, nil)

	_, err := e.Send(context.Background(), transfer("payout_1"))
	require.NoError(t, err)

	for _, ref := range []string{"payout_2", "payout_3"} {
		_, err := e.Send(context.Background(), transfer(ref))
		assert.ErrorIs(t, err, ErrOperationFailed)
		assert.ErrorIs(t, err, ErrSequenceLag)
	}

	var signed []uint64
	for _, s := range fl.sentTransfers() {
		signed = append(signed, s.Sequence)
	}
	assert.Equal(t, []uint64{1}, signed)
	assert.Len(t, *slept, 4, "each stalled send backs off between its three reads")
}

func TestSendJournalsFailure(t *testing.T) {
	db := dbtest.Open(t)
	journal := repository.NewTransferRepository(db)
	fl := newFakeLedger()
	fl.failures = []error{errors.New("rejected")}
	e, _ := newTestExecutor(fl, journal)

	_, err := e.Send(context.Background(), transfer("deal_f"))
	require.Error(t, err)

	list, total, err := journal.ListByFeature(context.Background(), FeatureDeals, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "failed", string(list[0].Status))
	assert.True(t, strings.Contains(list[0].LastError, "rejected"))
}

func TestSendContextCancelledDuringWait(t *testing.T) {
	fl := newFakeLedger()
	fl.failures = []error{ledger.Transient(errors.New("busy"))}
	e := NewSettlementExecutor(fl, nil, nil, RetryPolicy{MaxAttempts: 3, Backoff: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Send(ctx, transfer("deal_c"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAmountFromFloat(t *testing.T) {
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := AmountFromFloat(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	d, err := AmountFromFloat(0.5)
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.5")))
}
