package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/lock"
	"github.com/deal_escrow/model"
)

// TransferRequest asks the executor to move native value out of the agent
// account. Reference correlates retries of the same payment: a reference
// already acknowledged is never paid twice.
type TransferRequest struct {
	Reference   string
	Feature     string
	Destination string
	Amount      decimal.Decimal
	Memo        string
}

type TransferResult struct {
	Reference   string          `json:"reference"`
	TraceRef    string          `json:"traceRef"`
	Hash        string          `json:"hash,omitempty"`
	Account     string          `json:"account"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Sequence    uint64          `json:"sequence"`
	Attempts    int             `json:"attempts"`
	SentAt      time.Time       `json:"sentAt"`
	// Duplicate is set when the result came from an earlier acknowledgment.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Evidence is what a deal records as proof of settlement: the ledger hash
// when the node returned one, the trace reference otherwise.
func (r *TransferResult) Evidence() string {
	if r.Hash != "" {
		return r.Hash
	}
	return r.TraceRef
}

// TransferJournal persists outbound transfers. *repository.TransferRepository
// implements it.
type TransferJournal interface {
	FindAcknowledged(ctx context.Context, reference string) (*model.OutboundTransfer, error)
	LastSequence(ctx context.Context, account string) (uint64, bool, error)
	Record(ctx context.Context, t *model.OutboundTransfer) error
}

// SettlementExecutor sends transfers from the agent account. Every send for
// one account runs under that account's lock, from the sequence fetch to the
// acknowledgment, including retry waits. Transfers are always signed with the
// node's current counter; a counter at or below the last acknowledged value
// is retried as a lagging node.
type SettlementExecutor struct {
	client  ledger.Client
	locker  lock.Locker
	journal TransferJournal
	policy  RetryPolicy
	log     *zap.Logger
	now     func() time.Time
	sleep   sleeper

	mu        sync.Mutex
	highWater map[ledger.Address]uint64
	acked     map[string]*TransferResult
}

// NewSettlementExecutor wires an executor. A nil locker falls back to an
// in-process lock; a nil journal keeps acknowledgments in memory only.
func NewSettlementExecutor(client ledger.Client, locker lock.Locker, journal TransferJournal, policy RetryPolicy, log *zap.Logger) *SettlementExecutor {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SettlementExecutor{
		client:    client,
		locker:    locker,
		journal:   journal,
		policy:    policy.withDefaults(),
		log:       log.Named("settlement"),
		now:       time.Now,
		sleep:     sleepCtx,
		highWater: make(map[ledger.Address]uint64),
		acked:     make(map[string]*TransferResult),
	}
}

// AmountFromFloat converts a caller-supplied float amount.
func AmountFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, f)
	}
	return decimal.NewFromFloat(f), nil
}

// ParseAddress validates a destination with the executor's ledger client.
func (e *SettlementExecutor) ParseAddress(s string) (ledger.Address, error) {
	return e.client.ParseAddress(s)
}

func (e *SettlementExecutor) Send(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	dest, err := e.client.ParseAddress(req.Destination)
	if err != nil {
		return nil, err
	}
	account, err := e.client.Account()
	if err != nil {
		return nil, err
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}
	if req.Feature == "" {
		req.Feature = "transfer"
	}
	log := e.log.With(
		zap.String("reference", req.Reference),
		zap.String("feature", req.Feature),
		zap.String("account", account.String()),
	)

	unlock, err := e.locker.Lock(ctx, "account:"+account.String())
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", account, err)
	}
	defer unlock()

	prior, err := e.findAcknowledged(ctx, req.Reference)
	if err != nil {
		return nil, fmt.Errorf("transfer journal: %w", err)
	}
	if prior != nil {
		log.Warn("transfer already acknowledged, not resending", zap.String("trace_ref", prior.TraceRef))
		return prior, nil
	}

	floor, known, err := e.lastSequence(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("transfer journal: %w", err)
	}

	var (
		attempts int
		sequence uint64
	)
	ack, err := withLedgerRetry(ctx, e.policy, e.sleep, func(ctx context.Context, attempt int) (*ledger.Ack, error) {
		attempts = attempt
		seq, err := e.client.SequenceCounter(ctx, account)
		if err != nil {
			log.Warn("sequence fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		if known && seq <= floor {
			// never sign ahead of the node; refetch until it catches up
			log.Warn("node sequence behind last acknowledged",
				zap.Int("attempt", attempt), zap.Uint64("node", seq), zap.Uint64("acknowledged", floor))
			return nil, ledger.Transient(fmt.Errorf("%w: node at %d, acknowledged %d", ErrSequenceLag, seq, floor))
		}
		sequence = seq

		ack, err := e.client.BroadcastTransfer(ctx, ledger.Transfer{
			From:     account,
			To:       dest,
			Amount:   req.Amount,
			Memo:     req.Memo,
			Sequence: seq,
		})
		if err != nil {
			log.Warn("broadcast failed",
				zap.Int("attempt", attempt), zap.Uint64("sequence", seq),
				zap.Bool("transient", ledger.IsTransient(err)), zap.Error(err))
			return nil, err
		}
		return ack, nil
	})
	if err != nil {
		e.recordFailure(ctx, log, req, account, dest, sequence, attempts, err)
		return nil, err
	}

	sentAt := e.now().UTC()
	res := &TransferResult{
		Reference:   req.Reference,
		TraceRef:    fmt.Sprintf("%s_%d_%d_%s", req.Feature, sentAt.UnixMilli(), sequence, account.Suffix(8)),
		Hash:        ack.Hash,
		Account:     account.String(),
		Destination: dest.String(),
		Amount:      req.Amount,
		Sequence:    sequence,
		Attempts:    attempts,
		SentAt:      sentAt,
	}

	e.mu.Lock()
	e.highWater[account] = sequence
	if e.journal == nil {
		e.acked[req.Reference] = res
	}
	e.mu.Unlock()

	if e.journal != nil {
		// The transfer is on the ledger; a journal failure must not turn it
		// into an error the caller would retry.
		if err := e.journal.Record(context.WithoutCancel(ctx), &model.OutboundTransfer{
			Reference:   req.Reference,
			Feature:     req.Feature,
			Account:     account.String(),
			Destination: dest.String(),
			Amount:      req.Amount,
			Memo:        req.Memo,
			Sequence:    sequence,
			TraceRef:    res.TraceRef,
			Hash:        res.Hash,
			Status:      model.TransferAcknowledged,
			Attempts:    attempts,
		}); err != nil {
			log.Error("journal acknowledged transfer", zap.String("trace_ref", res.TraceRef), zap.Error(err))
		}
	}

	log.Info("transfer acknowledged",
		zap.String("trace_ref", res.TraceRef),
		zap.String("hash", res.Hash),
		zap.Uint64("sequence", sequence),
		zap.Int("attempts", attempts))
	return res, nil
}

func (e *SettlementExecutor) findAcknowledged(ctx context.Context, reference string) (*TransferResult, error) {
	if e.journal == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if r, ok := e.acked[reference]; ok {
			dup := *r
			dup.Duplicate = true
			return &dup, nil
		}
		return nil, nil
	}

	t, err := e.journal.FindAcknowledged(ctx, reference)
	if err != nil || t == nil {
		return nil, err
	}
	return &TransferResult{
		Reference:   t.Reference,
		TraceRef:    t.TraceRef,
		Hash:        t.Hash,
		Account:     t.Account,
		Destination: t.Destination,
		Amount:      t.Amount,
		Sequence:    t.Sequence,
		Attempts:    t.Attempts,
		SentAt:      t.UpdatedAt,
		Duplicate:   true,
	}, nil
}

// lastSequence is the highest sequence this process or the journal has seen
// acknowledged for account.
func (e *SettlementExecutor) lastSequence(ctx context.Context, account ledger.Address) (uint64, bool, error) {
	e.mu.Lock()
	hw, ok := e.highWater[account]
	e.mu.Unlock()
	if ok || e.journal == nil {
		return hw, ok, nil
	}

	seq, found, err := e.journal.LastSequence(ctx, account.String())
	if err != nil || !found {
		return 0, false, err
	}
	e.mu.Lock()
	if cur, ok := e.highWater[account]; !ok || cur < seq {
		e.highWater[account] = seq
	}
	e.mu.Unlock()
	return seq, true, nil
}

func (e *SettlementExecutor) recordFailure(ctx context.Context, log *zap.Logger, req TransferRequest, account, dest ledger.Address, seq uint64, attempts int, cause error) {
	log.Error("transfer failed", zap.Int("attempts", attempts), zap.Error(cause))
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(context.WithoutCancel(ctx), &model.OutboundTransfer{
		Reference:   req.Reference,
		Feature:     req.Feature,
		Account:     account.String(),
		Destination: dest.String(),
		Amount:      req.Amount,
		Memo:        req.Memo,
		Sequence:    seq,
		Status:      model.TransferFailed,
		Attempts:    attempts,
		LastError:   cause.Error(),
	}); err != nil {
		log.Error("journal failed transfer", zap.Error(err))
	}
}
