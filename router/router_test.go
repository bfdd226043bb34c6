package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal_escrow/dbtest"
	"github.com/deal_escrow/handler"
	"github.com/deal_escrow/ledger"
	"github.com/deal_escrow/repository"
	"github.com/deal_escrow/service"
)

type stubLedger struct {
	mu  sync.Mutex
	seq uint64
}

func (s *stubLedger) Account() (ledger.Address, error) { return "addr_agent_12345678", nil }

func (s *stubLedger) ParseAddress(a string) (ledger.Address, error) {
	if !strings.HasPrefix(a, "addr_") {
		return "", ledger.ErrInvalidAddress
	}
	return ledger.Address(a), nil
}

func (s *stubLedger) SequenceCounter(context.Context, ledger.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *stubLedger) BroadcastTransfer(_ context.Context, t ledger.Transfer) (*ledger.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = t.Sequence + 1
	return &ledger.Ack{Hash: "0xfeed"}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	deals := repository.NewDealRepository(db)
	transfers := repository.NewTransferRepository(db)
	idem := service.NewIdempotencyLedger(repository.NewUsedTransactionRepository(db))
	exec := service.NewSettlementExecutor(&stubLedger{seq: 1}, nil, transfers, service.RetryPolicy{}, nil)

	svc := service.NewDealService(service.DealDeps{
		Deals:   deals,
		Stats:   repository.NewStatsRepository(db),
		Ledger:  idem,
		Settler: exec,
	})
	return SetupRouter(
		handler.NewDealHandler(svc, nil),
		handler.NewPayoutHandler(service.NewPayoutService(idem, exec, nil), transfers, nil),
		nil,
	)
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

var proposal = map[string]any{
	"userId":   7,
	"userName": "carol",
	"chatId":   "chat-7",
	"userGives": map[string]any{
		"type":   "gift",
		"giftId": "gift-1",
		"value":  "3",
	},
	"agentGives": map[string]any{
		"type":         "native",
		"nativeAmount": "2.5",
		"value":        "2.5",
	},
}

func TestDealLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w, deal := do(t, r, http.MethodPost, "/api/deals", proposal)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := deal["id"].(string)
	assert.Equal(t, "proposed", deal["status"])

	w, _ = do(t, r, http.MethodPost, "/api/deals/"+id+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/api/deals/"+id+"/accept", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])

	w, _ = do(t, r, http.MethodPost, "/api/deals/"+id+"/claim", map[string]any{
		"giftMessageId": "m-1",
		"walletAddress": "addr_carol",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, deal = do(t, r, http.MethodPost, "/api/deals/"+id+"/verify", map[string]any{"txRef": "tx-http"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "verified", deal["status"])

	w, deal = do(t, r, http.MethodPost, "/api/deals/"+id+"/settle", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", deal["status"])
	assert.Equal(t, "0xfeed", deal["agentSentTxHash"])

	w, stats := do(t, r, http.MethodGet, "/api/users/7/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, stats["completedDeals"])

	w, history := do(t, r, http.MethodGet, "/api/transfers?feature=deals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, history["total"])
}

func TestReplayOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w, _ := do(t, r, http.MethodPost, "/api/bets/credit", map[string]any{"txRef": "tx-dup", "playerId": "p1"})
	require.Equal(t, http.StatusOK, w.Code)
	w, body := do(t, r, http.MethodPost, "/api/bets/credit", map[string]any{"txRef": "tx-dup", "playerId": "p1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "REPLAYED_TRANSACTION", body["code"])
}

func TestErrorMapping(t *testing.T) {
	r := newTestRouter(t)

	w, body := do(t, r, http.MethodGet, "/api/deals/deal_nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	w, body = do(t, r, http.MethodPost, "/api/deals", map[string]any{"userId": 1, "chatId": "c"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", body["code"])

	w, body = do(t, r, http.MethodPost, "/api/payouts", map[string]any{"playerAddress": "nope", "amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ADDRESS", body["code"])

	w, body = do(t, r, http.MethodPost, "/api/payouts", map[string]any{"playerAddress": "addr_p", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_AMOUNT", body["code"])

	w, body = do(t, r, http.MethodGet, "/api/deals/liabilities", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["total"])

	w, _ = do(t, r, http.MethodGet, "/api/users/abc/stats", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClaimWithMalformedWalletOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	_, deal := do(t, r, http.MethodPost, "/api/deals", proposal)
	id := deal["id"].(string)
	w, _ := do(t, r, http.MethodPost, "/api/deals/"+id+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/api/deals/"+id+"/claim", map[string]any{
		"giftMessageId": "m-1",
		"walletAddress": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ADDRESS", body["code"])

	_, deal = do(t, r, http.MethodGet, "/api/deals/"+id, nil)
	assert.Equal(t, "accepted", deal["status"])
}

func TestPayoutOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w, res := do(t, r, http.MethodPost, "/api/payouts", map[string]any{
		"playerAddress": "addr_player",
		"amount":        2.5,
		"multiplier":    2.5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(res["traceRef"].(string), "payout_"))
	assert.Equal(t, "0xfeed", res["hash"])
}
