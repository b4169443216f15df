package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/config"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockWallet implements the Wallet interface for testing.
type mockWallet struct {
	nextIndex uint32
	transfers map[uint32][]walletrpc.IncomingTransfer
	outgoing  []walletrpc.Destination
}

func newMockWallet() *mockWallet {
	return &mockWallet{transfers: make(map[uint32][]walletrpc.IncomingTransfer)}
}

func (m *mockWallet) GetHeight(ctx context.Context) (uint64, error) {
	return 3_300_000, nil
}

func (m *mockWallet) CreateAddress(ctx context.Context, account uint32, label string) (*walletrpc.Subaddress, error) {
	m.nextIndex++
	return &walletrpc.Subaddress{
		Address: "8" + strings.Repeat("B", 94),
		Index:   m.nextIndex,
	}, nil
}

func (m *mockWallet) GetTransfers(ctx context.Context, account uint32, indices []uint32) ([]walletrpc.IncomingTransfer, error) {
	var out []walletrpc.IncomingTransfer
	for _, idx := range indices {
		out = append(out, m.transfers[idx]...)
	}
	return out, nil
}

func (m *mockWallet) GetTransferByTxid(ctx context.Context, txid string) (*walletrpc.IncomingTransfer, error) {
	return nil, &walletrpc.RPCError{Code: -8, Message: "not found"}
}

func (m *mockWallet) Transfer(ctx context.Context, account uint32, dests []walletrpc.Destination, priority uint32) (*walletrpc.TransferResult, error) {
	m.outgoing = append(m.outgoing, dests...)
	return &walletrpc.TransferResult{TxHash: strings.Repeat("ab", 32), Amount: dests[0].Amount}, nil
}

func (m *mockWallet) SweepSingle(ctx context.Context, address string, priority uint32) (*walletrpc.TransferResult, error) {
	return &walletrpc.TransferResult{TxHash: strings.Repeat("cd", 32)}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		WalletRPCURL:          "http://127.0.0.1:18083/json_rpc",
		FeeBps:                25,
		ConfirmationThreshold: 10,
		ReconcileInterval:     time.Minute,
		AllowedOrigins:        []string{"*"},
	}
}

func newTestServer(t *testing.T) (*Server, *mockWallet) {
	t.Helper()
	w := newMockWallet()
	s, err := New(testConfig(), WithWallet(w))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	s.ready.Store(true)
	return s, w
}

func doJSON(t *testing.T, s *Server, method, path, actor string, approved bool, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	if approved {
		req.Header.Set("X-Sensitive-Approved", "true")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeTrade(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Trade map[string]any `json:"trade"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, w.Body.String())
	}
	return resp.Trade
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz: got %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "wallet") {
		t.Fatalf("readyz should report the wallet subsystem: %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "escrowd_") {
		t.Fatal("metrics output should contain escrowd namespace")
	}
}

// TestFullTradeFlow walks a trade end to end over HTTP: create, assign the
// escrow address, reconcile a confirmed deposit, mark the fiat leg, then
// release.
func TestFullTradeFlow(t *testing.T) {
	s, wallet := newTestServer(t)

	payout := "4" + strings.Repeat("A", 94)
	refund := "4" + strings.Repeat("C", 94)

	// Create.
	w := doJSON(t, s, http.MethodPost, "/v1/trades", "buyer_1", false, map[string]any{
		"offerId":             "off_1",
		"sellerId":            "seller_1",
		"amountAtomic":        uint64(1_000_000_000_000),
		"offerMinAtomic":      uint64(100_000_000_000),
		"offerMaxAtomic":      uint64(10_000_000_000_000),
		"pricePerXmr":         "158.42",
		"currency":            "EUR",
		"buyerPayoutAddress":  payout,
		"sellerRefundAddress": refund,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", w.Code, w.Body.String())
	}
	tr := decodeTrade(t, w)
	tradeID := tr["id"].(string)
	if tr["state"] != "draft" {
		t.Fatalf("expected draft, got %v", tr["state"])
	}

	// Assign escrow address.
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/trades/%s/escrow-address", tradeID), "buyer_1", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("assign address: got %d, body %s", w.Code, w.Body.String())
	}
	tr = decodeTrade(t, w)
	if tr["state"] != "await_deposit" {
		t.Fatalf("expected await_deposit, got %v", tr["state"])
	}

	// Deposit lands with enough confirmations; reconcile picks it up.
	wallet.transfers[1] = []walletrpc.IncomingTransfer{
		{TxID: strings.Repeat("ef", 32), Amount: 1_000_000_000_000, Confirmations: 12},
	}
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/trades/%s/reconcile", tradeID), "", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: got %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"funded":true`) {
		t.Fatalf("expected funded reconciliation, body %s", w.Body.String())
	}

	// Buyer reports the fiat payment, seller confirms it.
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/trades/%s/payment-sent", tradeID), "buyer_1", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payment-sent: got %d, body %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/trades/%s/payment-confirmed", tradeID), "seller_1", true, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payment-confirmed: got %d, body %s", w.Code, w.Body.String())
	}

	// Release with the sensitive-action approval.
	w = doJSON(t, s, http.MethodPost, fmt.Sprintf("/v1/trades/%s/release", tradeID), "buyer_1", true, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: got %d, body %s", w.Code, w.Body.String())
	}
	if len(wallet.outgoing) != 1 {
		t.Fatalf("expected one outgoing transfer, got %d", len(wallet.outgoing))
	}
	if wallet.outgoing[0].Amount != 997_500_000_000 {
		t.Fatalf("expected release of 997500000000, got %d", wallet.outgoing[0].Amount)
	}

	// Final state and audit trail.
	w = doJSON(t, s, http.MethodGet, "/v1/trades/"+tradeID, "", false, nil)
	tr = decodeTrade(t, w)
	if tr["state"] != "completed" {
		t.Fatalf("expected completed, got %v", tr["state"])
	}

	w = doJSON(t, s, http.MethodGet, fmt.Sprintf("/v1/trades/%s/events", tradeID), "", false, nil)
	for _, want := range []string{"created", "escrow_address_assigned", "escrow_funded", "payment_sent", "payment_confirmed", "escrow_released"} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("event log missing %q: %s", want, w.Body.String())
		}
	}
}

func TestReleaseWithoutApprovalRejected(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/trades/trd_x/release", "buyer_1", false, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d, body %s", w.Code, w.Body.String())
	}
}

func TestUnknownTradeIs404(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/trades/trd_missing", "", false, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateRejectsBadAddress(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/trades", "buyer_1", false, map[string]any{
		"offerId":            "off_1",
		"sellerId":           "seller_1",
		"amountAtomic":       uint64(1_000_000_000_000),
		"offerMinAtomic":     uint64(1),
		"offerMaxAtomic":     uint64(10_000_000_000_000),
		"pricePerXmr":        "158.42",
		"currency":           "EUR",
		"buyerPayoutAddress": "not-an-address",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body %s", w.Code, w.Body.String())
	}
}
