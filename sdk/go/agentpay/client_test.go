package agentpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitPaymentSendsIdempotencyKey(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "key-1" {
			t.Fatalf("expected idempotency key, got %q", got)
		}
		var submission PaymentSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		submitted = true
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Payment{ID: "pay-1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	created, err := client.SubmitPayment(context.Background(), PaymentSubmission{
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xR",
		Amount:    "25",
		Token:     "USDC",
		Chain:     "base",
	}, "key-1")
	if err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	if created.ID != "pay-1" {
		t.Fatalf("unexpected payment id: %s", created.ID)
	}
	if !submitted {
		t.Fatal("payment was not submitted")
	}
}

func TestListPaymentsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("agent_id") != "agent-1" {
			t.Fatalf("unexpected agent_id: %q", query.Get("agent_id"))
		}
		if query.Get("status") != "pending,failed" {
			t.Fatalf("unexpected status filter: %q", query.Get("status"))
		}
		if query.Get("limit") != "10" {
			t.Fatalf("unexpected limit: %q", query.Get("limit"))
		}
		_ = json.NewEncoder(w).Encode([]Payment{{ID: "pay-1"}, {ID: "pay-2"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	payments, err := client.ListPayments(context.Background(), ListPaymentsOptions{
		AgentID:  "agent-1",
		Statuses: []string{"pending", "failed"},
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
}

func TestGetPaymentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/payments/pay-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "payment not found",
				"code":  "PAYMENT_NOT_FOUND",
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetPayment(context.Background(), "pay-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "PAYMENT_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status code: %d", apiErr.StatusCode)
	}
}

func TestBatchLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/batches" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"batch_id": "batch-1"})
		case r.URL.Path == "/api/v1/batches/batch-1/execute" && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(BatchSummary{BatchID: "batch-1", Status: "completed", Total: 2, Completed: 2})
		case r.URL.Path == "/api/v1/batches/batch-1" && r.Method == http.MethodGet:
			if r.URL.Query().Get("items") != "true" {
				t.Fatalf("expected items=true, got %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(BatchProgress{BatchID: "batch-1", Total: 2, Completed: 2, Done: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	batchID, err := client.CreateBatch(context.Background(), BatchSubmission{
		AgentID: "agent-1",
		Items: []BatchInstruction{
			{Recipient: "0xA", Amount: "5", Token: "USDC", Chain: "base"},
			{Recipient: "0xB", Amount: "5", Token: "USDC", Chain: "base"},
		},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batchID != "batch-1" {
		t.Fatalf("unexpected batch id: %s", batchID)
	}

	summary, err := client.ExecuteBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	progress, err := client.BatchStatus(context.Background(), batchID, true)
	if err != nil {
		t.Fatalf("batch status: %v", err)
	}
	if !progress.Done {
		t.Fatalf("expected done batch, got %+v", progress)
	}
}

func TestSubmitSettlement(t *testing.T) {
	queued := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/settlements" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission SettlementSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.TxHash != "0xabc" || submission.MerchantID != "merchant-1" {
			t.Fatalf("unexpected submission: %+v", submission)
		}
		queued = true
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.SubmitSettlement(context.Background(), SettlementSubmission{
		PaymentID:  "pay-1",
		OrderID:    "order-1",
		TxHash:     "0xabc",
		Amount:     "25",
		Token:      "USDC",
		Network:    "base",
		MerchantID: "merchant-1",
	}); err != nil {
		t.Fatalf("submit settlement: %v", err)
	}
	if !queued {
		t.Fatal("settlement was not queued")
	}
}

func TestVerifySettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/verify" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.TxRef != "0xabc" {
			t.Fatalf("unexpected tx ref: %s", req.TxRef)
		}
		_ = json.NewEncoder(w).Encode(VerifyResult{TxRef: "0xabc", OrderID: req.OrderID, Valid: true, Confirmations: 12})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.VerifySettlement(context.Background(), VerifyRequest{
		TxRef:             "0xabc",
		OrderID:           "order-1",
		ExpectedAmount:    "50",
		ExpectedRecipient: "0xMerchant",
		Chain:             "base",
	})
	if err != nil {
		t.Fatalf("verify settlement: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid result: %+v", result)
	}
}
