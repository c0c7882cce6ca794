package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/payments", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(agentpay.Payment{
				ID:      "pay-demo",
				AgentID: "agent-demo",
				Amount:  "25",
				Token:   "USDC",
				Chain:   "base",
				Status:  "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/payments/pay-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.Payment{
			ID:       "pay-demo",
			AgentID:  "agent-demo",
			Amount:   "25",
			Token:    "USDC",
			Chain:    "base",
			Status:   "executed",
			TxRef:    "0xdeadbeef",
			Strategy: "gasless_relay",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitPayment(ctx, agentpay.PaymentSubmission{
		AgentID:   "agent-demo",
		Owner:     "owner-demo",
		Recipient: "0x1111111111111111111111111111111111111111",
		Amount:    "25",
		Token:     "USDC",
		Chain:     "base",
	}, "demo-key-1")
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted payment %s (status=%s)\n", created.ID, created.Status)

	detail, err := client.GetPayment(ctx, created.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("payment %s settled via %s tx=%s\n", detail.ID, detail.Strategy, detail.TxRef)
}
