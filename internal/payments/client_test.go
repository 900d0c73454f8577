package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateTransaction(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transaction/process" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MerchantId") != "m-1" || r.Header.Get("X-Secret") != "s-1" {
			t.Errorf("auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"transactionId": "ext-1", "status": "pending", "redirect": "https://pay.example/ext-1",
		})
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{
		BaseURL: srv.URL, MerchantID: "m-1", Secret: "s-1",
		ReturnURL: "https://bot.example/paid", FailedURL: "https://bot.example/failed",
	})
	tx, err := c.CreateTransaction(context.Background(), 500, "RUB", "Subscription, 1 month(s)", "tg:42")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.ID != "ext-1" || tx.Status != "pending" || tx.PayURL != "https://pay.example/ext-1" {
		t.Fatalf("transaction: %+v", tx)
	}

	details, _ := gotBody["paymentDetails"].(map[string]any)
	if details["amount"] != float64(500) || details["currency"] != "RUB" {
		t.Fatalf("payment details: %+v", details)
	}
	if gotBody["payload"] != "tg:42" || gotBody["paymentMethod"] != "card" {
		t.Fatalf("request body: %+v", gotBody)
	}
	if gotBody["return"] != "https://bot.example/paid" || gotBody["failedUrl"] != "https://bot.example/failed" {
		t.Fatalf("redirect urls: %+v", gotBody)
	}
}

func TestGetTransactionRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "ext-1", "status": "paid"})
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{BaseURL: srv.URL})
	tx, err := c.GetTransaction(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tx.Status != "paid" || attempts != 3 {
		t.Fatalf("tx=%+v attempts=%d", tx, attempts)
	}
}

func TestClientErrorsArePermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"message": "amount too small"})
	}))
	defer srv.Close()

	c := NewClient(ProviderConfig{BaseURL: srv.URL})
	_, err := c.GetTransaction(context.Background(), "ext-1")
	if err == nil || !strings.Contains(err.Error(), "amount too small") {
		t.Fatalf("error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("4xx must not be retried: %d attempts", attempts)
	}
}

func TestDecodeTransactionProviderKeys(t *testing.T) {
	tx := decodeTransaction([]byte(`{"transactionId":"t-1","redirect":"https://pay.example/x","status":"pending"}`))
	if tx.ID != "t-1" || tx.PayURL != "https://pay.example/x" || tx.Status != "pending" {
		t.Fatalf("provider keys not lifted: %+v", tx)
	}

	// Older responses used id and url.
	tx = decodeTransaction([]byte(`{"id":"t-2","url":"https://pay.example/y","status":"paid"}`))
	if tx.ID != "t-2" || tx.PayURL != "https://pay.example/y" {
		t.Fatalf("fallback keys not lifted: %+v", tx)
	}
}

func TestDecodeTransactionNonJSON(t *testing.T) {
	tx := decodeTransaction([]byte("<html>gateway error</html>"))
	if tx.ID != "" || tx.Fields["_raw"] != "<html>gateway error</html>" {
		t.Fatalf("non-json body: %+v", tx)
	}
}
