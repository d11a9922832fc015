package gluepay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("unexpected body: %v", err)
		}
		if req.PaymentPayload.Network != "avalanche-fuji" {
			t.Errorf("unexpected network: %s", req.PaymentPayload.Network)
		}
		_ = json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: req.PaymentPayload.Payload.Authorization.From})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	resp, err := client.Verify(context.Background(), VerifyRequest{
		X402Version: X402Version,
		PaymentPayload: PaymentPayload{
			X402Version: X402Version,
			Scheme:      "eip3009",
			Network:     "avalanche-fuji",
			Payload: ExactPayload{
				Authorization: Authorization{From: "0x00000000000000000000000000000000000000aa"},
			},
		},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !resp.IsValid || resp.Payer != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAuthorizationStatusQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/authorizations/0xpayer/0xnonce" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("network") != "avalanche-fuji" {
			t.Errorf("unexpected network: %s", r.URL.Query().Get("network"))
		}
		_ = json.NewEncoder(w).Encode(AuthorizationStatus{
			Network: "avalanche-fuji",
			Payer:   "0xpayer",
			Nonce:   "0xnonce",
			Used:    true,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	status, err := client.AuthorizationStatus(context.Background(), "avalanche-fuji", "0xpayer", "0xnonce")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Used {
		t.Fatalf("expected used nonce, got %+v", status)
	}
}

func TestRegisterIdentityConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "domain already claimed",
			"code":  "DOMAIN_ALREADY_CLAIMED",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.RegisterIdentity(context.Background(), "0x00000000000000000000000000000000000000aa", "taken.eth")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "DOMAIN_ALREADY_CLAIMED" || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestRateAndFetchRatings(t *testing.T) {
	rated := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ratings":
			var rating Rating
			if err := json.NewDecoder(r.Body).Decode(&rating); err != nil {
				t.Errorf("decode rating: %v", err)
			}
			if rating.Score != 95 {
				t.Errorf("unexpected score: %d", rating.Score)
			}
			rated = true
			w.WriteHeader(http.StatusOK)
		case "/ratings/agent-b":
			_ = json.NewEncoder(w).Encode([]Rating{{Rater: "agent-a", Ratee: "agent-b", Role: "ratee-as-seller", Score: 95}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if err := client.Rate(context.Background(), Rating{Rater: "agent-a", Ratee: "agent-b", Role: "ratee-as-seller", Score: 95}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rated {
		t.Fatal("rating was not submitted")
	}

	ratings, err := client.GetRatingsFor(context.Background(), "agent-b")
	if err != nil {
		t.Fatalf("get ratings: %v", err)
	}
	if len(ratings) != 1 || ratings[0].Score != 95 {
		t.Fatalf("unexpected ratings: %+v", ratings)
	}
}
