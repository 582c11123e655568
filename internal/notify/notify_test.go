package notify

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manaops/creditflow/pkg/ledger"
)

func TestFormatAmount(t *testing.T) {
	wei := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			t.Fatalf("bad big int %q", s)
		}
		return v
	}

	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0"},
		{big.NewInt(0), "0"},
		{wei("1000000000000000000"), "1"},
		{wei("1500000000000000000"), "1.5"},
		{wei("50000000000000000000"), "50"},
		{wei("1"), "0.000000000000000001"},
		{wei("123450000000000000000"), "123.45"},
	}

	for _, tt := range tests {
		if got := FormatAmount(tt.in); got != tt.want {
			t.Errorf("FormatAmount(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCreditUsedMessage(t *testing.T) {
	c := &ledger.Consumption{
		ID:          "0xabc-100-0xdef",
		CreditID:    "0xabc",
		Beneficiary: "0x1111",
		Amount:      big.NewInt(2e18),
		BlockHeight: 100,
		TxHash:      "0xdef",
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	msg := CreditUsedMessage(c)
	for _, want := range []string{"0xabc", "0x1111", "`2` MANA", "`100`", "2024-03-01T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestOrderMessages(t *testing.T) {
	o := &ledger.BridgeOrder{
		OrderHash:        "0xorder",
		FromAddress:      "0xfrom",
		ToAddress:        "0xto",
		CreditIDs:        []string{"a", "b"},
		TotalCreditsUsed: big.NewInt(3e18),
		FromChain:        137,
		ToChain:          1,
		TxHash:           "0xsource",
	}

	created := OrderCreatedMessage(o)
	for _, want := range []string{"0xorder", "`3` MANA", "2 credit(s)", "chain 137 -> chain 1", CrossChainScanURL("0xsource")} {
		if !strings.Contains(created, want) {
			t.Errorf("created message missing %q:\n%s", want, created)
		}
	}

	resolved := OrderResolvedMessage(o, "0xdest", "success")
	if !strings.Contains(resolved, "0xdest") || !strings.Contains(resolved, "`success`") {
		t.Errorf("resolved message missing destination details:\n%s", resolved)
	}

	noDest := OrderResolvedMessage(o, "", "")
	if !strings.Contains(noDest, "`confirmed`") {
		t.Errorf("resolved message without status should fall back to confirmed:\n%s", noDest)
	}
}

func TestChatClientSendAndUpdate(t *testing.T) {
	var gotPath string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %q", auth)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("missing X-Request-Id header")
		}
		_ = json.NewEncoder(w).Encode(chatResponse{OK: true, Channel: "C123", TS: "167.001"})
	}))
	defer srv.Close()

	client, err := NewChatClient(Config{BaseURL: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewChatClient: %v", err)
	}

	ref, err := client.Send(context.Background(), "credits", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/chat.postMessage" {
		t.Errorf("path = %s, want /chat.postMessage", gotPath)
	}
	if ref.Channel != "C123" || ref.ID != "167.001" {
		t.Errorf("ref = %+v", ref)
	}

	if err := client.Update(context.Background(), ref, "edited"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotPath != "/chat.update" || gotReq.TS != "167.001" {
		t.Errorf("update path=%s ts=%s", gotPath, gotReq.TS)
	}
}

func TestChatClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{OK: false, Error: "channel_not_found"})
	}))
	defer srv.Close()

	client, err := NewChatClient(Config{BaseURL: srv.URL, Token: "t"})
	if err != nil {
		t.Fatalf("NewChatClient: %v", err)
	}

	if _, err := client.Send(context.Background(), "missing", "hello"); err == nil {
		t.Error("expected api error")
	} else if !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("error should carry api reason: %v", err)
	}
}

func TestDisabledNotifier(t *testing.T) {
	var n Notifier = Disabled{}
	if _, err := n.Send(context.Background(), "c", "t"); err != ErrDisabled {
		t.Errorf("Send err = %v, want ErrDisabled", err)
	}
}
