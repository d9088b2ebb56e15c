package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// 原始项目中使用的 preprod 收款地址
const preprodTreasury = "addr_test1qrl6f3gm0uph6vscjqs900yakynas5eu6puzcrua3kyt6q83uu458738004pap9qr9f3tmnck5y3pt9xcwyv58p7fsvsw570xn"

func testAddress(t *testing.T, hrp string, header byte, fill byte) string {
	t.Helper()
	raw := make([]byte, 57)
	raw[0] = header
	for i := 1; i < len(raw); i++ {
		raw[i] = fill
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	addr, err := bech32.Encode(hrp, conv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

func TestValidateAddress(t *testing.T) {
	mainnet := testAddress(t, "addr", 0x01, 0x11)
	testnet := testAddress(t, "addr_test", 0x00, 0x22)

	tests := []struct {
		name    string
		addr    string
		mainnet bool
		wantErr bool
	}{
		{"preprod treasury", preprodTreasury, false, false},
		{"generated testnet", testnet, false, false},
		{"generated mainnet", mainnet, true, false},
		{"testnet on mainnet", testnet, true, true},
		{"mainnet on testnet", mainnet, false, true},
		{"garbage", "addr_test1notanaddress", false, true},
		{"empty", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.addr, tt.mainnet)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAddress err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAddress) {
				t.Fatalf("err = %v, want ErrInvalidAddress", err)
			}
		})
	}
}

func TestKoiosTxStatus(t *testing.T) {
	var gotAuth string
	var gotBody map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tx_status" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		switch gotBody["_tx_hashes"][0] {
		case "abc123":
			_, _ = io.WriteString(w, `[{"tx_hash":"abc123","num_confirmations":2}]`)
		case "unseen":
			_, _ = io.WriteString(w, `[{"tx_hash":"unseen","num_confirmations":null}]`)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	k := NewKoios(srv.URL, "secret", srv.Client())
	st, err := k.TxStatus(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("TxStatus: %v", err)
	}
	if st.Confirmations != 2 {
		t.Fatalf("Confirmations = %d, want 2", st.Confirmations)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	for _, h := range []string{"unseen", "missing"} {
		if _, err := k.TxStatus(context.Background(), h); !errors.Is(err, ErrTxNotFound) {
			t.Fatalf("%s: err = %v, want ErrTxNotFound", h, err)
		}
	}
}

func TestKoiosUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	k := NewKoios(srv.URL, "", srv.Client())
	_, err := k.TxStatus(context.Background(), "abc123")
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want HTTPError 502", err)
	}
	if errors.Is(err, ErrTxNotFound) {
		t.Fatal("502 must not be reported as not found")
	}
}

func TestKoiosUTxOsAndOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/address_utxos":
			_, _ = io.WriteString(w, `[{"tx_hash":"aa","tx_index":1,"value":"7000000","asset_list":[{"policy_id":"pp","asset_name":"6e","quantity":"42"}]}]`)
		case "/tx_utxos":
			_, _ = io.WriteString(w, `[{"tx_hash":"bb","outputs":[{"payment_addr":{"bech32":"addr_test1x"},"value":"5000000","asset_list":[]}]}]`)
		case "/tip":
			_, _ = io.WriteString(w, `[{"abs_slot":123456,"block_no":99}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	k := NewKoios(srv.URL, "", srv.Client())
	ctx := context.Background()

	utxos, err := k.AddressUTxOs(ctx, "addr_test1x")
	if err != nil {
		t.Fatalf("AddressUTxOs: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Lovelace != 7_000_000 || utxos[0].Index != 1 || utxos[0].Assets[0].Quantity != 42 {
		t.Fatalf("utxos = %+v", utxos)
	}

	outs, err := k.TxOutputs(ctx, "bb")
	if err != nil {
		t.Fatalf("TxOutputs: %v", err)
	}
	if len(outs) != 1 || outs[0].Address != "addr_test1x" || outs[0].Lovelace != 5_000_000 {
		t.Fatalf("outputs = %+v", outs)
	}

	tip, err := k.Tip(ctx)
	if err != nil || tip.Slot != 123456 || tip.Height != 99 {
		t.Fatalf("Tip = %+v, %v", tip, err)
	}
}

func TestBlockfrostTxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("project_id") != "preprodKey" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case r.URL.Path == "/txs/abc123":
			_, _ = io.WriteString(w, `{"hash":"abc123","block_height":100}`)
		case r.URL.Path == "/blocks/latest":
			_, _ = io.WriteString(w, `{"height":104,"slot":5000}`)
		case strings.HasPrefix(r.URL.Path, "/addresses/"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"status_code":404}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"status_code":404,"error":"Not Found"}`)
		}
	}))
	defer srv.Close()
	b := NewBlockfrost(srv.URL, "preprodKey", srv.Client())
	ctx := context.Background()

	st, err := b.TxStatus(ctx, "abc123")
	if err != nil {
		t.Fatalf("TxStatus: %v", err)
	}
	if st.Confirmations != 5 {
		t.Fatalf("Confirmations = %d, want 5", st.Confirmations)
	}
	if _, err := b.TxStatus(ctx, "nope"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}

	utxos, err := b.AddressUTxOs(ctx, "addr_test1fresh")
	if err != nil || len(utxos) != 0 {
		t.Fatalf("AddressUTxOs = %v, %v, want empty", utxos, err)
	}
}

func TestBlockfrostAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"outputs":[{"address":"addr_test1y","amount":[{"unit":"lovelace","quantity":"1500000"},{"unit":"279c909f348e533da5808898f87f9a14bb2c3dfbbacccd631d927a3f534e454b","quantity":"12"}]}]}`)
	}))
	defer srv.Close()
	b := NewBlockfrost(srv.URL, "", srv.Client())

	outs, err := b.TxOutputs(context.Background(), "abc")
	if err != nil {
		t.Fatalf("TxOutputs: %v", err)
	}
	a := outs[0].Assets[0]
	if outs[0].Lovelace != 1_500_000 || a.PolicyID != "279c909f348e533da5808898f87f9a14bb2c3dfbbacccd631d927a3f" || a.AssetName != "534e454b" || a.Quantity != 12 {
		t.Fatalf("outputs = %+v", outs)
	}
}
