package chain

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

const snekPolicy = "279c909f348e533da5808898f87f9a14bb2c3dfbbacccd631d927a3f"

func decodeTx(t *testing.T, hexTx string) []interface{} {
	t.Helper()
	raw, err := hex.DecodeString(hexTx)
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	var tx []interface{}
	if err := cbor.Unmarshal(raw, &tx); err != nil {
		t.Fatalf("cbor: %v", err)
	}
	if len(tx) != 4 {
		t.Fatalf("tx has %d elements, want 4", len(tx))
	}
	if tx[2] != true || tx[3] != nil {
		t.Fatalf("tx tail = %v, %v", tx[2], tx[3])
	}
	return tx
}

func utxo(hashByte string, idx uint32, lovelace uint64, assets ...Asset) UTxO {
	return UTxO{TxHash: strings.Repeat(hashByte, 32), Index: idx, Lovelace: lovelace, Assets: assets}
}

func TestBuildPaymentADA(t *testing.T) {
	payer := testAddress(t, "addr_test", 0x00, 0x33)
	p := DefaultParams()

	built, err := BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Lovelace:      5_000_000,
		UTxOs:         []UTxO{utxo("01", 0, 3_000_000), utxo("02", 1, 10_000_000)},
		TTL:           1000,
	}, p)
	if err != nil {
		t.Fatalf("BuildPayment: %v", err)
	}
	if built.Inputs != 1 {
		t.Fatalf("Inputs = %d, want largest utxo only", built.Inputs)
	}
	if built.Fee < p.MinFeeB || built.Fee > 300_000 {
		t.Fatalf("Fee = %d out of range", built.Fee)
	}

	tx := decodeTx(t, built.CBORHex)
	body, ok := tx[0].(map[interface{}]interface{})
	if !ok {
		t.Fatalf("body type %T", tx[0])
	}
	outputs := body[uint64(1)].([]interface{})
	if len(outputs) != 2 {
		t.Fatalf("outputs = %d, want payment + change", len(outputs))
	}
	payOut := outputs[0].([]interface{})
	if payOut[1] != uint64(5_000_000) {
		t.Fatalf("payment amount = %v, want 5000000", payOut[1])
	}
	changeOut := outputs[1].([]interface{})
	if got, want := changeOut[1].(uint64), uint64(10_000_000-5_000_000)-built.Fee; got != want {
		t.Fatalf("change = %d, want %d", got, want)
	}
	if body[uint64(2)] != built.Fee {
		t.Fatalf("fee field = %v, want %d", body[uint64(2)], built.Fee)
	}
	if body[uint64(3)] != uint64(1000) {
		t.Fatalf("ttl = %v", body[uint64(3)])
	}
}

func TestBuildPaymentInsufficientFunds(t *testing.T) {
	payer := testAddress(t, "addr_test", 0x00, 0x33)
	_, err := BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Lovelace:      5_000_000,
		UTxOs:         []UTxO{utxo("01", 0, 2_000_000), utxo("02", 0, 2_000_000)},
	}, DefaultParams())
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	_, err = BuildPayment(PaymentRequest{ChangeAddress: payer, To: preprodTreasury, Lovelace: 5_000_000}, DefaultParams())
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("empty wallet err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildPaymentToken(t *testing.T) {
	payer := testAddress(t, "addr_test", 0x00, 0x44)
	snek := Asset{PolicyID: snekPolicy, AssetName: "534e454b", Quantity: 1000}

	built, err := BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Assets:        []Asset{{PolicyID: snekPolicy, AssetName: "534e454b", Quantity: 600}},
		UTxOs: []UTxO{
			utxo("0a", 0, 20_000_000),
			utxo("0b", 0, 1_500_000, snek),
		},
	}, DefaultParams())
	if err != nil {
		t.Fatalf("BuildPayment: %v", err)
	}
	if built.Inputs != 2 {
		t.Fatalf("Inputs = %d, want token utxo plus ada utxo", built.Inputs)
	}

	tx := decodeTx(t, built.CBORHex)
	body := tx[0].(map[interface{}]interface{})
	outputs := body[uint64(1)].([]interface{})
	payAmount := outputs[0].([]interface{})[1].([]interface{})
	if payAmount[0].(uint64) < 1_000_000 {
		t.Fatalf("token output carries %d lovelace, below min utxo", payAmount[0])
	}
	assets := payAmount[1].(map[interface{}]interface{})
	if len(assets) != 1 {
		t.Fatalf("payment assets = %v", assets)
	}

	_, err = BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Assets:        []Asset{{PolicyID: snekPolicy, AssetName: "534e454b", Quantity: 5000}},
		UTxOs:         []UTxO{utxo("0a", 0, 20_000_000), utxo("0b", 0, 1_500_000, snek)},
	}, DefaultParams())
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildPaymentWithMint(t *testing.T) {
	payer := testAddress(t, "addr_test", 0x00, 0x55)
	built, err := BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Lovelace:      5_000_000,
		UTxOs:         []UTxO{utxo("0c", 2, 50_000_000)},
		Mint: &MintRequest{
			PolicyKeyHash: strings.Repeat("ab", 28),
			AssetName:     "43726564697452656365697074",
			Quantity:      1,
		},
	}, DefaultParams())
	if err != nil {
		t.Fatalf("BuildPayment: %v", err)
	}
	if len(built.PolicyID) != 56 {
		t.Fatalf("PolicyID = %q, want 28-byte hex", built.PolicyID)
	}

	tx := decodeTx(t, built.CBORHex)
	body := tx[0].(map[interface{}]interface{})
	if _, ok := body[uint64(9)]; !ok {
		t.Fatal("mint field missing")
	}
	wits := tx[1].(map[interface{}]interface{})
	scripts, ok := wits[uint64(1)].([]interface{})
	if !ok || len(scripts) != 1 {
		t.Fatalf("native scripts = %v", wits[uint64(1)])
	}

	_, err = BuildPayment(PaymentRequest{
		ChangeAddress: payer,
		To:            preprodTreasury,
		Lovelace:      5_000_000,
		UTxOs:         []UTxO{utxo("0c", 2, 50_000_000)},
		Mint:          &MintRequest{PolicyKeyHash: "abcd", AssetName: "00", Quantity: 1},
	}, DefaultParams())
	if err == nil {
		t.Fatal("expected error for short policy key hash")
	}
}

func TestBuildPaymentRejectsBadAddress(t *testing.T) {
	_, err := BuildPayment(PaymentRequest{ChangeAddress: "nope", To: preprodTreasury, Lovelace: 1}, DefaultParams())
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}
