package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/chain"
	"creditgate/internal/infrastructure/llm"
	"creditgate/internal/ledger"
	"creditgate/internal/model"
	"creditgate/internal/testutil"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const treasury = "addr_test1qrl6f3gm0uph6vscjqs900yakynas5eu6puzcrua3kyt6q83uu458738004pap9qr9f3tmnck5y3pt9xcwyv58p7fsvsw570xn"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCreditService(t *testing.T) (*CreditService, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	svc := NewCreditService(db, ledger.DefaultPolicy(), "credit-ledger-event")
	svc.now = func() time.Time { return testNow }
	return svc, db
}

// setAccount 直接写入账户状态，账户不存在时先创建
func setAccount(t *testing.T, svc *CreditService, db *gorm.DB, userID string, plan ledger.Plan, used string, resetDate time.Time) {
	t.Helper()
	if _, err := svc.Usage(context.Background(), userID); err != nil {
		t.Fatalf("Usage: %v", err)
	}
	err := db.Model(&model.CreditAccount{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
		"plan":         string(plan),
		"credits_used": d(used),
		"reset_date":   resetDate,
	}).Error
	if err != nil {
		t.Fatalf("set account: %v", err)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Purchase.TreasuryAddress = treasury
	cfg.Purchase.Tokens = []config.TokenConfig{{
		Symbol:      "SNEK",
		PolicyID:    "279c909f348e533da5808898f87f9a14bb2c3dfbbacccd631d927a3f",
		AssetName:   "534e454b",
		Decimals:    0,
		CoinGeckoID: "snek",
	}}
	return cfg
}

type fakeProvider struct {
	mu        sync.Mutex
	statuses  map[string]int64
	errs      map[string]error
	outputs   map[string][]chain.Output
	utxos     []chain.UTxO
	tip       chain.Tip
	statusHit int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		statuses: map[string]int64{},
		errs:     map[string]error{},
		outputs:  map[string][]chain.Output{},
		tip:      chain.Tip{Slot: 1000, Height: 10},
	}
}

func (p *fakeProvider) setConfirmations(hash string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.errs, hash)
	p.statuses[hash] = n
}

func (p *fakeProvider) setErr(hash string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[hash] = err
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) TxStatus(_ context.Context, hash string) (*chain.TxStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusHit++
	if err, ok := p.errs[hash]; ok {
		return nil, err
	}
	n, ok := p.statuses[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return &chain.TxStatus{TxHash: hash, Confirmations: n}, nil
}

func (p *fakeProvider) TxOutputs(_ context.Context, hash string) ([]chain.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputs[hash], nil
}

func (p *fakeProvider) AddressUTxOs(context.Context, string) ([]chain.UTxO, error) {
	return p.utxos, nil
}

func (p *fakeProvider) Tip(context.Context) (*chain.Tip, error) {
	tip := p.tip
	return &tip, nil
}

type fakePrices struct {
	price decimal.Decimal
	err   error
}

func (f fakePrices) PriceInADA(context.Context, string) (decimal.Decimal, error) {
	return f.price, f.err
}

type fakeLLM struct {
	chunks   []string
	complete string
	err      error
	lastMsgs []llm.Message
}

func (f *fakeLLM) StreamChat(_ context.Context, _ string, msgs []llm.Message, _ float32, onChunk func(string) error) error {
	f.lastMsgs = msgs
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeLLM) Complete(_ context.Context, _ string, msgs []llm.Message, _ float32, _ int) (string, error) {
	f.lastMsgs = msgs
	return f.complete, f.err
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}
