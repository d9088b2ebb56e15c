package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditgate/internal/infrastructure/cache"

	"github.com/shopspring/decimal"
)

func TestCoinGeckoPriceInADA(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "cardano,snek" {
			t.Errorf("ids = %s", got)
		}
		if got := r.Header.Get("x-cg-demo-api-key"); got != "demo" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cardano":{"usd":0.5},"snek":{"usd":0.005}}`))
	}))
	defer server.Close()

	cg := NewCoinGecko(server.URL, "demo", "usd", time.Second)
	price, err := cg.PriceInADA(context.Background(), "snek")
	if err != nil {
		t.Fatalf("PriceInADA: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("price = %s, want 0.01", price)
	}

	ada, err := cg.PriceInADA(context.Background(), "cardano")
	if err != nil || !ada.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("cardano price = %s, %v", ada, err)
	}
}

func TestCoinGeckoFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"upstream error", http.StatusTooManyRequests, `{"status":{"error_code":429}}`},
		{"missing token", http.StatusOK, `{"cardano":{"usd":0.5}}`},
		{"zero ada price", http.StatusOK, `{"cardano":{"usd":0},"snek":{"usd":0.005}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewCoinGecko(server.URL, "", "usd", time.Second).PriceInADA(context.Background(), "snek")
			if !errors.Is(err, ErrPriceUnavailable) {
				t.Fatalf("err = %v, want ErrPriceUnavailable", err)
			}
		})
	}
}

type countingSource struct {
	calls int
	price decimal.Decimal
	err   error
}

func (s *countingSource) PriceInADA(context.Context, string) (decimal.Decimal, error) {
	s.calls++
	return s.price, s.err
}

func TestCachedRespectsTTL(t *testing.T) {
	src := &countingSource{price: decimal.RequireFromString("0.0123")}
	c := NewCached(src, cache.NewMemoryStore(time.Minute), 60*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.PriceInADA(ctx, "snek")
		if err != nil {
			t.Fatalf("PriceInADA: %v", err)
		}
		if !p.Equal(src.price) {
			t.Fatalf("price = %s", p)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source calls = %d, want 1", src.calls)
	}

	now = now.Add(61 * time.Second)
	if _, err := c.PriceInADA(ctx, "snek"); err != nil {
		t.Fatalf("PriceInADA: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("source calls after expiry = %d, want 2", src.calls)
	}
}

func TestCachedPropagatesOutage(t *testing.T) {
	src := &countingSource{err: ErrPriceUnavailable}
	c := NewCached(src, cache.NewMemoryStore(time.Minute), time.Minute)
	if _, err := c.PriceInADA(context.Background(), "snek"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}
}
