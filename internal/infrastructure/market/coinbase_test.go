package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCoinbaseCandles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/ADA-USD/candles" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("granularity"); got != "3600" {
			t.Errorf("granularity = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[1700007200,0.40,0.44,0.41,0.43,1200.5],[1700003600,0.38,0.42,0.39,0.41,900],[1700000000,0.37,0.40,0.38,0.39,800]]`))
	}))
	defer server.Close()

	cb := NewCoinbase(server.URL, time.Second)
	candles, err := cb.Candles(context.Background(), "ada-usd", "1h")
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("len = %d, want 3", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time <= candles[i-1].Time {
			t.Fatalf("candles not ascending: %+v", candles)
		}
	}
	last := candles[2]
	want := Candle{Time: 1700007200, Low: 0.40, High: 0.44, Open: 0.41, Close: 0.43, Volume: 1200.5}
	if last != want {
		t.Fatalf("last = %+v, want %+v", last, want)
	}
}

func TestCoinbaseErrors(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		status int
		body   string
		want   error
	}{
		{"bad symbol", "ADA/USD;rm", http.StatusOK, `[]`, ErrInvalidSymbol},
		{"unknown product", "FOO-BAR", http.StatusNotFound, `{"message":"NotFound"}`, ErrCandlesUnavailable},
		{"not an array", "ADA-USD", http.StatusOK, `{"candles":[]}`, ErrCandlesUnavailable},
		{"short row", "ADA-USD", http.StatusOK, `[[1700000000,0.37,0.40]]`, ErrCandlesUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewCoinbase(server.URL, time.Second).Candles(context.Background(), tt.symbol, "5m")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGranularity(t *testing.T) {
	tests := map[string]int{
		"1m":  60,
		"5m":  300,
		"15m": 900,
		"1h":  3600,
		"6h":  21600,
		"1d":  86400,
		"4h":  300,
		"":    300,
	}
	for tf, want := range tests {
		if got := Granularity(tf); got != want {
			t.Errorf("Granularity(%q) = %d, want %d", tf, got, want)
		}
	}
}
