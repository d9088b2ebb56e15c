// Package chain 封装 Cardano 链数据源（Koios / Blockfrost）与未签名交易构建。
package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTxNotFound 链上尚未索引到该交易，属于待确认状态
	ErrTxNotFound = errors.New("transaction not found on chain")
	// ErrInsufficientFunds 钱包余额不足以支付
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAddress    = errors.New("invalid address")
)

// HTTPError 上游接口返回非 2xx
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("chain api status %d: %s", e.Status, body)
}

// Asset 原生资产，PolicyID 与 AssetName 均为十六进制
type Asset struct {
	PolicyID  string
	AssetName string
	Quantity  uint64
}

// Unit policy_id + asset_name
func (a Asset) Unit() string {
	return a.PolicyID + a.AssetName
}

type UTxO struct {
	TxHash   string
	Index    uint32
	Lovelace uint64
	Assets   []Asset
}

type Output struct {
	Address  string
	Lovelace uint64
	Assets   []Asset
}

type TxStatus struct {
	TxHash        string
	Confirmations int64
}

type Tip struct {
	Slot   uint64
	Height int64
}

// Provider 链数据源
type Provider interface {
	Name() string
	TxStatus(ctx context.Context, txHash string) (*TxStatus, error)
	TxOutputs(ctx context.Context, txHash string) ([]Output, error)
	AddressUTxOs(ctx context.Context, address string) ([]UTxO, error)
	Tip(ctx context.Context) (*Tip, error)
}

// NewHTTPClient 链接口专用客户端
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
