package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"creditgate/internal/config"
	"creditgate/internal/infrastructure/chain"
	"creditgate/internal/infrastructure/oracle"
	"creditgate/internal/metrics"
	"creditgate/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const PaymentMethodADA = "ADA"

var (
	ErrUnknownPaymentMethod = errors.New("unsupported payment method")
	ErrTreasuryNotSet       = errors.New("treasury address not configured")
)

// 链上工具返回的余额不足错误文本
var insufficientPatterns = []string{
	"insufficient",
	"inputs exhausted",
	"not enough",
	"utxo balance",
}

// BuildError 构建失败，Message 可直接展示给用户
type BuildError struct {
	Message string
	Err     error
}

func (e *BuildError) Error() string { return e.Message }
func (e *BuildError) Unwrap() error { return e.Err }

// BuiltPurchase 未签名交易及报价
type BuiltPurchase struct {
	TxCBOR        string `json:"tx"`
	PaymentMethod string `json:"paymentMethod"`
	Amount        string `json:"amount"`
	Fee           uint64 `json:"fee"`
	PolicyID      string `json:"policyId,omitempty"`
}

type PurchaseService struct {
	cfg      *config.PurchaseConfig
	provider chain.Provider
	prices   oracle.PriceSource
	params   chain.Params
	metrics  *metrics.CreditMetrics
}

func NewPurchaseService(cfg *config.PurchaseConfig, provider chain.Provider, prices oracle.PriceSource) *PurchaseService {
	return &PurchaseService{
		cfg:      cfg,
		provider: provider,
		prices:   prices,
		params:   chain.DefaultParams(),
		metrics:  metrics.GetMetrics(),
	}
}

// ResolveToken 按符号查找可用代币，ADA 返回 nil
func (s *PurchaseService) ResolveToken(method string) (*config.TokenConfig, error) {
	if method == "" || strings.EqualFold(method, PaymentMethodADA) {
		return nil, nil
	}
	for i := range s.cfg.Tokens {
		if strings.EqualFold(s.cfg.Tokens[i].Symbol, method) {
			return &s.cfg.Tokens[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPaymentMethod, method)
}

// TokensNeeded floor(priceLovelace * 10^decimals / (priceADA * 1e6))
func TokensNeeded(priceLovelace int64, decimals int32, priceADA decimal.Decimal) (uint64, error) {
	if !priceADA.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive price", oracle.ErrPriceUnavailable)
	}
	lovelacePerToken := priceADA.Mul(decimal.New(1, 6))
	n := decimal.NewFromInt(priceLovelace).
		Mul(decimal.New(1, decimals)).
		Div(lovelacePerToken).
		Floor()
	if !n.IsPositive() {
		return 0, fmt.Errorf("%w: token price too high", oracle.ErrPriceUnavailable)
	}
	return uint64(n.IntPart()), nil
}

// BuildTransaction 为付款地址构建向金库付款的未签名交易
//
// 参数错误（地址、支付方式）原样返回；其余失败包装为 *BuildError。
func (s *PurchaseService) BuildTransaction(ctx context.Context, address, method string) (*BuiltPurchase, error) {
	token, err := s.ResolveToken(method)
	if err != nil {
		return nil, err
	}
	if err := chain.ValidateAddress(address, s.cfg.IsMainnet()); err != nil {
		return nil, err
	}
	methodLabel := PaymentMethodADA
	if token != nil {
		methodLabel = token.Symbol
	}

	built, err := s.build(ctx, address, token)
	if err != nil {
		s.metrics.TxBuildTotal.WithLabelValues(methodLabel, "error").Inc()
		logger.L().Warn("[PurchaseService] 构建交易失败",
			zap.String("address", address),
			zap.String("method", methodLabel),
			zap.Error(err))
		return nil, err
	}
	s.metrics.TxBuildTotal.WithLabelValues(methodLabel, "success").Inc()
	return built, nil
}

func (s *PurchaseService) build(ctx context.Context, address string, token *config.TokenConfig) (*BuiltPurchase, error) {
	if s.cfg.TreasuryAddress == "" {
		return nil, &BuildError{Message: "Payment address is not configured.", Err: ErrTreasuryNotSet}
	}

	req := chain.PaymentRequest{
		ChangeAddress: address,
		To:            s.cfg.TreasuryAddress,
	}
	out := &BuiltPurchase{PaymentMethod: PaymentMethodADA}
	var fundHint string

	if token == nil {
		req.Lovelace = uint64(s.cfg.PriceLovelace)
		ada := decimal.New(s.cfg.PriceLovelace, -6)
		out.Amount = ada.String()
		fundHint = ada.String() + " ADA"
	} else {
		price, err := s.prices.PriceInADA(ctx, token.CoinGeckoID)
		if err != nil {
			return nil, &BuildError{Message: "Unable to fetch token price. Please try again later.", Err: err}
		}
		qty, err := TokensNeeded(s.cfg.PriceLovelace, token.Decimals, price)
		if err != nil {
			return nil, &BuildError{Message: "Unable to fetch token price. Please try again later.", Err: err}
		}
		req.Assets = []chain.Asset{{PolicyID: token.PolicyID, AssetName: token.AssetName, Quantity: qty}}
		out.PaymentMethod = token.Symbol
		out.Amount = decimal.New(int64(qty), -token.Decimals).String()
		fundHint = fmt.Sprintf("%s %s plus a little ADA for fees", out.Amount, token.Symbol)
	}

	if s.cfg.Mint.Enabled {
		req.Mint = &chain.MintRequest{
			PolicyKeyHash: s.cfg.Mint.PolicyKeyHash,
			AssetName:     s.cfg.Mint.AssetName,
			Quantity:      1,
		}
	}

	utxos, err := s.provider.AddressUTxOs(ctx, address)
	if err != nil {
		return nil, &BuildError{Message: "Failed to load wallet UTxOs. Please try again.", Err: err}
	}
	tip, err := s.provider.Tip(ctx)
	if err != nil {
		return nil, &BuildError{Message: "Failed to query chain tip. Please try again.", Err: err}
	}
	req.UTxOs = utxos
	req.TTL = tip.Slot + s.cfg.TTLSlots

	tx, err := chain.BuildPayment(req, s.params)
	if err != nil {
		if IsInsufficientFunds(err) {
			return nil, &BuildError{
				Message: fmt.Sprintf("Insufficient funds in your wallet. Please fund your wallet with at least %s and try again.", fundHint),
				Err:     err,
			}
		}
		return nil, &BuildError{Message: "Failed to build transaction", Err: err}
	}

	out.TxCBOR = tx.CBORHex
	out.Fee = tx.Fee
	out.PolicyID = tx.PolicyID
	return out, nil
}

// IsInsufficientFunds 识别余额不足类错误
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chain.ErrInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range insufficientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
