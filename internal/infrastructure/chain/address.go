package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	hrpMainnet = "addr"
	hrpTestnet = "addr_test"
)

// DecodeAddress bech32 Shelley 地址解码为原始字节
func DecodeAddress(addr string) ([]byte, string, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(addr))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) < 29 {
		return nil, "", fmt.Errorf("%w: payload too short", ErrInvalidAddress)
	}
	return raw, hrp, nil
}

// ValidateAddress 校验地址格式与网络
func ValidateAddress(addr string, mainnet bool) error {
	raw, hrp, err := DecodeAddress(addr)
	if err != nil {
		return err
	}
	want := hrpTestnet
	if mainnet {
		want = hrpMainnet
	}
	if hrp != want {
		return fmt.Errorf("%w: expected %s address, got %s", ErrInvalidAddress, want, hrp)
	}
	// header 低 4 位为网络 ID：1 主网，0 测试网
	netID := raw[0] & 0x0f
	if mainnet != (netID == 1) {
		return fmt.Errorf("%w: network id %d does not match", ErrInvalidAddress, netID)
	}
	return nil
}

// LooksLikeAddress 仅检查前缀，供参数校验使用
func LooksLikeAddress(addr string) bool {
	return strings.HasPrefix(addr, hrpTestnet+"1") || strings.HasPrefix(addr, hrpMainnet+"1")
}
