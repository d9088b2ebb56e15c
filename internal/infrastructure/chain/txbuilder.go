package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Params 手续费与最小 UTxO 参数（Conway 主网当前值）
type Params struct {
	MinFeeA          uint64
	MinFeeB          uint64
	CoinsPerUTxOByte uint64
	// VKeyWitnessSize 单个签名见证的估算字节数
	VKeyWitnessSize uint64
}

func DefaultParams() Params {
	return Params{
		MinFeeA:          44,
		MinFeeB:          155381,
		CoinsPerUTxOByte: 4310,
		VKeyWitnessSize:  102,
	}
}

// MintRequest 使用单签原生脚本铸造收据代币，铸造结果进入找零输出
type MintRequest struct {
	PolicyKeyHash string
	AssetName     string
	Quantity      int64
}

// PaymentRequest 向 To 支付 Lovelace 与 Assets，找零回到 ChangeAddress
type PaymentRequest struct {
	ChangeAddress string
	To            string
	Lovelace      uint64
	Assets        []Asset
	UTxOs         []UTxO
	TTL           uint64
	Mint          *MintRequest
}

// BuiltTx 未签名交易
type BuiltTx struct {
	CBORHex  string
	Fee      uint64
	Inputs   int
	PolicyID string
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

type value struct {
	coin   uint64
	assets map[string]map[string]uint64
}

func newValue(coin uint64, assets []Asset) value {
	v := value{coin: coin, assets: map[string]map[string]uint64{}}
	for _, a := range assets {
		v.addAsset(a.PolicyID, a.AssetName, a.Quantity)
	}
	return v
}

func (v *value) addAsset(policy, name string, qty uint64) {
	if qty == 0 {
		return
	}
	if v.assets[policy] == nil {
		v.assets[policy] = map[string]uint64{}
	}
	v.assets[policy][name] += qty
}

func (v value) clone() value {
	out := newValue(v.coin, nil)
	for p, names := range v.assets {
		for n, q := range names {
			out.addAsset(p, n, q)
		}
	}
	return out
}

func (v *value) add(o value) {
	v.coin += o.coin
	for p, names := range o.assets {
		for n, q := range names {
			v.addAsset(p, n, q)
		}
	}
}

// covers 是否每种资产都不少于 need（不含 coin）
func (v value) coversAssets(need value) bool {
	for p, names := range need.assets {
		for n, q := range names {
			if v.assets[p][n] < q {
				return false
			}
		}
	}
	return true
}

// sub 调用方保证足额
func (v value) sub(o value) value {
	out := value{coin: v.coin - o.coin, assets: map[string]map[string]uint64{}}
	for p, names := range v.assets {
		for n, q := range names {
			out.addAsset(p, n, q-o.assets[p][n])
		}
	}
	return out
}

func (v value) encode() (interface{}, error) {
	if len(v.assets) == 0 {
		return v.coin, nil
	}
	ma := map[cbor.ByteString]map[cbor.ByteString]uint64{}
	for p, names := range v.assets {
		pb, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("policy id %q: %w", p, err)
		}
		inner := map[cbor.ByteString]uint64{}
		for n, q := range names {
			nb, err := hex.DecodeString(n)
			if err != nil {
				return nil, fmt.Errorf("asset name %q: %w", n, err)
			}
			inner[cbor.ByteString(nb)] = q
		}
		ma[cbor.ByteString(pb)] = inner
	}
	return []interface{}{v.coin, ma}, nil
}

func encodeOutput(addr []byte, v value) ([]interface{}, error) {
	amount, err := v.encode()
	if err != nil {
		return nil, err
	}
	return []interface{}{addr, amount}, nil
}

// minCoin (160 + 输出序列化长度) * coinsPerUTxOByte
func minCoin(addr []byte, v value, p Params) (uint64, error) {
	sample := v
	if sample.coin < 1_000_000 {
		sample.coin = 1_000_000_000
	}
	out, err := encodeOutput(addr, sample)
	if err != nil {
		return 0, err
	}
	b, err := encMode.Marshal(out)
	if err != nil {
		return 0, err
	}
	return (160 + uint64(len(b))) * p.CoinsPerUTxOByte, nil
}

// nativeScript 单签脚本 [0, keyhash]
func nativeScript(keyHashHex string) ([]interface{}, string, error) {
	kh, err := hex.DecodeString(keyHashHex)
	if err != nil || len(kh) != 28 {
		return nil, "", errors.New("policy key hash must be 28 bytes hex")
	}
	script := []interface{}{uint64(0), kh}
	b, err := encMode.Marshal(script)
	if err != nil {
		return nil, "", err
	}
	h, err := blake2b.New(28, nil)
	if err != nil {
		return nil, "", err
	}
	h.Write([]byte{0x00})
	h.Write(b)
	return script, hex.EncodeToString(h.Sum(nil)), nil
}

// BuildPayment 选币、计算手续费与找零，输出未签名交易 CBOR
//
// 选币：先选包含所需资产的 UTxO，再按 lovelace 从大到小补足。
// 手续费迭代计算直到稳定。
func BuildPayment(req PaymentRequest, p Params) (*BuiltTx, error) {
	toAddr, _, err := DecodeAddress(req.To)
	if err != nil {
		return nil, err
	}
	changeAddr, _, err := DecodeAddress(req.ChangeAddress)
	if err != nil {
		return nil, err
	}

	pay := newValue(req.Lovelace, req.Assets)
	payMin, err := minCoin(toAddr, pay, p)
	if err != nil {
		return nil, err
	}
	if pay.coin < payMin {
		pay.coin = payMin
	}

	var (
		mintVal  value
		mintMap  map[cbor.ByteString]map[cbor.ByteString]int64
		script   []interface{}
		policyID string
	)
	if req.Mint != nil {
		script, policyID, err = nativeScript(req.Mint.PolicyKeyHash)
		if err != nil {
			return nil, err
		}
		if req.Mint.Quantity <= 0 {
			return nil, errors.New("mint quantity must be positive")
		}
		nameBytes, err := hex.DecodeString(req.Mint.AssetName)
		if err != nil {
			return nil, fmt.Errorf("mint asset name: %w", err)
		}
		pidBytes, _ := hex.DecodeString(policyID)
		mintVal = newValue(0, []Asset{{PolicyID: policyID, AssetName: req.Mint.AssetName, Quantity: uint64(req.Mint.Quantity)}})
		mintMap = map[cbor.ByteString]map[cbor.ByteString]int64{
			cbor.ByteString(pidBytes): {cbor.ByteString(nameBytes): req.Mint.Quantity},
		}
	}

	witnesses := uint64(1)
	if req.Mint != nil {
		witnesses++
	}

	fee := p.MinFeeB + 200*p.MinFeeA
	for iter := 0; iter < 8; iter++ {
		inputs, in, err := selectInputs(req.UTxOs, pay, fee, changeAddr, mintVal, p)
		if err != nil {
			return nil, err
		}

		total := in.clone()
		total.add(mintVal)
		need := pay
		need.coin += fee
		change := total.sub(need)

		body, err := buildBody(inputs, toAddr, pay, changeAddr, change, fee, req.TTL, mintMap)
		if err != nil {
			return nil, err
		}
		wits := map[uint64]interface{}{}
		if script != nil {
			wits[1] = []interface{}{script}
		}
		txBytes, err := encMode.Marshal([]interface{}{body, wits, true, nil})
		if err != nil {
			return nil, err
		}

		size := uint64(len(txBytes)) + witnesses*p.VKeyWitnessSize
		needFee := p.MinFeeA*size + p.MinFeeB
		if needFee <= fee {
			return &BuiltTx{
				CBORHex:  hex.EncodeToString(txBytes),
				Fee:      fee,
				Inputs:   len(inputs),
				PolicyID: policyID,
			}, nil
		}
		fee = needFee
	}
	return nil, errors.New("fee did not converge")
}

// selectInputs 返回选中的 UTxO 及其总值，保证找零不低于最小 UTxO
func selectInputs(utxos []UTxO, pay value, fee uint64, changeAddr []byte, mint value, p Params) ([]UTxO, value, error) {
	sorted := make([]UTxO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Lovelace > sorted[j].Lovelace
	})

	var chosen []UTxO
	picked := make([]bool, len(sorted))
	total := newValue(0, nil)

	// 先满足资产
	for pi, names := range pay.assets {
		for n, q := range names {
			for i, u := range sorted {
				if total.assets[pi][n] >= q {
					break
				}
				if picked[i] || !hasAsset(u, pi, n) {
					continue
				}
				picked[i] = true
				chosen = append(chosen, u)
				total.add(newValue(u.Lovelace, u.Assets))
			}
			if total.assets[pi][n] < q {
				return nil, value{}, fmt.Errorf("%w: need %d of %s%s, have %d", ErrInsufficientFunds, q, pi, n, total.assets[pi][n])
			}
		}
	}

	enough := func() bool {
		need := pay.coin + fee
		if total.coin < need {
			return false
		}
		withMint := total.clone()
		withMint.add(mint)
		change := withMint.sub(value{coin: need, assets: pay.assets})
		if change.coin == 0 && len(change.assets) == 0 {
			return true
		}
		min, err := minCoin(changeAddr, change, p)
		if err != nil {
			return false
		}
		return change.coin >= min
	}

	for i, u := range sorted {
		if enough() {
			break
		}
		if picked[i] {
			continue
		}
		picked[i] = true
		chosen = append(chosen, u)
		total.add(newValue(u.Lovelace, u.Assets))
	}
	if !enough() {
		return nil, value{}, fmt.Errorf("%w: need at least %d lovelace plus change, wallet has %d", ErrInsufficientFunds, pay.coin+fee, total.coin)
	}
	if !total.coversAssets(value{assets: pay.assets}) {
		return nil, value{}, fmt.Errorf("%w: token balance too low", ErrInsufficientFunds)
	}
	return chosen, total, nil
}

func hasAsset(u UTxO, policy, name string) bool {
	for _, a := range u.Assets {
		if a.PolicyID == policy && a.AssetName == name && a.Quantity > 0 {
			return true
		}
	}
	return false
}

func buildBody(inputs []UTxO, toAddr []byte, pay value, changeAddr []byte, change value, fee, ttl uint64, mint map[cbor.ByteString]map[cbor.ByteString]int64) (map[uint64]interface{}, error) {
	ins := make([]UTxO, len(inputs))
	copy(ins, inputs)
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].TxHash != ins[j].TxHash {
			return ins[i].TxHash < ins[j].TxHash
		}
		return ins[i].Index < ins[j].Index
	})

	encodedInputs := make([]interface{}, 0, len(ins))
	for _, u := range ins {
		h, err := hex.DecodeString(u.TxHash)
		if err != nil || len(h) != 32 {
			return nil, fmt.Errorf("invalid utxo hash %q", u.TxHash)
		}
		encodedInputs = append(encodedInputs, []interface{}{h, uint64(u.Index)})
	}

	payOut, err := encodeOutput(toAddr, pay)
	if err != nil {
		return nil, err
	}
	outputs := []interface{}{payOut}
	if change.coin > 0 || len(change.assets) > 0 {
		changeOut, err := encodeOutput(changeAddr, change)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, changeOut)
	}

	body := map[uint64]interface{}{
		0: encodedInputs,
		1: outputs,
		2: fee,
	}
	if ttl > 0 {
		body[3] = ttl
	}
	if mint != nil {
		body[9] = mint
	}
	return body, nil
}
