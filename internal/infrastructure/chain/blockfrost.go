package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const blockfrostPageSize = 100

// Blockfrost https://blockfrost.io
type Blockfrost struct {
	r requester
}

func NewBlockfrost(baseURL, projectID string, client *http.Client) *Blockfrost {
	return &Blockfrost{r: requester{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{"project_id": projectID},
	}}
}

func (b *Blockfrost) Name() string { return "blockfrost" }

// TxStatus 确认数 = 最新区块高度 - 交易所在高度 + 1
func (b *Blockfrost) TxStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	tx, err := b.r.do(ctx, http.MethodGet, "/txs/"+url.PathEscape(txHash), nil)
	if err != nil {
		return nil, mapNotFound(err)
	}
	tip, err := b.Tip(ctx)
	if err != nil {
		return nil, err
	}
	height := tx.Get("block_height").Int()
	conf := tip.Height - height + 1
	if conf < 0 {
		conf = 0
	}
	return &TxStatus{TxHash: txHash, Confirmations: conf}, nil
}

func (b *Blockfrost) TxOutputs(ctx context.Context, txHash string) ([]Output, error) {
	res, err := b.r.do(ctx, http.MethodGet, "/txs/"+url.PathEscape(txHash)+"/utxos", nil)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var outputs []Output
	res.Get("outputs").ForEach(func(_, o gjson.Result) bool {
		lovelace, assets := blockfrostAmounts(o.Get("amount"))
		outputs = append(outputs, Output{Address: o.Get("address").String(), Lovelace: lovelace, Assets: assets})
		return true
	})
	return outputs, nil
}

// AddressUTxOs 地址从未使用过时 Blockfrost 返回 404，按空集处理
func (b *Blockfrost) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	var utxos []UTxO
	for page := 1; ; page++ {
		path := fmt.Sprintf("/addresses/%s/utxos?count=%d&page=%d", url.PathEscape(address), blockfrostPageSize, page)
		res, err := b.r.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			var he *HTTPError
			if errors.As(err, &he) && he.Status == http.StatusNotFound {
				return utxos, nil
			}
			return nil, err
		}
		n := 0
		res.ForEach(func(_, u gjson.Result) bool {
			lovelace, assets := blockfrostAmounts(u.Get("amount"))
			utxos = append(utxos, UTxO{
				TxHash:   u.Get("tx_hash").String(),
				Index:    uint32(u.Get("output_index").Uint()),
				Lovelace: lovelace,
				Assets:   assets,
			})
			n++
			return true
		})
		if n < blockfrostPageSize {
			return utxos, nil
		}
	}
}

func (b *Blockfrost) Tip(ctx context.Context) (*Tip, error) {
	res, err := b.r.do(ctx, http.MethodGet, "/blocks/latest", nil)
	if err != nil {
		return nil, err
	}
	return &Tip{Slot: res.Get("slot").Uint(), Height: res.Get("height").Int()}, nil
}

// unit 为 lovelace 或 policy_id(56 hex) + asset_name
func blockfrostAmounts(amount gjson.Result) (uint64, []Asset) {
	var lovelace uint64
	var assets []Asset
	amount.ForEach(func(_, a gjson.Result) bool {
		unit := a.Get("unit").String()
		qty := a.Get("quantity").Uint()
		if unit == "lovelace" {
			lovelace += qty
			return true
		}
		if len(unit) >= 56 {
			assets = append(assets, Asset{PolicyID: unit[:56], AssetName: unit[56:], Quantity: qty})
		}
		return true
	})
	return lovelace, assets
}
