package chain

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Koios https://api.koios.rest
type Koios struct {
	r requester
}

func NewKoios(baseURL, apiKey string, client *http.Client) *Koios {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &Koios{r: requester{client: client, baseURL: strings.TrimRight(baseURL, "/"), headers: headers}}
}

func (k *Koios) Name() string { return "koios" }

// TxStatus num_confirmations 为 null 或结果中没有该哈希时视为未索引
func (k *Koios) TxStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	res, err := k.r.do(ctx, http.MethodPost, "/tx_status", map[string]interface{}{
		"_tx_hashes": []string{txHash},
	})
	if err != nil {
		return nil, mapNotFound(err)
	}

	var found gjson.Result
	res.ForEach(func(_, item gjson.Result) bool {
		if item.Get("tx_hash").String() == txHash {
			found = item
			return false
		}
		return true
	})
	if !found.Exists() {
		return nil, ErrTxNotFound
	}
	conf := found.Get("num_confirmations")
	if !conf.Exists() || conf.Type == gjson.Null {
		return nil, ErrTxNotFound
	}
	return &TxStatus{TxHash: txHash, Confirmations: conf.Int()}, nil
}

func (k *Koios) TxOutputs(ctx context.Context, txHash string) ([]Output, error) {
	res, err := k.r.do(ctx, http.MethodPost, "/tx_utxos", map[string]interface{}{
		"_tx_hashes": []string{txHash},
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	tx := res.Get("0")
	if !tx.Exists() {
		return nil, ErrTxNotFound
	}

	var outputs []Output
	tx.Get("outputs").ForEach(func(_, o gjson.Result) bool {
		outputs = append(outputs, Output{
			Address:  o.Get("payment_addr.bech32").String(),
			Lovelace: o.Get("value").Uint(),
			Assets:   koiosAssets(o.Get("asset_list")),
		})
		return true
	})
	return outputs, nil
}

func (k *Koios) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	res, err := k.r.do(ctx, http.MethodPost, "/address_utxos", map[string]interface{}{
		"_addresses": []string{address},
		"_extended":  true,
	})
	if err != nil {
		return nil, err
	}

	var utxos []UTxO
	res.ForEach(func(_, u gjson.Result) bool {
		utxos = append(utxos, UTxO{
			TxHash:   u.Get("tx_hash").String(),
			Index:    uint32(u.Get("tx_index").Uint()),
			Lovelace: u.Get("value").Uint(),
			Assets:   koiosAssets(u.Get("asset_list")),
		})
		return true
	})
	return utxos, nil
}

func (k *Koios) Tip(ctx context.Context) (*Tip, error) {
	res, err := k.r.do(ctx, http.MethodGet, "/tip", nil)
	if err != nil {
		return nil, err
	}
	tip := res.Get("0")
	if !tip.Exists() {
		return nil, errors.New("koios: empty tip response")
	}
	return &Tip{Slot: tip.Get("abs_slot").Uint(), Height: tip.Get("block_no").Int()}, nil
}

func koiosAssets(list gjson.Result) []Asset {
	var assets []Asset
	list.ForEach(func(_, a gjson.Result) bool {
		assets = append(assets, Asset{
			PolicyID:  a.Get("policy_id").String(),
			AssetName: a.Get("asset_name").String(),
			Quantity:  a.Get("quantity").Uint(),
		})
		return true
	})
	return assets
}

func mapNotFound(err error) error {
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return ErrTxNotFound
	}
	return err
}
