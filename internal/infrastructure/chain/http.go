package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

type requester struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

func (r *requester) do(ctx context.Context, method, path string, body interface{}) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s %s: invalid json response", method, path)
	}
	return gjson.ParseBytes(raw), nil
}
