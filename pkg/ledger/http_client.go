package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/openperp/keeper/pkg/util"
)

// HTTPClient talks to the ledger gateway over JSON/HTTP:
//
//	POST /v1/calls              -> {handle}
//	GET  /v1/receipts/{handle}  -> {status, success, gasUsed, error}
//	GET  /v1/sequence/{signer}  -> {sequence}
type HTTPClient struct {
	baseURL string
	http    *http.Client
	clock   util.Clock

	// pollInterval paces AwaitFinality receipt polling.
	pollInterval time.Duration
}

func NewHTTPClient(baseURL string, clock util.Clock) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 15 * time.Second},
		clock:        clock,
		pollInterval: 500 * time.Millisecond,
	}
}

type submitRequest struct {
	Signer    string `json:"signer"`
	Target    string `json:"target"`
	Data      string `json:"data"`
	Value     string `json:"value"`
	GasBudget uint64 `json:"gasBudget"`
	Sequence  uint64 `json:"sequence"`
	Signature string `json:"signature"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

type receiptResponse struct {
	Status  string `json:"status"` // pending | final
	Success bool   `json:"success"`
	GasUsed uint64 `json:"gasUsed"`
	Error   string `json:"error"`
}

type sequenceResponse struct {
	Sequence uint64 `json:"sequence"`
}

func (c *HTTPClient) Submit(ctx context.Context, signer common.Address, call Call, signature []byte) (Handle, error) {
	value := "0"
	if call.Value != nil {
		value = call.Value.String()
	}
	req := submitRequest{
		Signer:    signer.Hex(),
		Target:    call.Target.Hex(),
		Data:      hexutil.Encode(call.Data),
		Value:     value,
		GasBudget: call.GasBudget,
		Sequence:  call.Sequence,
		Signature: hexutil.Encode(signature),
	}

	var resp submitResponse
	if err := c.post(ctx, "/v1/calls", req, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", &TransportError{Op: "submit", Err: fmt.Errorf("empty handle")}
	}
	return Handle(resp.Handle), nil
}

func (c *HTTPClient) AwaitFinality(ctx context.Context, handle Handle) (*Receipt, error) {
	for {
		var resp receiptResponse
		if err := c.get(ctx, "/v1/receipts/"+string(handle), &resp); err != nil {
			return nil, err
		}
		if resp.Status == "final" {
			return &Receipt{
				Handle:  handle,
				Success: resp.Success,
				GasUsed: resp.GasUsed,
				Error:   resp.Error,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

func (c *HTTPClient) Sequence(ctx context.Context, signer common.Address) (uint64, error) {
	var resp sequenceResponse
	if err := c.get(ctx, "/v1/sequence/"+signer.Hex(), &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ledger: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Op: "post " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &TransportError{Op: "get " + path, Err: err}
	}
	return c.do(req, path, out)
}

func (c *HTTPClient) do(req *http.Request, path string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: path, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
