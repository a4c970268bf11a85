package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
)

// HTTPClient implements Client against a JSON-RPC endpoint (spec.md §6:
// VITE_SUI_RPC_URL), following the teacher's wallet_service.go pattern of a
// thin pass-through in front of the actual signing/submission primitives —
// generalized here from local ed25519 signing to remote submission of a
// pre-signed transaction.
type HTTPClient struct {
	endpoint string
	hc       *http.Client
}

// NewHTTPClient builds a Client bound to a JSON-RPC endpoint with the given
// per-call timeout.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{endpoint: endpoint, hc: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chainrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.ChainRejected, "chainrpc: "+method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return apierr.Wrap(apierr.ChainRejected, "chainrpc: decode response", err)
	}
	if rpcResp.Error != nil {
		return apierr.New(apierr.ChainRejected, fmt.Sprintf("chainrpc: %s: %s", method, rpcResp.Error.Message))
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("chainrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) SignAndExecute(ctx context.Context, tx SignedTx) (ExecutionResult, error) {
	var out ExecutionResult
	params := map[string]any{
		"sender":  tx.Sender.Hex(),
		"digest":  tx.Digest,
		"payload": tx.Payload,
	}
	if err := c.call(ctx, "sui_signAndExecuteTransaction", params, &out); err != nil {
		logrus.WithError(err).WithField("sender", tx.Sender.Short()).Warn("chainrpc: signAndExecute failed")
		return ExecutionResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) QueryEvents(ctx context.Context, eventType string, maxPages, pageSize int) ([]Event, error) {
	var all []Event
	cursor := ""
	for page := 0; page < maxPages; page++ {
		var out struct {
			Data       []Event `json:"data"`
			NextCursor string  `json:"nextCursor"`
			HasNext    bool    `json:"hasNextPage"`
		}
		params := map[string]any{
			"query":  map[string]string{"MoveEventType": eventType},
			"cursor": cursor,
			"limit":  pageSize,
		}
		if err := c.call(ctx, "suix_queryEvents", params, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Data...)
		if !out.HasNext {
			break
		}
		cursor = out.NextCursor
	}
	return all, nil
}

func (c *HTTPClient) GetObject(ctx context.Context, objectID string) (Object, error) {
	var out Object
	if err := c.call(ctx, "sui_getObject", map[string]string{"objectId": objectID}, &out); err != nil {
		return Object{}, err
	}
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
