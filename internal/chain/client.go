package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"printpay/internal/models"
	"printpay/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client looks up transfers through a memo-indexing RPC node. It satisfies
// the chain lookup the payment tracker depends on.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new chain RPC client
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result *transferResult `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transferResult struct {
	Found     bool   `json:"found"`
	Amount    string `json:"amount"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	TxID      string `json:"tx_id"`
}

// FindTransferByReference locates a transfer whose memo carries the payment
// reference. Returns (nil, nil) when no such transfer exists yet.
func (c *Client) FindTransferByReference(ctx context.Context, reference string) (*models.ChainTransfer, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "findTransferByReference",
		Params:  []interface{}{reference},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain rpc returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chain rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil || !rpcResp.Result.Found {
		return nil, nil
	}

	amount, err := decimal.NewFromString(rpcResp.Result.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer amount %q: %w", rpcResp.Result.Amount, err)
	}

	c.logger.Debug("Transfer located",
		zap.String("reference", reference),
		zap.String("tx_id", rpcResp.Result.TxID))

	return &models.ChainTransfer{
		Amount:    amount,
		Sender:    rpcResp.Result.Sender,
		Recipient: rpcResp.Result.Recipient,
		TxID:      rpcResp.Result.TxID,
	}, nil
}
