package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// WSClient subscribes to the chain-data push feed of incoming transfers.
// The feed only accelerates verification; polling stays authoritative.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) Subscribe(ctx context.Context, query string) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params": map[string]any{
			"query": query,
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// Transfer is a pushed notification of funds arriving at an address.
type Transfer struct {
	TxHash        string
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
}

// ParseTransfer decodes a feed message. ok is false for non-transfer frames
// (subscription acks, heartbeats).
func ParseTransfer(msg []byte) (*Transfer, bool, error) {
	var env struct {
		Result struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if len(env.Result.Data) == 0 {
		return nil, false, nil
	}

	var data struct {
		Type  string `json:"type"`
		Value struct {
			TxHash        string `json:"tx_hash"`
			ToAddress     string `json:"to_address"`
			Amount        string `json:"amount"`
			Confirmations int64  `json:"confirmations"`
		} `json:"value"`
	}
	if err := json.Unmarshal(env.Result.Data, &data); err != nil {
		return nil, false, err
	}
	if !strings.Contains(data.Type, "transfer") {
		return nil, false, nil
	}

	hash := strings.TrimSpace(data.Value.TxHash)
	if hash == "" || data.Value.ToAddress == "" {
		return nil, false, nil
	}
	amount, err := decimal.NewFromString(data.Value.Amount)
	if err != nil {
		return nil, false, err
	}

	return &Transfer{
		TxHash:        strings.ToUpper(hash),
		Address:       data.Value.ToAddress,
		Amount:        amount,
		Confirmations: data.Value.Confirmations,
	}, true, nil
}
