package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Coin is a native denomination amount as reported by the chain. Amounts stay strings until decoded.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is one categorised group of attributes inside a message log ("from_contract", "transfer", ...).
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// TxLog is the result log of one message.
type TxLog struct {
	MsgIndex int     `json:"msg_index"`
	Log      string  `json:"log"`
	Events   []Event `json:"events"`
}

// Msg is a message as signed, with its amino type tag and untouched value.
type Msg struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Tx is a finalized transaction with its per-message logs in message order.
type Tx struct {
	Height    uint64
	TxHash    string
	Timestamp time.Time
	Fee       []Coin
	Memo      string
	Msgs      []Msg
	Logs      []TxLog
}

// lcdTx mirrors the LCD /txs wire format.
type lcdTx struct {
	Height    string    `json:"height"`
	TxHash    string    `json:"txhash"`
	Timestamp time.Time `json:"timestamp"`
	Logs      []TxLog   `json:"logs"`
	Tx        struct {
		Value struct {
			Msg []Msg `json:"msg"`
			Fee struct {
				Amount []Coin `json:"amount"`
			} `json:"fee"`
			Memo string `json:"memo"`
		} `json:"value"`
	} `json:"tx"`
}

func (t *lcdTx) toTx() (*Tx, error) {
	h, err := strconv.ParseUint(t.Height, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tx %s: bad height %q: %w", t.TxHash, t.Height, err)
	}
	return &Tx{
		Height:    h,
		TxHash:    t.TxHash,
		Timestamp: t.Timestamp.UTC(),
		Fee:       t.Tx.Value.Fee.Amount,
		Memo:      t.Tx.Value.Memo,
		Msgs:      t.Tx.Value.Msg,
		Logs:      t.Logs,
	}, nil
}

type lcdTxPage struct {
	TotalCount string  `json:"total_count"`
	Count      string  `json:"count"`
	PageNumber string  `json:"page_number"`
	PageTotal  string  `json:"page_total"`
	Txs        []lcdTx `json:"txs"`
}

func (p *lcdTxPage) pageTotal() int {
	n, _ := strconv.Atoi(p.PageTotal)
	return n
}

type lcdLatestBlock struct {
	Block struct {
		Header struct {
			Height string `json:"height"`
		} `json:"header"`
	} `json:"block"`
}

type lcdResult[T any] struct {
	Height string `json:"height"`
	Result T      `json:"result"`
}
