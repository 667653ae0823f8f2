package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/rpc"
)

// ErrMalformedLog marks a whitelisted message whose log or value does not have the expected shape.
var ErrMalformedLog = errors.New("malformed log")

type MsgKind string

const (
	MsgSend            MsgKind = "bank/MsgSend"
	MsgMultiSend       MsgKind = "bank/MsgMultiSend"
	MsgSwap            MsgKind = "market/MsgSwap"
	MsgSwapSend        MsgKind = "market/MsgSwapSend"
	MsgExecuteContract MsgKind = "wasm/MsgExecuteContract"
)

var whitelist = map[MsgKind]bool{
	MsgSend:            true,
	MsgMultiSend:       true,
	MsgSwap:            true,
	MsgSwapSend:        true,
	MsgExecuteContract: true,
}

// Whitelisted reports whether messages of type t are decoded at all.
func Whitelisted(t string) bool {
	return whitelist[MsgKind(t)]
}

// Event is one decoded message with the log categories its handlers read.
type Event struct {
	Index     int
	Kind      MsgKind
	Height    uint64
	TxHash    string
	Timestamp time.Time
	Memo      string
	Fee       []Coin

	// Sender is the signer of the message (trader for swaps, first input for multi-send).
	Sender string
	Coins  []Coin

	// Contract and Call are set for contract executions. Call is the first key of execute_msg.
	Contract string
	Call     string
	Msg      json.RawMessage

	// Attributes is the flat from_contract category; Contracts splits it per emitting contract.
	Attributes Attributes
	Contracts  []ContractEvent
	Transfers  []Transfer
	Swap       Attributes

	// Recipient and Legs are set for native messages.
	Recipient string
	Legs      []Transfer
}

// MsgError locates a decode failure at one message of the transaction.
type MsgError struct {
	Index int
	Err   error
}

func (e *MsgError) Error() string { return fmt.Sprintf("msg %d: %v", e.Index, e.Err) }
func (e *MsgError) Unwrap() error { return e.Err }

// Decode turns the whitelisted messages of tx into events, in message order.
// A message whose required log category is absent yields no event.
func Decode(tx *rpc.Tx) ([]Event, error) {
	fee := make([]Coin, 0, len(tx.Fee))
	for _, c := range tx.Fee {
		coin, err := fromWire(c.Denom, c.Amount)
		if err != nil {
			return nil, fmt.Errorf("fee: %w", err)
		}
		fee = append(fee, coin)
	}

	var events []Event
	for i, msg := range tx.Msgs {
		if !Whitelisted(msg.Type) {
			continue
		}
		if i >= len(tx.Logs) {
			return nil, &MsgError{Index: i, Err: fmt.Errorf("%w: no log for message", ErrMalformedLog)}
		}

		ev := Event{
			Index:     i,
			Kind:      MsgKind(msg.Type),
			Height:    tx.Height,
			TxHash:    tx.TxHash,
			Timestamp: tx.Timestamp,
			Memo:      tx.Memo,
			Fee:       fee,
		}
		ok, err := decodeMsg(&ev, msg, tx.Logs[i])
		if err != nil {
			return nil, &MsgError{Index: i, Err: err}
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeMsg(ev *Event, msg rpc.Msg, log rpc.TxLog) (bool, error) {
	if transfer, ok := findCategory(log, "transfer"); ok {
		transfers, err := splitTransfers(transfer)
		if err != nil {
			return false, err
		}
		ev.Transfers = transfers
	}
	swap, hasSwap := findCategory(log, "swap")
	ev.Swap = swap

	switch ev.Kind {
	case MsgExecuteContract:
		attrs, ok := findCategory(log, "from_contract")
		if !ok {
			return false, nil
		}
		if err := decodeExecute(ev, msg.Value); err != nil {
			return false, err
		}
		contracts, err := splitContracts(attrs)
		if err != nil {
			return false, err
		}
		ev.Attributes = attrs
		ev.Contracts = contracts
		return true, nil
	case MsgSend:
		if ev.Transfers == nil {
			return false, nil
		}
		return true, decodeSend(ev, msg.Value)
	case MsgMultiSend:
		if ev.Transfers == nil {
			return false, nil
		}
		return true, decodeMultiSend(ev, msg.Value)
	case MsgSwap:
		if !hasSwap {
			return false, nil
		}
		return true, decodeSwap(ev, msg.Value)
	case MsgSwapSend:
		if !hasSwap {
			return false, nil
		}
		return true, decodeSwapSend(ev, msg.Value)
	}
	return false, nil
}

type wireCoins []rpc.Coin

func (w wireCoins) decode() ([]Coin, error) {
	out := make([]Coin, 0, len(w))
	for _, c := range w {
		coin, err := fromWire(c.Denom, c.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, coin)
	}
	return out, nil
}

func unmarshalValue(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: message value: %v", ErrMalformedLog, err)
	}
	return nil
}

func decodeExecute(ev *Event, raw json.RawMessage) error {
	var v struct {
		Sender     string          `json:"sender"`
		Contract   string          `json:"contract"`
		ExecuteMsg json.RawMessage `json:"execute_msg"`
		Coins      wireCoins       `json:"coins"`
	}
	if err := unmarshalValue(raw, &v); err != nil {
		return err
	}
	coins, err := v.Coins.decode()
	if err != nil {
		return err
	}
	ev.Sender = v.Sender
	ev.Contract = v.Contract
	ev.Coins = coins
	ev.Msg = v.ExecuteMsg

	var call map[string]json.RawMessage
	if len(v.ExecuteMsg) > 0 {
		if err := json.Unmarshal(v.ExecuteMsg, &call); err != nil {
			return fmt.Errorf("%w: execute_msg: %v", ErrMalformedLog, err)
		}
	}
	if len(call) == 1 {
		for k := range call {
			ev.Call = k
		}
	}
	return nil
}

func decodeSend(ev *Event, raw json.RawMessage) error {
	var v struct {
		FromAddress string    `json:"from_address"`
		ToAddress   string    `json:"to_address"`
		Amount      wireCoins `json:"amount"`
	}
	if err := unmarshalValue(raw, &v); err != nil {
		return err
	}
	coins, err := v.Amount.decode()
	if err != nil {
		return err
	}
	ev.Msg = raw
	ev.Sender = v.FromAddress
	ev.Recipient = v.ToAddress
	ev.Coins = coins
	ev.Legs = []Transfer{{Sender: v.FromAddress, Recipient: v.ToAddress, Coins: coins}}
	return nil
}

func decodeMultiSend(ev *Event, raw json.RawMessage) error {
	type io struct {
		Address string    `json:"address"`
		Coins   wireCoins `json:"coins"`
	}
	var v struct {
		Inputs  []io `json:"inputs"`
		Outputs []io `json:"outputs"`
	}
	if err := unmarshalValue(raw, &v); err != nil {
		return err
	}
	if len(v.Inputs) == 0 {
		return fmt.Errorf("%w: multi-send without inputs", ErrMalformedLog)
	}
	ev.Msg = raw
	ev.Sender = v.Inputs[0].Address
	for _, in := range v.Inputs {
		coins, err := in.Coins.decode()
		if err != nil {
			return err
		}
		ev.Legs = append(ev.Legs, Transfer{Sender: in.Address, Coins: coins})
	}
	for _, out := range v.Outputs {
		coins, err := out.Coins.decode()
		if err != nil {
			return err
		}
		ev.Legs = append(ev.Legs, Transfer{Recipient: out.Address, Coins: coins})
	}
	return nil
}

func decodeSwap(ev *Event, raw json.RawMessage) error {
	var v struct {
		Trader    string   `json:"trader"`
		OfferCoin rpc.Coin `json:"offer_coin"`
		AskDenom  string   `json:"ask_denom"`
	}
	if err := unmarshalValue(raw, &v); err != nil {
		return err
	}
	offer, err := fromWire(v.OfferCoin.Denom, v.OfferCoin.Amount)
	if err != nil {
		return err
	}
	ev.Msg = raw
	ev.Sender = v.Trader
	ev.Recipient = v.Trader
	ev.Coins = []Coin{offer}
	return nil
}

func decodeSwapSend(ev *Event, raw json.RawMessage) error {
	var v struct {
		FromAddress string   `json:"from_address"`
		ToAddress   string   `json:"to_address"`
		OfferCoin   rpc.Coin `json:"offer_coin"`
	}
	if err := unmarshalValue(raw, &v); err != nil {
		return err
	}
	offer, err := fromWire(v.OfferCoin.Denom, v.OfferCoin.Amount)
	if err != nil {
		return err
	}
	ev.Msg = raw
	ev.Sender = v.FromAddress
	ev.Recipient = v.ToAddress
	ev.Coins = []Coin{offer}
	return nil
}
