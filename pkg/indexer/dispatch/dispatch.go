// Package dispatch routes decoded events to per-contract-kind and per-message-kind handlers.
// Handlers only touch the unit of work they are given; nothing is written until it is flushed.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/balance"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/uow"
	"github.com/mirror-protocol/mirrorx/pkg/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCdpNotFound means an event names a position the store does not have.
var ErrCdpNotFound = errors.New("cdp not found")

const uusd = "uusd"

// TxError annotates a handler or decode failure with the transaction it happened in.
type TxError struct {
	Height uint64
	TxHash string
	Msg    json.RawMessage
	Log    json.RawMessage
	Err    error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s at height %d: %v", e.TxHash, e.Height, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Resolver maps a contract address to a tracked protocol contract, or nil.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*models.Contract, error)
}

// Call is what a contract handler sees: one contract's slice of a decoded message.
type Call struct {
	Event    *codec.Event
	Contract *models.Contract
	Segment  codec.ContractEvent
	Work     *uow.Work
}

// Action is the action the contract reported, falling back to the execute_msg call name.
func (c *Call) Action() string {
	if a := c.Segment.Action(); a != "" {
		return a
	}
	return c.Event.Call
}

func (c *Call) Attr(key string) string {
	return c.Segment.Attributes.Get(key)
}

// Sender is the contract-reported sender when present, else the message signer.
func (c *Call) Sender() string {
	if s := c.Attr("sender"); s != "" {
		return s
	}
	return c.Event.Sender
}

// Coin parses an attribute holding "<amount><token>".
func (c *Call) Coin(key string) (codec.Coin, error) {
	return c.Segment.Attributes.Coin(key)
}

// Amount parses an attribute holding a bare amount.
func (c *Call) Amount(key string) (decimal.Decimal, error) {
	v := c.Attr(key)
	a, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: attribute %s=%q", codec.ErrMalformedLog, key, v)
	}
	return a, nil
}

// Data collects the named attributes into a record payload, skipping absent ones.
func (c *Call) Data(keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if c.Segment.Attributes.Has(k) {
			out[k] = c.Attr(k)
		}
	}
	return out
}

// Record appends a transaction record for address.
func (c *Call) Record(typ models.TxType, address, token string, data any) error {
	tx, err := newTx(c.Event, typ, address, token, data)
	if err != nil {
		return err
	}
	tx.Contract = c.Contract.Address
	c.Work.AddTx(tx)
	return nil
}

func newTx(ev *codec.Event, typ models.TxType, address, token string, data any) (*models.Tx, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", typ, err)
	}
	return &models.Tx{
		Height:     ev.Height,
		TxHash:     ev.TxHash,
		Address:    address,
		Type:       typ,
		Data:       raw,
		Token:      token,
		UusdChange: decimal.Zero,
		Fee:        feeString(ev.Fee),
		Datetime:   ev.Timestamp,
	}, nil
}

func feeString(fee []codec.Coin) string {
	parts := make([]string, 0, len(fee))
	for _, c := range fee {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

type ContractHandler func(ctx context.Context, d *Dispatcher, c *Call) error

type NativeHandler func(ctx context.Context, d *Dispatcher, w *uow.Work, ev *codec.Event) error

type Dispatcher struct {
	resolver  Resolver
	ledger    balance.Ledger
	contracts map[models.ContractKind]ContractHandler
	natives   map[codec.MsgKind]NativeHandler
	logger    *zap.Logger
}

func New(resolver Resolver, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		logger:   logger,
		contracts: map[models.ContractKind]ContractHandler{
			models.ContractMint:       handleMint,
			models.ContractPair:       handlePair,
			models.ContractStaking:    handleStaking,
			models.ContractGov:        handleGov,
			models.ContractToken:      handleToken,
			models.ContractLPToken:    handleToken,
			models.ContractFactory:    handleFactory,
			models.ContractCollector:  handleCollector,
			models.ContractAirdrop:    handleAirdrop,
			models.ContractLimitOrder: handleLimitOrder,
			models.ContractLock:       handleLock,
			models.ContractOracle:     handleOracle,
		},
		natives: map[codec.MsgKind]NativeHandler{
			codec.MsgSend:      handleNativeTransfer,
			codec.MsgMultiSend: handleNativeTransfer,
			codec.MsgSwap:      handleNativeSwap,
			codec.MsgSwapSend:  handleNativeSwapSend,
		},
	}
}

// Dispatch decodes tx and runs every event through its handlers, in message order.
// Any failure is returned as a *TxError and leaves w in an undefined state.
func (d *Dispatcher) Dispatch(ctx context.Context, w *uow.Work, tx *rpc.Tx) error {
	events, err := codec.Decode(tx)
	if err != nil {
		index := -1
		var me *codec.MsgError
		if errors.As(err, &me) {
			index = me.Index
		}
		return annotate(tx, index, err)
	}
	for i := range events {
		ev := &events[i]
		if err := d.handle(ctx, w, ev); err != nil {
			return annotate(tx, ev.Index, err)
		}
	}
	return nil
}

func annotate(tx *rpc.Tx, index int, err error) *TxError {
	te := &TxError{Height: tx.Height, TxHash: tx.TxHash, Err: err}
	if index >= 0 && index < len(tx.Msgs) {
		te.Msg, _ = json.Marshal(tx.Msgs[index])
	}
	if index >= 0 && index < len(tx.Logs) {
		te.Log, _ = json.Marshal(tx.Logs[index])
	}
	return te
}

func (d *Dispatcher) handle(ctx context.Context, w *uow.Work, ev *codec.Event) error {
	if ev.Kind != codec.MsgExecuteContract {
		h, ok := d.natives[ev.Kind]
		if !ok {
			return nil
		}
		if err := h(ctx, d, w, ev); err != nil {
			return err
		}
		return d.trackFee(ctx, w, ev)
	}

	for _, seg := range ev.Contracts {
		contract, err := d.resolve(ctx, w, seg.Address)
		if err != nil {
			return err
		}
		if contract == nil {
			continue
		}
		h, ok := d.contracts[contract.Kind]
		if !ok {
			continue
		}
		call := &Call{Event: ev, Contract: contract, Segment: seg, Work: w}
		if err := h(ctx, d, call); err != nil {
			return fmt.Errorf("%s %s %s: %w", contract.Kind, contract.Address, call.Action(), err)
		}
	}

	if err := d.trackUusd(ctx, w, ev); err != nil {
		return err
	}
	return d.trackFee(ctx, w, ev)
}

// resolve sees contracts registered earlier in the same batch before asking the registry.
func (d *Dispatcher) resolve(ctx context.Context, w *uow.Work, address string) (*models.Contract, error) {
	if c := w.Contract(address); c != nil {
		return c, nil
	}
	c, err := d.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	return c, nil
}

// isPair reports whether address is a tracked pair. Token movements to and from pairs are priced by the pair handler.
func (d *Dispatcher) isPair(ctx context.Context, w *uow.Work, address string) (bool, error) {
	c, err := d.resolve(ctx, w, address)
	if err != nil {
		return false, err
	}
	return c != nil && c.Kind == models.ContractPair, nil
}

func (d *Dispatcher) applyBalance(ctx context.Context, w *uow.Work, ev *codec.Event, address, token string, price, delta decimal.Decimal) error {
	_, err := d.ledger.ApplyDelta(ctx, w, address, token, price, delta, ev.Timestamp)
	return err
}
