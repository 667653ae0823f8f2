package dispatch

import (
	"context"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/uow"
	"github.com/shopspring/decimal"
)

// nativeRecord appends a record for a registered account and moves its uusd ledger.
func (d *Dispatcher) nativeRecord(ctx context.Context, w *uow.Work, ev *codec.Event, typ models.TxType,
	address string, data any, tags []string, uusdChange decimal.Decimal) error {
	if address == "" {
		return nil
	}
	account, err := w.Account(ctx, address)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}

	tx, err := newTx(ev, typ, address, "", data)
	if err != nil {
		return err
	}
	tx.UusdChange = uusdChange
	tx.Tags = tags
	w.AddTx(tx)

	return d.applyBalance(ctx, w, ev, address, uusd, one, uusdChange)
}

func denoms(coins []codec.Coin) []string {
	out := make([]string, 0, len(coins))
	for _, c := range coins {
		out = append(out, c.Token)
	}
	return out
}

// handleNativeTransfer covers MsgSend and every leg of MsgMultiSend, as reported by the transfer log.
func handleNativeTransfer(ctx context.Context, d *Dispatcher, w *uow.Work, ev *codec.Event) error {
	for _, t := range ev.Transfers {
		amount := codec.Sum(t.Coins, uusd)
		data := map[string]any{"from": t.Sender, "to": t.Recipient, "amount": coinsString(t.Coins)}
		tags := denoms(t.Coins)

		if err := d.nativeRecord(ctx, w, ev, models.TxTerraSend, t.Sender, data, tags, amount.Neg()); err != nil {
			return err
		}
		if err := d.nativeRecord(ctx, w, ev, models.TxTerraReceive, t.Recipient, data, tags, amount); err != nil {
			return err
		}
	}
	return nil
}

func handleNativeSwap(ctx context.Context, d *Dispatcher, w *uow.Work, ev *codec.Event) error {
	offer, swapped, err := swapCoins(ev)
	if err != nil {
		return err
	}
	data := map[string]any{
		"offer":     offer.String(),
		"trader":    ev.Swap.Get("trader"),
		"recipient": ev.Swap.Get("recipient"),
		"swapCoin":  swapped.String(),
		"swapFee":   ev.Swap.Get("swap_fee"),
	}
	change := uusdChange(offer, swapped)
	return d.nativeRecord(ctx, w, ev, models.TxTerraSwap, ev.Sender, data,
		[]string{offer.Token, swapped.Token}, change)
}

// handleNativeSwapSend splits the swap into the sender's offer and the recipient's receipt.
func handleNativeSwapSend(ctx context.Context, d *Dispatcher, w *uow.Work, ev *codec.Event) error {
	offer, swapped, err := swapCoins(ev)
	if err != nil {
		return err
	}
	data := map[string]any{
		"offer":    offer.String(),
		"from":     ev.Sender,
		"to":       ev.Recipient,
		"swapCoin": swapped.String(),
		"swapFee":  ev.Swap.Get("swap_fee"),
	}
	tags := []string{offer.Token, swapped.Token}

	sent := decimal.Zero
	if offer.Token == uusd {
		sent = offer.Amount.Neg()
	}
	if err := d.nativeRecord(ctx, w, ev, models.TxTerraSwapSend, ev.Sender, data, tags, sent); err != nil {
		return err
	}

	received := decimal.Zero
	if swapped.Token == uusd {
		received = swapped.Amount
	}
	return d.nativeRecord(ctx, w, ev, models.TxTerraReceive, ev.Recipient, data, tags, received)
}

func swapCoins(ev *codec.Event) (offer, swapped codec.Coin, err error) {
	offer, err = ev.Swap.Coin("offer")
	if err != nil {
		return
	}
	swapped, err = ev.Swap.Coin("swap_coin")
	return
}

func uusdChange(offer, swapped codec.Coin) decimal.Decimal {
	switch {
	case offer.Token == uusd:
		return offer.Amount.Neg()
	case swapped.Token == uusd:
		return swapped.Amount
	}
	return decimal.Zero
}

func coinsString(coins []codec.Coin) string {
	return feeString(coins)
}
