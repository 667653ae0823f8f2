package dispatch

import (
	"context"

	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/uow"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// trackUusd follows native uusd moved by contract calls for app users.
func (d *Dispatcher) trackUusd(ctx context.Context, w *uow.Work, ev *codec.Event) error {
	for _, t := range ev.Transfers {
		amount := codec.Sum(t.Coins, uusd)
		if amount.IsZero() {
			continue
		}
		if err := d.applyBalance(ctx, w, ev, t.Sender, uusd, one, amount.Neg()); err != nil {
			return err
		}
		if err := d.applyBalance(ctx, w, ev, t.Recipient, uusd, one, amount); err != nil {
			return err
		}
	}
	return nil
}

// trackFee debits the uusd fee from the signer once per transaction.
func (d *Dispatcher) trackFee(ctx context.Context, w *uow.Work, ev *codec.Event) error {
	fee := codec.Sum(ev.Fee, uusd)
	if fee.IsZero() || !w.ChargeFee(ev.TxHash) {
		return nil
	}
	return d.applyBalance(ctx, w, ev, ev.Sender, uusd, one, fee.Neg())
}
