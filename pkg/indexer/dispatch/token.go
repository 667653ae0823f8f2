package dispatch

import (
	"context"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/shopspring/decimal"
)

// handleToken follows cw20 movements of tracked tokens. Movements to or from a pair are left to handlePair,
// which knows the trade price; LP mint and burn belong to the pair as well.
func handleToken(ctx context.Context, d *Dispatcher, c *Call) error {
	token := c.Contract.Address

	switch action := c.Action(); action {
	case "transfer", "send", "transfer_from", "send_from":
		amount, err := c.Amount("amount")
		if err != nil {
			return err
		}
		from, to := c.Attr("from"), c.Attr("to")
		for _, addr := range []string{from, to} {
			pair, err := d.isPair(ctx, c.Work, addr)
			if err != nil {
				return err
			}
			if pair {
				return nil
			}
		}

		if err := d.applyBalance(ctx, c.Work, c.Event, from, token, decimal.Zero, amount.Neg()); err != nil {
			return err
		}
		if err := d.applyBalance(ctx, c.Work, c.Event, to, token, decimal.Zero, amount); err != nil {
			return err
		}

		data := c.Data("from", "to", "by", "amount")
		data["action"] = action
		if err := recordForAccount(ctx, c, models.TxSend, from, token, data); err != nil {
			return err
		}
		return recordForAccount(ctx, c, models.TxReceive, to, token, data)

	case "mint", "burn", "burn_from":
		if c.Contract.Kind == models.ContractLPToken {
			return nil
		}
		amount, err := c.Amount("amount")
		if err != nil {
			return err
		}
		if action == "mint" {
			return d.applyBalance(ctx, c.Work, c.Event, c.Attr("to"), token, decimal.Zero, amount)
		}
		return d.applyBalance(ctx, c.Work, c.Event, c.Attr("from"), token, decimal.Zero, amount.Neg())
	}
	return nil
}

// recordForAccount appends a record only for addresses the indexer tracks.
func recordForAccount(ctx context.Context, c *Call, typ models.TxType, address, token string, data any) error {
	if address == "" {
		return nil
	}
	a, err := c.Work.Account(ctx, address)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	return c.Record(typ, address, token, data)
}
