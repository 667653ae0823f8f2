package dispatch

import (
	"context"
	"strings"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
	"github.com/shopspring/decimal"
)

// handlePair tracks pool reserves and LP supply, and prices the asset side of every trade for app users.
func handlePair(ctx context.Context, d *Dispatcher, c *Call) error {
	token := c.Contract.Token

	switch c.Action() {
	case "swap":
		offer, err := c.Amount("offer_amount")
		if err != nil {
			return err
		}
		ret, err := c.Amount("return_amount")
		if err != nil {
			return err
		}
		if !offer.IsPositive() || !ret.IsPositive() {
			return nil
		}
		trader := c.Sender()
		receiver := c.Attr("receiver")
		if receiver == "" {
			receiver = trader
		}
		data := c.Data("offer_asset", "ask_asset", "offer_amount", "return_amount",
			"tax_amount", "spread_amount", "commission_amount")

		if c.Attr("offer_asset") == uusd {
			// buy: uusd in, asset out
			price := offer.Div(ret)
			data["price"] = price.String()
			c.Work.AddPosition(models.AssetPositionDelta{Token: token, Pool: ret.Neg(), UusdPool: offer})
			if err := d.applyBalance(ctx, c.Work, c.Event, receiver, token, price, ret); err != nil {
				return err
			}
			return c.recordWithUusd(models.TxBuy, trader, token, data, offer.Neg())
		}

		price := ret.Div(offer)
		data["price"] = price.String()
		c.Work.AddPosition(models.AssetPositionDelta{Token: token, Pool: offer, UusdPool: ret.Neg()})
		if err := d.applyBalance(ctx, c.Work, c.Event, trader, token, price, offer.Neg()); err != nil {
			return err
		}
		return c.recordWithUusd(models.TxSell, trader, token, data, ret)

	case "provide_liquidity":
		assets, err := codec.ParseCoins(strings.ReplaceAll(c.Attr("assets"), " ", ""))
		if err != nil {
			return err
		}
		share, err := c.Amount("share")
		if err != nil {
			return err
		}
		amount, uusdAmount := codec.Sum(assets, token), codec.Sum(assets, uusd)
		c.Work.AddPosition(models.AssetPositionDelta{Token: token, Pool: amount, UusdPool: uusdAmount, LPShares: share})

		provider := c.Sender()
		if amount.IsPositive() {
			if err := d.applyBalance(ctx, c.Work, c.Event, provider, token, uusdAmount.Div(amount), amount.Neg()); err != nil {
				return err
			}
		}
		lp, err := lpToken(ctx, c)
		if err != nil {
			return err
		}
		if lp != "" && share.IsPositive() {
			lpPrice := uusdAmount.Mul(decimal.NewFromInt(2)).Div(share)
			if err := d.applyBalance(ctx, c.Work, c.Event, provider, lp, lpPrice, share); err != nil {
				return err
			}
		}
		return c.recordWithUusd(models.TxProvideLiquidity, provider, token, c.Data("assets", "share"), uusdAmount.Neg())

	case "withdraw_liquidity":
		refund, err := codec.ParseCoins(strings.ReplaceAll(c.Attr("refund_assets"), " ", ""))
		if err != nil {
			return err
		}
		share, err := c.Amount("withdrawn_share")
		if err != nil {
			return err
		}
		amount, uusdAmount := codec.Sum(refund, token), codec.Sum(refund, uusd)
		c.Work.AddPosition(models.AssetPositionDelta{
			Token: token, Pool: amount.Neg(), UusdPool: uusdAmount.Neg(), LPShares: share.Neg(),
		})

		provider := c.Sender()
		if amount.IsPositive() {
			if err := d.applyBalance(ctx, c.Work, c.Event, provider, token, uusdAmount.Div(amount), amount); err != nil {
				return err
			}
		}
		lp, err := lpToken(ctx, c)
		if err != nil {
			return err
		}
		if lp != "" {
			if err := d.applyBalance(ctx, c.Work, c.Event, provider, lp, decimal.Zero, share.Neg()); err != nil {
				return err
			}
		}
		return c.recordWithUusd(models.TxWithdrawLiquidity, provider, token, c.Data("refund_assets", "withdrawn_share"), uusdAmount)
	}
	return nil
}

func lpToken(ctx context.Context, c *Call) (string, error) {
	a, err := c.Work.Asset(ctx, c.Contract.Token)
	if err != nil || a == nil {
		return "", err
	}
	return a.LPToken, nil
}

func (c *Call) recordWithUusd(typ models.TxType, address, token string, data any, uusdChange decimal.Decimal) error {
	if err := c.Record(typ, address, token, data); err != nil {
		return err
	}
	txs := c.Work.Txs()
	txs[len(txs)-1].UusdChange = uusdChange
	return nil
}
