package dispatch

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
)

func handleMint(ctx context.Context, _ *Dispatcher, c *Call) error {
	idx := c.Attr("position_idx")

	switch c.Action() {
	case "open_position":
		mint, err := c.Coin("mint_amount")
		if err != nil {
			return err
		}
		collateral, err := c.Coin("collateral_amount")
		if err != nil {
			return err
		}
		if idx == "" {
			return fmt.Errorf("%w: open_position without position_idx", codec.ErrMalformedLog)
		}
		c.Work.CreateCdp(&models.Cdp{
			ID:               idx,
			Address:          c.Sender(),
			Token:            mint.Token,
			MintAmount:       mint.Amount,
			CollateralToken:  collateral.Token,
			CollateralAmount: collateral.Amount,
			IsShort:          c.Attr("is_short") == "true",
			CreatedAt:        c.Event.Timestamp,
		})
		c.Work.AddPosition(models.AssetPositionDelta{Token: mint.Token, Mint: mint.Amount})
		c.Work.AddPosition(models.AssetPositionDelta{Token: collateral.Token, AsCollateral: collateral.Amount})
		return c.Record(models.TxOpenPosition, c.Sender(), mint.Token,
			c.Data("position_idx", "mint_amount", "collateral_amount", "is_short"))

	case "deposit":
		deposit, err := c.Coin("deposit_amount")
		if err != nil {
			return err
		}
		cdp, err := position(ctx, c, idx)
		if err != nil {
			return err
		}
		cdp.CollateralAmount = cdp.CollateralAmount.Add(deposit.Amount)
		cdp.Touch()
		c.Work.AddPosition(models.AssetPositionDelta{Token: deposit.Token, AsCollateral: deposit.Amount})
		return c.Record(models.TxDepositCollateral, c.Sender(), deposit.Token,
			c.Data("position_idx", "deposit_amount"))

	case "withdraw":
		withdraw, err := c.Coin("withdraw_amount")
		if err != nil {
			return err
		}
		cdp, err := position(ctx, c, idx)
		if err != nil {
			return err
		}
		cdp.CollateralAmount = cdp.CollateralAmount.Sub(withdraw.Amount)
		cdp.Touch()
		c.Work.AddPosition(models.AssetPositionDelta{Token: withdraw.Token, AsCollateral: withdraw.Amount.Neg()})
		return c.Record(models.TxWithdrawCollateral, c.Sender(), withdraw.Token,
			c.Data("position_idx", "withdraw_amount", "tax_amount", "protocol_fee"))

	case "mint":
		mint, err := c.Coin("mint_amount")
		if err != nil {
			return err
		}
		cdp, err := position(ctx, c, idx)
		if err != nil {
			return err
		}
		cdp.MintAmount = cdp.MintAmount.Add(mint.Amount)
		cdp.Touch()
		c.Work.AddPosition(models.AssetPositionDelta{Token: mint.Token, Mint: mint.Amount})
		return c.Record(models.TxMint, c.Sender(), mint.Token, c.Data("position_idx", "mint_amount"))

	case "burn":
		burn, err := c.Coin("burn_amount")
		if err != nil {
			return err
		}
		cdp, err := position(ctx, c, idx)
		if err != nil {
			return err
		}
		cdp.MintAmount = cdp.MintAmount.Sub(burn.Amount)
		cdp.Touch()
		c.Work.AddPosition(models.AssetPositionDelta{Token: burn.Token, Mint: burn.Amount.Neg()})
		return c.Record(models.TxBurn, c.Sender(), burn.Token, c.Data("position_idx", "burn_amount"))
	}
	return nil
}

func position(ctx context.Context, c *Call, idx string) (*models.Cdp, error) {
	cdp, err := c.Work.Cdp(ctx, idx)
	if err != nil {
		return nil, err
	}
	if cdp == nil {
		return nil, fmt.Errorf("position %q: %w", idx, ErrCdpNotFound)
	}
	return cdp, nil
}
