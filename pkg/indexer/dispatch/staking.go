package dispatch

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
)

func handleStaking(_ context.Context, _ *Dispatcher, c *Call) error {
	switch c.Action() {
	case "bond", "unbond":
		token := c.Attr("asset_token")
		if token == "" {
			return fmt.Errorf("%w: %s without asset_token", codec.ErrMalformedLog, c.Action())
		}
		amount, err := c.Amount("amount")
		if err != nil {
			return err
		}
		typ := models.TxStake
		if c.Action() == "unbond" {
			typ = models.TxUnstake
			amount = amount.Neg()
		}
		c.Work.AddPosition(models.AssetPositionDelta{Token: token, LPStaked: amount})
		return c.Record(typ, c.Sender(), token, c.Data("asset_token", "amount"))

	case "withdraw":
		return c.Record(models.TxWithdrawRewards, c.Sender(), c.Contract.Token, c.Data("asset_token", "amount"))
	}
	return nil
}
