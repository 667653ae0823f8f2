package dispatch

import (
	"context"
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/indexer/codec"
)

// handleFactory registers newly whitelisted assets together with their token, pair and LP contracts.
func handleFactory(ctx context.Context, _ *Dispatcher, c *Call) error {
	if c.Action() != "whitelist" {
		return nil
	}
	token := c.Attr("asset_token")
	pair := c.Attr("pair_contract_addr")
	lp := c.Attr("liquidity_token_addr")
	if token == "" || pair == "" || lp == "" {
		return fmt.Errorf("%w: whitelist without asset/pair/lp address", codec.ErrMalformedLog)
	}

	existing, err := c.Work.Asset(ctx, token)
	if err != nil {
		return err
	}
	asset := &models.Asset{
		Token:       token,
		Symbol:      c.Attr("symbol"),
		Name:        c.Attr("name"),
		Pair:        pair,
		LPToken:     lp,
		Status:      models.AssetListed,
		PriceSource: models.PriceOracle,
	}
	if existing != nil && existing.PriceSource != "" {
		asset.PriceSource = existing.PriceSource
	}
	if asset.Name == "" {
		asset.Name = asset.Symbol
	}

	c.Work.AddAsset(asset)
	c.Work.AddContract(&models.Contract{Address: token, Kind: models.ContractToken, Token: token})
	c.Work.AddContract(&models.Contract{Address: pair, Kind: models.ContractPair, Token: token})
	c.Work.AddContract(&models.Contract{Address: lp, Kind: models.ContractLPToken, Token: token})
	c.Work.AddPosition(models.AssetPositionDelta{Token: token})

	return c.Record(models.TxWhitelist, c.Sender(), token,
		c.Data("symbol", "asset_token", "pair_contract_addr", "liquidity_token_addr"))
}
