package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// AssetInfo is the cw20-or-native asset descriptor used by mirror and terraswap contracts.
type AssetInfo struct {
	Token *struct {
		ContractAddr string `json:"contract_addr"`
	} `json:"token,omitempty"`
	NativeToken *struct {
		Denom string `json:"denom"`
	} `json:"native_token,omitempty"`
}

// ID returns the contract address for cw20 assets and the denom for native ones.
func (a AssetInfo) ID() string {
	if a.Token != nil {
		return a.Token.ContractAddr
	}
	if a.NativeToken != nil {
		return a.NativeToken.Denom
	}
	return ""
}

// TokenAsset builds a cw20 AssetInfo.
func TokenAsset(addr string) AssetInfo {
	a := AssetInfo{}
	a.Token = &struct {
		ContractAddr string `json:"contract_addr"`
	}{ContractAddr: addr}
	return a
}

// NativeAsset builds a native AssetInfo.
func NativeAsset(denom string) AssetInfo {
	a := AssetInfo{}
	a.NativeToken = &struct {
		Denom string `json:"denom"`
	}{Denom: denom}
	return a
}

type Asset struct {
	Info   AssetInfo       `json:"info"`
	Amount decimal.Decimal `json:"amount"`
}

type PoolResponse struct {
	Assets     []Asset         `json:"assets"`
	TotalShare decimal.Decimal `json:"total_share"`
}

// Amounts splits the pool into the asset side and the uusd side.
func (p *PoolResponse) Amounts(token string) (asset, uusd decimal.Decimal) {
	asset, uusd = decimal.Zero, decimal.Zero
	for _, a := range p.Assets {
		switch a.Info.ID() {
		case token:
			asset = a.Amount
		case "uusd":
			uusd = a.Amount
		}
	}
	return asset, uusd
}

type TokenInfoResponse struct {
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Decimals    int             `json:"decimals"`
	TotalSupply decimal.Decimal `json:"total_supply"`
}

type BalanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type PositionResponse struct {
	Idx        string `json:"idx"`
	Owner      string `json:"owner"`
	Collateral Asset  `json:"collateral"`
	Asset      Asset  `json:"asset"`
	IsShort    bool   `json:"is_short"`
}

type PositionsResponse struct {
	Positions []PositionResponse `json:"positions"`
}

type AssetConfigResponse struct {
	Token              string          `json:"token"`
	AuctionDiscount    decimal.Decimal `json:"auction_discount"`
	MinCollateralRatio decimal.Decimal `json:"min_collateral_ratio"`
}

type CollateralInfoResponse struct {
	CollateralToken string          `json:"collateral_token"`
	Rate            decimal.Decimal `json:"rate"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	IsRevoked       bool            `json:"is_revoked"`
}

type OraclePriceResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

type EpochStateResponse struct {
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// QueryContract runs query against address and decodes the result into T.
func QueryContract[T any](ctx context.Context, c Client, address string, query any, height uint64) (T, error) {
	var out T
	raw, err := c.ContractState(ctx, address, query, height)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", address, err)
	}
	return out, nil
}

// Pool queries a terraswap pair.
func Pool(ctx context.Context, c Client, pair string, height uint64) (PoolResponse, error) {
	return QueryContract[PoolResponse](ctx, c, pair, map[string]any{"pool": struct{}{}}, height)
}

func TokenInfo(ctx context.Context, c Client, token string, height uint64) (TokenInfoResponse, error) {
	return QueryContract[TokenInfoResponse](ctx, c, token, map[string]any{"token_info": struct{}{}}, height)
}

// TokenBalance returns the cw20 balance of holder.
func TokenBalance(ctx context.Context, c Client, token, holder string, height uint64) (BalanceResponse, error) {
	q := map[string]any{"balance": map[string]string{"address": holder}}
	return QueryContract[BalanceResponse](ctx, c, token, q, height)
}

func Position(ctx context.Context, c Client, mint, idx string, height uint64) (PositionResponse, error) {
	q := map[string]any{"position": map[string]string{"position_idx": idx}}
	return QueryContract[PositionResponse](ctx, c, mint, q, height)
}

// Positions lists mint positions ordered by index, starting after startAfter (empty for the first page).
func Positions(ctx context.Context, c Client, mint, startAfter string, limit int, height uint64) (PositionsResponse, error) {
	args := map[string]any{"limit": limit, "order_by": "asc"}
	if startAfter != "" {
		args["start_after"] = startAfter
	}
	return QueryContract[PositionsResponse](ctx, c, mint, map[string]any{"positions": args}, height)
}

func AssetConfig(ctx context.Context, c Client, mint, token string, height uint64) (AssetConfigResponse, error) {
	q := map[string]any{"asset_config": map[string]string{"asset_token": token}}
	return QueryContract[AssetConfigResponse](ctx, c, mint, q, height)
}

func CollateralInfo(ctx context.Context, c Client, collateralOracle, asset string, height uint64) (CollateralInfoResponse, error) {
	q := map[string]any{"collateral_asset_info": map[string]string{"asset": asset}}
	return QueryContract[CollateralInfoResponse](ctx, c, collateralOracle, q, height)
}

// OraclePrice returns base priced in uusd.
func OraclePrice(ctx context.Context, c Client, oracle, base string) (OraclePriceResponse, error) {
	q := map[string]any{"price": map[string]string{"base_asset": base, "quote_asset": "uusd"}}
	return QueryContract[OraclePriceResponse](ctx, c, oracle, q, 0)
}

func EpochState(ctx context.Context, c Client, market string) (EpochStateResponse, error) {
	return QueryContract[EpochStateResponse](ctx, c, market, map[string]any{"epoch_state": struct{}{}}, 0)
}

// MinCollateralRatio is asset_config.min_collateral_ratio times the collateral multiplier.
// The multiplier is 1 for uusd, without a collateral oracle, or when the oracle has no entry for collateral.
func MinCollateralRatio(ctx context.Context, c Client, mint, collateralOracle, token, collateral string, height uint64) (decimal.Decimal, error) {
	cfg, err := AssetConfig(ctx, c, mint, token, height)
	if err != nil {
		return decimal.Zero, fmt.Errorf("asset config %s: %w", token, err)
	}
	if collateral == "uusd" || collateralOracle == "" {
		return cfg.MinCollateralRatio, nil
	}
	info, err := CollateralInfo(ctx, c, collateralOracle, collateral, height)
	if err != nil || !info.Multiplier.IsPositive() {
		return cfg.MinCollateralRatio, nil
	}
	return cfg.MinCollateralRatio.Mul(info.Multiplier), nil
}
