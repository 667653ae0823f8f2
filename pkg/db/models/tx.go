package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxOpenPosition       TxType = "OPEN_POSITION"
	TxDepositCollateral  TxType = "DEPOSIT_COLLATERAL"
	TxWithdrawCollateral TxType = "WITHDRAW_COLLATERAL"
	TxMint               TxType = "MINT"
	TxBurn               TxType = "BURN"

	TxBuy               TxType = "BUY"
	TxSell              TxType = "SELL"
	TxProvideLiquidity  TxType = "PROVIDE_LIQUIDITY"
	TxWithdrawLiquidity TxType = "WITHDRAW_LIQUIDITY"

	TxStake           TxType = "STAKE"
	TxUnstake         TxType = "UNSTAKE"
	TxWithdrawRewards TxType = "WITHDRAW_REWARDS"

	TxGovCreatePoll TxType = "GOV_CREATE_POLL"
	TxGovCastPoll   TxType = "GOV_CAST_POLL"
	TxGovStake      TxType = "GOV_STAKE"
	TxGovUnstake    TxType = "GOV_UNSTAKE"

	TxSend    TxType = "SEND"
	TxReceive TxType = "RECEIVE"

	TxWhitelist         TxType = "WHITELIST"
	TxConvertReward     TxType = "CONVERT_REWARD"
	TxDistributeReward  TxType = "DISTRIBUTE_REWARD"
	TxClaimAirdrop      TxType = "CLAIM_AIRDROP"
	TxSubmitLimitOrder  TxType = "SUBMIT_LIMIT_ORDER"
	TxCancelLimitOrder  TxType = "CANCEL_LIMIT_ORDER"
	TxExecuteLimitOrder TxType = "EXECUTE_LIMIT_ORDER"
	TxUnlockPosition    TxType = "UNLOCK_POSITION_FUNDS"

	TxTerraSend     TxType = "TERRA_SEND"
	TxTerraReceive  TxType = "TERRA_RECEIVE"
	TxTerraSwap     TxType = "TERRA_SWAP"
	TxTerraSwapSend TxType = "TERRA_SWAP_SEND"
)

// Tx is one side-effect-bearing event. Records are append-only.
type Tx struct {
	ID         int64           `db:"id"`
	Height     uint64          `db:"height"`
	TxHash     string          `db:"tx_hash"`
	Address    string          `db:"address"`
	Type       TxType          `db:"type"`
	Data       json.RawMessage `db:"data"`
	Token      string          `db:"token"`
	UusdChange decimal.Decimal `db:"uusd_change"`
	Fee        string          `db:"fee"`
	Tags       []string        `db:"tags"`
	Contract   string          `db:"contract"`
	Datetime   time.Time       `db:"datetime"`
}
