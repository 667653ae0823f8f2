package dispatch

import (
	"context"

	"github.com/mirror-protocol/mirrorx/pkg/db/models"
)

// recordAction maps a contract action to the record it produces and the attributes it keeps.
type recordAction struct {
	typ models.TxType
	// addressKey names the attribute holding the account; empty means the call sender.
	addressKey string
	// tokenKey names the attribute holding the token; empty means the contract's token.
	tokenKey string
	keys     []string
}

func (r recordAction) apply(c *Call) error {
	address := c.Sender()
	if r.addressKey != "" {
		if v := c.Attr(r.addressKey); v != "" {
			address = v
		}
	}
	token := c.Contract.Token
	if r.tokenKey != "" {
		token = c.Attr(r.tokenKey)
	}
	return c.Record(r.typ, address, token, c.Data(r.keys...))
}

func recordTable(actions map[string]recordAction) ContractHandler {
	return func(_ context.Context, _ *Dispatcher, c *Call) error {
		r, ok := actions[c.Action()]
		if !ok {
			return nil
		}
		return r.apply(c)
	}
}

var handleGov = recordTable(map[string]recordAction{
	"create_poll":            {typ: models.TxGovCreatePoll, addressKey: "creator", keys: []string{"poll_id", "creator", "deposit_amount"}},
	"cast_vote":              {typ: models.TxGovCastPoll, keys: []string{"poll_id", "amount", "vote"}},
	"stake_voting_tokens":    {typ: models.TxGovStake, keys: []string{"share", "amount"}},
	"withdraw_voting_tokens": {typ: models.TxGovUnstake, addressKey: "recipient", keys: []string{"amount"}},
})

var handleCollector = recordTable(map[string]recordAction{
	"convert":    {typ: models.TxConvertReward, tokenKey: "asset_token", keys: []string{"asset_token", "swap_amount", "return_amount"}},
	"distribute": {typ: models.TxDistributeReward, keys: []string{"amount"}},
})

var handleAirdrop = recordTable(map[string]recordAction{
	"claim": {typ: models.TxClaimAirdrop, addressKey: "address", keys: []string{"stage", "address", "amount"}},
})

var handleLimitOrder = recordTable(map[string]recordAction{
	"submit_order":  {typ: models.TxSubmitLimitOrder, addressKey: "bidder_addr", keys: []string{"order_id", "bidder_addr", "offer_asset", "ask_asset"}},
	"cancel_order":  {typ: models.TxCancelLimitOrder, keys: []string{"order_id", "bidder_refund"}},
	"execute_order": {typ: models.TxExecuteLimitOrder, keys: []string{"order_id", "executor_receive", "bidder_receive"}},
})

var handleLock = recordTable(map[string]recordAction{
	"unlock_shorting_funds": {typ: models.TxUnlockPosition, keys: []string{"position_idx", "unlocked_amount", "tax_amount"}},
	"unlock_position_funds": {typ: models.TxUnlockPosition, keys: []string{"position_idx", "unlocked_amount", "tax_amount"}},
})

// handleOracle ignores price feeds; prices are read from chain when CDPs are refreshed.
func handleOracle(context.Context, *Dispatcher, *Call) error { return nil }
