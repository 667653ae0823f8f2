package codec

import (
	"fmt"

	"github.com/mirror-protocol/mirrorx/pkg/rpc"
)

// Attributes keeps log attributes in emission order. Keys repeat across nested contract calls.
type Attributes []rpc.Attribute

// Get returns the first value for key, or "".
func (a Attributes) Get(key string) string {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value
		}
	}
	return ""
}

func (a Attributes) Has(key string) bool {
	for _, attr := range a {
		if attr.Key == key {
			return true
		}
	}
	return false
}

// Coin parses the value of key as a single coin.
func (a Attributes) Coin(key string) (Coin, error) {
	v := a.Get(key)
	if v == "" {
		return Coin{}, fmt.Errorf("%w: missing %q", ErrMalformedLog, key)
	}
	return ParseCoin(v)
}

// ContractEvent is the slice of from_contract attributes emitted by one contract.
type ContractEvent struct {
	Address    string
	Attributes Attributes
}

// Action is the contract-reported action name.
func (c ContractEvent) Action() string {
	return c.Attributes.Get("action")
}

// Transfer is one native coin movement from a transfer log category.
type Transfer struct {
	Sender    string
	Recipient string
	Coins     []Coin
}

func findCategory(log rpc.TxLog, category string) (Attributes, bool) {
	for _, ev := range log.Events {
		if ev.Type == category {
			return Attributes(ev.Attributes), true
		}
	}
	return nil, false
}

func splitContracts(attrs Attributes) ([]ContractEvent, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	if attrs[0].Key != "contract_address" {
		return nil, fmt.Errorf("%w: from_contract starts with %q", ErrMalformedLog, attrs[0].Key)
	}
	var out []ContractEvent
	for _, attr := range attrs {
		if attr.Key == "contract_address" {
			out = append(out, ContractEvent{Address: attr.Value})
			continue
		}
		cur := &out[len(out)-1]
		cur.Attributes = append(cur.Attributes, attr)
	}
	return out, nil
}

func splitTransfers(attrs Attributes) ([]Transfer, error) {
	if len(attrs)%3 != 0 {
		return nil, fmt.Errorf("%w: transfer has %d attributes", ErrMalformedLog, len(attrs))
	}
	out := make([]Transfer, 0, len(attrs)/3)
	for i := 0; i < len(attrs); i += 3 {
		if attrs[i].Key != "recipient" || attrs[i+1].Key != "sender" || attrs[i+2].Key != "amount" {
			return nil, fmt.Errorf("%w: transfer attributes %q,%q,%q", ErrMalformedLog,
				attrs[i].Key, attrs[i+1].Key, attrs[i+2].Key)
		}
		coins, err := ParseCoins(attrs[i+2].Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Transfer{Recipient: attrs[i].Value, Sender: attrs[i+1].Value, Coins: coins})
	}
	return out, nil
}
