package models

import "fmt"

// ContractKind is the closed set of protocol contract roles the dispatcher knows how to handle.
type ContractKind string

const (
	ContractGov        ContractKind = "gov"
	ContractFactory    ContractKind = "factory"
	ContractOracle     ContractKind = "oracle"
	ContractPair       ContractKind = "pair"
	ContractToken      ContractKind = "token"
	ContractLPToken    ContractKind = "lp_token"
	ContractMint       ContractKind = "mint"
	ContractStaking    ContractKind = "staking"
	ContractCollector  ContractKind = "collector"
	ContractAirdrop    ContractKind = "airdrop"
	ContractLimitOrder ContractKind = "limit_order"
	ContractLock       ContractKind = "lock"
	// ContractCollateralOracle is queried by reconciliation only; its events are not dispatched.
	ContractCollateralOracle ContractKind = "collateral_oracle"
)

var contractKinds = []ContractKind{
	ContractGov, ContractFactory, ContractOracle, ContractPair, ContractToken, ContractLPToken,
	ContractMint, ContractStaking, ContractCollector, ContractAirdrop, ContractLimitOrder,
	ContractLock, ContractCollateralOracle,
}

// ContractKinds lists every known kind.
func ContractKinds() []ContractKind {
	out := make([]ContractKind, len(contractKinds))
	copy(out, contractKinds)
	return out
}

func ParseContractKind(s string) (ContractKind, error) {
	for _, k := range contractKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown contract kind %q", s)
}

// Contract maps a chain address to the protocol role it plays. Token is the
// listed asset the contract belongs to, when it belongs to one.
type Contract struct {
	Address string       `db:"address" yaml:"address"`
	Kind    ContractKind `db:"kind" yaml:"kind"`
	Token   string       `db:"token" yaml:"token,omitempty"`
}
