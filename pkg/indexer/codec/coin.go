package codec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Coin is an amount of either a native denom ("uusd") or a cw20 token address.
type Coin struct {
	Token  string
	Amount decimal.Decimal
}

func (c Coin) String() string {
	return c.Amount.String() + c.Token
}

var coinPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([a-zA-Z][a-zA-Z0-9/]*)$`)

// ParseCoin splits "100uusd" or "100terra1..." into amount and token.
func ParseCoin(s string) (Coin, error) {
	m := coinPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Coin{}, fmt.Errorf("%w: bad coin %q", ErrMalformedLog, s)
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return Coin{}, fmt.Errorf("%w: bad coin amount %q", ErrMalformedLog, s)
	}
	return Coin{Token: m[2], Amount: amount}, nil
}

// ParseCoins parses a comma separated coin list. An empty string is an empty list.
func ParseCoins(s string) ([]Coin, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]Coin, 0, len(parts))
	for _, p := range parts {
		c, err := ParseCoin(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Sum returns the total amount of token in coins.
func Sum(coins []Coin, token string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range coins {
		if c.Token == token {
			total = total.Add(c.Amount)
		}
	}
	return total
}

func fromWire(denom, amount string) (Coin, error) {
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return Coin{}, fmt.Errorf("%w: bad amount %q for %s", ErrMalformedLog, amount, denom)
	}
	return Coin{Token: denom, Amount: a}, nil
}
