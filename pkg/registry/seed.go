package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"gopkg.in/yaml.v3"
)

// Seed is the protocol deployment as written in the registry file.
type Seed struct {
	// AnchorMarket is queried for the aUST exchange rate.
	AnchorMarket string             `yaml:"anchor_market"`
	Contracts    []*models.Contract `yaml:"contracts"`
	Assets       []*models.Asset    `yaml:"assets"`
}

// LoadFile reads and validates a registry file.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	seen := make(map[string]bool, len(s.Contracts))
	for _, c := range s.Contracts {
		if c.Address == "" {
			return fmt.Errorf("registry: contract without address")
		}
		if _, err := models.ParseContractKind(string(c.Kind)); err != nil {
			return fmt.Errorf("registry: contract %s: %w", c.Address, err)
		}
		if seen[c.Address] {
			return fmt.Errorf("registry: duplicate contract %s", c.Address)
		}
		seen[c.Address] = true
	}
	for _, a := range s.Assets {
		if a.Token == "" {
			return fmt.Errorf("registry: asset without token")
		}
		switch a.Status {
		case models.AssetListed, models.AssetDelisted, models.AssetCollateral:
		case "":
			a.Status = models.AssetListed
		default:
			return fmt.Errorf("registry: asset %s: unknown status %q", a.Token, a.Status)
		}
		switch a.PriceSource {
		case models.PriceOracle, models.PricePair, models.PriceAnchor, models.PriceStable:
		case "":
			a.PriceSource = models.PriceOracle
		default:
			return fmt.Errorf("registry: asset %s: unknown price source %q", a.Token, a.PriceSource)
		}
	}
	return nil
}

// Apply upserts the seed in one transaction and makes sure every mintable asset has a position row.
func (s *Seed) Apply(ctx context.Context, store ledger.Store) error {
	return store.InTx(ctx, func(ctx context.Context) error {
		if len(s.Contracts) > 0 {
			if err := store.UpsertContracts(ctx, s.Contracts); err != nil {
				return err
			}
		}
		if len(s.Assets) == 0 {
			return nil
		}
		if err := store.UpsertAssets(ctx, s.Assets); err != nil {
			return err
		}
		var zero []models.AssetPositionDelta
		for _, a := range s.Assets {
			p, err := store.GetAssetPosition(ctx, a.Token)
			if err != nil {
				return err
			}
			if p == nil && a.Mintable() {
				zero = append(zero, models.AssetPositionDelta{Token: a.Token})
			}
		}
		if len(zero) == 0 {
			return nil
		}
		return store.ApplyAssetPositionDeltas(ctx, zero)
	})
}
