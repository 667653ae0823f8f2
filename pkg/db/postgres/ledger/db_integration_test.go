//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ledgerstore "github.com/mirror-protocol/mirrorx/pkg/db/ledger"
	"github.com/mirror-protocol/mirrorx/pkg/db/models"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres"
	"github.com/mirror-protocol/mirrorx/pkg/db/postgres/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func setupDB(t *testing.T) *ledger.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("postgres"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(context.Background())) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Setenv("POSTGRES_URL", connStr)

	db, err := ledger.New(ctx, zaptest.NewLogger(t), "mirrorx_test", postgres.GetPoolConfigForComponent("indexer"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestCheckpointAndRollback(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCheckpoint(ctx, 9))

	err := db.InTx(ctx, func(ctx context.Context) error {
		cp, err := db.LockCheckpoint(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(9), cp)
		require.NoError(t, db.InsertTxs(ctx, []*models.Tx{{Height: 10, TxHash: "A", Address: "terra1a", Type: models.TxMint, Datetime: time.Now()}}))
		require.NoError(t, db.SaveCheckpoint(ctx, 12))
		return errors.New("decode failed")
	})
	require.Error(t, err)

	cp, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9), cp)
	txs, err := db.ListTxs(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, txs)

	require.NoError(t, db.SaveCheckpoint(ctx, 5))
	cp, _ = db.Checkpoint(ctx)
	require.Equal(t, uint64(9), cp)
}

func TestCdpRefreshAndClosedCleanup(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCdpAmounts(ctx, []*models.Cdp{
		{ID: "1", Address: "o", Token: "mA", MintAmount: decimal.NewFromInt(10), CollateralToken: "uusd", CollateralAmount: decimal.NewFromInt(30), Status: models.CdpOpen},
		{ID: "2", Address: "o", Token: "mA", MintAmount: decimal.Zero, CollateralToken: "uusd", CollateralAmount: decimal.Zero, Status: models.CdpClosed},
	}))

	n, err := db.UpdateMintValues(ctx, "mA", decimal.NewFromInt(2), ledgerstore.CdpFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = db.UpdateCollateralValues(ctx, "uusd", decimal.NewFromInt(1), ledgerstore.CdpFilter{})
	require.NoError(t, err)
	_, err = db.UpdateCollateralRatios(ctx, ledgerstore.CdpFilter{})
	require.NoError(t, err)

	cdp, err := db.GetCdp(ctx, "1")
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("1.5").Equal(cdp.CollateralRatio))

	removed, err := db.DeleteClosedCdps(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestAssetPositionDeltasAccumulate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, db.ApplyAssetPositionDeltas(ctx, []models.AssetPositionDelta{
			{Token: "mA", Mint: decimal.NewFromInt(100), AsCollateral: decimal.NewFromInt(-5)},
		}))
	}
	p, err := db.GetAssetPosition(ctx, "mA")
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(200).Equal(p.Mint))
	require.True(t, decimal.NewFromInt(-10).Equal(p.AsCollateral))
}

func TestAggregatesMinRatioAndAppUsers(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	require.NoError(t, db.ApplyAssetPositionDeltas(ctx, []models.AssetPositionDelta{
		{Token: "mA", Mint: decimal.NewFromInt(100), Pool: decimal.NewFromInt(7)},
	}))
	require.NoError(t, db.SaveAssetAggregates(ctx, "mA", decimal.NewFromInt(40), decimal.NewFromInt(3)))
	p, err := db.GetAssetPosition(ctx, "mA")
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(40).Equal(p.Mint))
	require.True(t, decimal.NewFromInt(3).Equal(p.AsCollateral))
	require.True(t, decimal.NewFromInt(7).Equal(p.Pool), "pool is left alone")

	require.NoError(t, db.SaveCdpAmounts(ctx, []*models.Cdp{
		{ID: "1", Address: "o", Token: "mA", MintAmount: decimal.NewFromInt(10), CollateralToken: "uusd", CollateralAmount: decimal.NewFromInt(30), Status: models.CdpOpen},
	}))
	missing, err := db.ListCdpsWithoutMinRatio(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.NoError(t, db.SetMinCollateralRatio(ctx, "1", decimal.RequireFromString("1.5")))
	missing, err = db.ListCdpsWithoutMinRatio(ctx)
	require.NoError(t, err)
	require.Empty(t, missing)

	require.NoError(t, db.UpsertAccount(ctx, &models.Account{Address: "terra1a", IsAppUser: true}))
	require.NoError(t, db.UpsertAccount(ctx, &models.Account{Address: "terra1b"}))
	users, err := db.ListAppUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "terra1a", users[0].Address)
}
