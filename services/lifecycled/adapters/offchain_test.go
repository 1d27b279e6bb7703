package adapters

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/ledger"
)

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewRecordStore(db)
	require.NoError(t, err)
	return store.WithClock(func() time.Time {
		return time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestStakeRecordLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateStakeRecord(ctx, "0xABCD", "asset-1"))
	require.NoError(t, store.CreateStakeRecord(ctx, "0xabcd", "asset-2"))

	staked, err := store.GetStakedAssets(ctx, "0xAbCd")
	require.NoError(t, err)
	require.Equal(t, []string{"asset-1", "asset-2"}, staked)

	require.NoError(t, store.DeleteStakeRecord(ctx, "0xabcd", "asset-1"))

	staked, err = store.GetStakedAssets(ctx, "0xabcd")
	require.NoError(t, err)
	require.Equal(t, []string{"asset-2"}, staked)

	err = store.DeleteStakeRecord(ctx, "0xabcd", "asset-1")
	require.Error(t, err)
}

func TestCreateStakeRecordIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateStakeRecord(ctx, "0xabcd", "asset-1"))
	require.NoError(t, store.CreateStakeRecord(ctx, "0xabcd", "asset-1"))

	staked, err := store.GetStakedAssets(ctx, "0xabcd")
	require.NoError(t, err)
	require.Equal(t, []string{"asset-1"}, staked)
}

func TestRecordClaimDedupesByTxHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	claim := ledger.Claim{
		CID:      "bafy-claim-1",
		ChainID:  137,
		Network:  "polygon",
		Contract: "0xc0ffee",
		TokenID:  "42",
		TxHash:   "0xfeed",
	}
	created, err := store.RecordClaim(ctx, "0xabcd", claim)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.RecordClaim(ctx, "0xabcd", claim)
	require.NoError(t, err)
	require.False(t, created)
}

func TestRecordBurnReplacesAssets(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2", "c-3", "c-4", "c-5"} {
		require.NoError(t, store.PutAsset(ctx, "0xabcd", collectibles.Asset{
			ID: id, Name: "common " + id, Rarity: collectibles.RarityCommon,
		}))
	}

	result := collectibles.Asset{ID: "p-1", Name: "forged platinum", Rarity: collectibles.RarityPlatinum}
	require.NoError(t, store.RecordBurn(ctx, "0xabcd", []string{"c-1", "c-2", "c-3", "c-4", "c-5"}, result))

	for _, id := range []string{"c-1", "c-3", "c-5"} {
		exists, err := store.AssetExists(ctx, "0xabcd", id)
		require.NoError(t, err)
		require.False(t, exists, "burned asset %s should be gone", id)
	}
	exists, err := store.AssetExists(ctx, "0xabcd", "p-1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLoadAssetsScopedToWallet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutAsset(ctx, "0xaaaa", collectibles.Asset{ID: "a-1", Name: "mine", Rarity: collectibles.RarityRare}))
	require.NoError(t, store.PutAsset(ctx, "0xbbbb", collectibles.Asset{ID: "b-1", Name: "theirs", Rarity: collectibles.RarityRare}))

	rows, err := store.LoadAssets(ctx, "0xAAAA")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a-1", rows[0].ID)
}
