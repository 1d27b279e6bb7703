package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/ledger"
)

// Stake record statuses persisted in the off-chain store.
const (
	stakeStatusStaked   = "staked"
	stakeStatusUnstaked = "unstaked"
)

// AssetRecord is one collectible row in the off-chain database.
type AssetRecord struct {
	ID            string    `gorm:"primaryKey;size:128"`
	WalletAddress string    `gorm:"index;size:64"`
	Name          string    `gorm:"size:128"`
	Rarity        string    `gorm:"size:16;index"`
	CID           string    `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StakeRow tracks off-chain stake registrations. Unstaking flips the status
// rather than deleting the row, keeping history for reconciliation reports.
type StakeRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"index;size:64"`
	AssetID       string    `gorm:"index;size:128"`
	Status        string    `gorm:"size:16;index"`
	StakedAt      time.Time
	UnstakedAt    *time.Time
}

// ClaimRow records a completed off-chain to on-chain migration.
type ClaimRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"index;size:64"`
	CID           string    `gorm:"size:128"`
	ChainID       uint64    `gorm:"index"`
	Network       string    `gorm:"size:64"`
	Contract      string    `gorm:"size:64"`
	TokenID       string    `gorm:"size:78"`
	TxHash        string    `gorm:"uniqueIndex;size:80"`
	ClaimedAt     time.Time
}

// BurnRow records a burn: the consumed asset IDs and the materialized result.
type BurnRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"index;size:64"`
	BurnedIDs     string    `gorm:"size:1024"`
	ResultID      string    `gorm:"size:128"`
	ResultRarity  string    `gorm:"size:16"`
	BurnedAt      time.Time
}

// RecordStore implements ledger.RecordLedger over a relational database.
type RecordStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ledger.RecordLedger = (*RecordStore)(nil)

// OpenRecordStore connects to the off-chain database. DSNs beginning with
// "postgres://" select the postgres driver; anything else is treated as a
// sqlite path.
func OpenRecordStore(dsn string) (*RecordStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("adapters: record store dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("adapters: open record store: %w", err)
	}
	return NewRecordStore(db)
}

// NewRecordStore wraps an existing gorm handle and applies migrations.
func NewRecordStore(db *gorm.DB) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("adapters: db required")
	}
	if err := db.AutoMigrate(&AssetRecord{}, &StakeRow{}, &ClaimRow{}, &BurnRow{}); err != nil {
		return nil, fmt.Errorf("adapters: migrate record store: %w", err)
	}
	return &RecordStore{db: db, now: time.Now}, nil
}

// WithClock overrides the timestamp source, for tests.
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	s.now = now
	return s
}

// LoadAssets hydrates asset rows for one wallet.
func (s *RecordStore) LoadAssets(ctx context.Context, account string) ([]AssetRecord, error) {
	var rows []AssetRecord
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", normalizeAccount(account)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("adapters: load assets: %w", err)
	}
	return rows, nil
}

// PutAsset inserts or updates one asset row.
func (s *RecordStore) PutAsset(ctx context.Context, account string, asset collectibles.Asset) error {
	row := AssetRecord{
		ID:            asset.ID,
		WalletAddress: normalizeAccount(account),
		Name:          asset.Name,
		Rarity:        asset.Rarity.String(),
		CID:           asset.ID,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("adapters: put asset: %w", err)
	}
	return nil
}

// AllAssets returns every asset row across wallets, used to hydrate the
// in-memory state store at startup.
func (s *RecordStore) AllAssets(ctx context.Context) ([]AssetRecord, error) {
	var rows []AssetRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("adapters: load all assets: %w", err)
	}
	return rows, nil
}

// ActiveStakes returns every stake row still marked staked, across wallets.
func (s *RecordStore) ActiveStakes(ctx context.Context) ([]StakeRow, error) {
	var rows []StakeRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", stakeStatusStaked).
		Order("staked_at").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("adapters: load active stakes: %w", err)
	}
	return rows, nil
}

// CreateStakeRecord registers an off-chain stake. Staking an already-staked
// asset is a no-op to keep the write idempotent under retries.
func (s *RecordStore) CreateStakeRecord(ctx context.Context, account, assetID string) error {
	wallet := normalizeAccount(account)
	var existing StakeRow
	err := s.db.WithContext(ctx).
		Where("wallet_address = ? AND asset_id = ? AND status = ?", wallet, assetID, stakeStatusStaked).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("adapters: query stake record: %w", err)
	}
	row := StakeRow{
		ID:            uuid.New(),
		WalletAddress: wallet,
		AssetID:       assetID,
		Status:        stakeStatusStaked,
		StakedAt:      s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("adapters: create stake record: %w", err)
	}
	return nil
}

// DeleteStakeRecord marks the active stake row unstaked, preserving history.
func (s *RecordStore) DeleteStakeRecord(ctx context.Context, account, assetID string) error {
	wallet := normalizeAccount(account)
	var row StakeRow
	err := s.db.WithContext(ctx).
		Where("wallet_address = ? AND asset_id = ? AND status = ?", wallet, assetID, stakeStatusStaked).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("adapters: no active stake for asset %s", assetID)
	}
	if err != nil {
		return fmt.Errorf("adapters: query stake record: %w", err)
	}
	now := s.now().UTC()
	row.Status = stakeStatusUnstaked
	row.UnstakedAt = &now
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("adapters: update stake record: %w", err)
	}
	return nil
}

// GetStakedAssets lists asset IDs with an active off-chain stake.
func (s *RecordStore) GetStakedAssets(ctx context.Context, account string) ([]string, error) {
	var rows []StakeRow
	err := s.db.WithContext(ctx).
		Where("wallet_address = ? AND status = ?", normalizeAccount(account), stakeStatusStaked).
		Order("staked_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("adapters: query staked assets: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.AssetID)
	}
	return ids, nil
}

// RecordClaim persists a confirmed migration. Replaying the same transaction
// hash reports false without error, mirroring the backend's idempotent RPC.
func (s *RecordStore) RecordClaim(ctx context.Context, account string, claim ledger.Claim) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ClaimRow{}).Where("tx_hash = ?", claim.TxHash).Count(&count).Error; err != nil {
		return false, fmt.Errorf("adapters: query claims: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	row := ClaimRow{
		ID:            uuid.New(),
		WalletAddress: normalizeAccount(account),
		CID:           claim.CID,
		ChainID:       claim.ChainID,
		Network:       claim.Network,
		Contract:      claim.Contract,
		TokenID:       claim.TokenID,
		TxHash:        claim.TxHash,
		ClaimedAt:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return false, fmt.Errorf("adapters: record claim: %w", err)
	}
	return true, nil
}

// RecordBurn removes the consumed asset rows, inserts the materialized
// result, and appends the burn history row in one transaction.
func (s *RecordStore) RecordBurn(ctx context.Context, account string, burnedIDs []string, result collectibles.Asset) error {
	wallet := normalizeAccount(account)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(burnedIDs) > 0 {
			if err := tx.Where("wallet_address = ? AND id IN ?", wallet, burnedIDs).Delete(&AssetRecord{}).Error; err != nil {
				return fmt.Errorf("adapters: delete burned assets: %w", err)
			}
		}
		resultRow := AssetRecord{
			ID:            result.ID,
			WalletAddress: wallet,
			Name:          result.Name,
			Rarity:        result.Rarity.String(),
			CID:           result.ID,
		}
		if err := tx.Create(&resultRow).Error; err != nil {
			return fmt.Errorf("adapters: insert burn result: %w", err)
		}
		history := BurnRow{
			ID:            uuid.New(),
			WalletAddress: wallet,
			BurnedIDs:     strings.Join(burnedIDs, ","),
			ResultID:      result.ID,
			ResultRarity:  result.Rarity.String(),
			BurnedAt:      s.now().UTC(),
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("adapters: insert burn history: %w", err)
		}
		return nil
	})
}

// AssetExists reports whether the wallet still holds the asset row.
func (s *RecordStore) AssetExists(ctx context.Context, account, assetID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&AssetRecord{}).
		Where("wallet_address = ? AND id = ?", normalizeAccount(account), assetID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("adapters: query asset: %w", err)
	}
	return count > 0, nil
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
