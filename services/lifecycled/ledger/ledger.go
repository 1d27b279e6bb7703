// Package ledger defines the narrow contracts the lifecycle engine consumes
// from its two authoritative backends. Adapters implement these verbs and own
// every wire and storage format; the orchestrator never sees past them.
package ledger

import (
	"context"
	"errors"

	"neftvault/native/collectibles"
)

// TxSubmission reports acceptance of a submitted transaction. A hash alone is
// not proof of effect; callers must follow up with VerifyTx.
type TxSubmission struct {
	Hash     string
	Accepted bool
}

// TxStatus is the chain's view of a submitted transaction.
type TxStatus struct {
	Mined   bool
	Success bool
}

var (
	// ErrAmbiguousReceipt marks the confirmation error class where the
	// transaction very likely landed but its receipt could not be decoded.
	// The orchestrator may treat it as provisional success in lenient mode.
	ErrAmbiguousReceipt = errors.New("ledger: ambiguous transaction receipt")

	// ErrConfirmTimeout is returned when confirmation polling exhausts its
	// deadline without a terminal signal.
	ErrConfirmTimeout = errors.New("ledger: confirmation timed out")

	// ErrTxRejected is returned when the chain refuses the submission
	// outright.
	ErrTxRejected = errors.New("ledger: transaction rejected")
)

// ChainLedger is the on-chain backend: immutable, transaction-based, slow and
// fee-bearing. Implementations are stateless gateways.
type ChainLedger interface {
	SubmitStakeTx(ctx context.Context, account string, asset collectibles.Asset) (TxSubmission, error)
	SubmitUnstakeTx(ctx context.Context, account string, asset collectibles.Asset) (TxSubmission, error)
	SubmitBurnTx(ctx context.Context, account string, assets []collectibles.Asset) (TxSubmission, error)
	SubmitClaimTx(ctx context.Context, account string, asset collectibles.Asset) (TxSubmission, error)

	// VerifyTx reports ground truth for a submitted transaction. Errors in
	// the ErrAmbiguousReceipt class carry the lenient-verification policy.
	VerifyTx(ctx context.Context, txHash string) (TxStatus, error)

	// ClaimedTokenID resolves the token minted by a confirmed claim
	// transaction.
	ClaimedTokenID(ctx context.Context, txHash string) (string, error)

	// Read surface used by reconciliation. Queries are pinned to chainID so
	// a network switch during the grace window cannot redirect them; a zero
	// chainID means the currently selected network.
	StakedAssets(ctx context.Context, account string, chainID uint64) ([]string, error)
	Owns(ctx context.Context, account, tokenID string, chainID uint64) (bool, error)
}

// Claim captures the off-chain record written after a confirmed
// claim-to-chain migration.
type Claim struct {
	CID      string
	ChainID  uint64
	Network  string
	Contract string
	TokenID  string
	TxHash   string
}

// RecordLedger is the off-chain backend: mutable, fast and free. Writes are
// synchronous; there is no confirmation phase.
type RecordLedger interface {
	CreateStakeRecord(ctx context.Context, account, assetID string) error
	DeleteStakeRecord(ctx context.Context, account, assetID string) error
	GetStakedAssets(ctx context.Context, account string) ([]string, error)
	RecordClaim(ctx context.Context, account string, claim Claim) (bool, error)
	RecordBurn(ctx context.Context, account string, burnedIDs []string, result collectibles.Asset) error
	AssetExists(ctx context.Context, account, assetID string) (bool, error)
}
