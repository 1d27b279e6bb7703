package lifecycled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/chains"
	"neftvault/services/lifecycled/ledger"
)

// ErrAssetBusy is returned per identifier when an asset already has an
// operation in flight. Busy assets are never queued.
var ErrAssetBusy = errors.New("lifecycled: asset operation in flight")

// ErrSwitchCancelled indicates the user declined the network switch; the
// whole batch aborts with no mutation.
var ErrSwitchCancelled = errors.New("lifecycled: network switch cancelled")

// ErrCrossChainMismatch is returned when the on-chain members of a batch are
// pinned to more than one network.
var ErrCrossChainMismatch = errors.New("lifecycled: assets pinned to different networks")

// ErrAssetStaked rejects burning an asset that is currently staked.
var ErrAssetStaked = errors.New("lifecycled: asset is staked")

// ErrAssetNotStaked rejects unstaking an asset with no active stake.
var ErrAssetNotStaked = errors.New("lifecycled: asset is not staked")

// AssetOutcome reports the per-identifier result of a batch operation.
type AssetOutcome struct {
	AssetID string `json:"asset_id"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// OperationResult summarises one orchestrated operation. Success means every
// requested identifier succeeded; partial batches carry per-asset reasons.
type OperationResult struct {
	OperationID string         `json:"operation_id"`
	Action      string         `json:"action"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Assets      []AssetOutcome `json:"assets"`
}

// OrchestratorConfig wires the orchestrator's collaborators. Store, Chain,
// Records, Registry, and Recon are required.
type OrchestratorConfig struct {
	Store    *collectibles.Store
	Chain    ledger.ChainLedger
	Records  ledger.RecordLedger
	Registry *chains.Registry
	Recon    *Reconciler

	// Strict treats ambiguous receipt decoding as failure instead of
	// provisional success.
	Strict        bool
	VerifyPoll    time.Duration
	VerifyTimeout time.Duration
	Metrics       *Metrics
	Logger        *slog.Logger
	Clock         func() time.Time
	NewAssetID    func() string
}

// Orchestrator validates and executes lifecycle operations, routing each
// asset by its backing or staking source, applying optimistic mutations to
// the store, and scheduling reconciliation follow-ups.
type Orchestrator struct {
	store    *collectibles.Store
	chain    ledger.ChainLedger
	records  ledger.RecordLedger
	registry *chains.Registry
	recon    *Reconciler

	strict        bool
	verifyPoll    time.Duration
	verifyTimeout time.Duration
	metrics       *Metrics
	logger        *slog.Logger
	now           func() time.Time
	newAssetID    func() string

	mu       sync.Mutex
	inflight map[string]bool
}

// NewOrchestrator constructs an orchestrator with sane defaults.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycled: store required")
	}
	if cfg.Chain == nil || cfg.Records == nil {
		return nil, fmt.Errorf("lifecycled: ledgers required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("lifecycled: chain registry required")
	}
	if cfg.Recon == nil {
		return nil, fmt.Errorf("lifecycled: reconciler required")
	}
	o := &Orchestrator{
		store:         cfg.Store,
		chain:         cfg.Chain,
		records:       cfg.Records,
		registry:      cfg.Registry,
		recon:         cfg.Recon,
		strict:        cfg.Strict,
		verifyPoll:    cfg.VerifyPoll,
		verifyTimeout: cfg.VerifyTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Clock,
		newAssetID:    cfg.NewAssetID,
		inflight:      make(map[string]bool),
	}
	if o.verifyPoll <= 0 {
		o.verifyPoll = 2 * time.Second
	}
	if o.verifyTimeout <= 0 {
		o.verifyTimeout = 90 * time.Second
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newAssetID == nil {
		o.newAssetID = uuid.NewString
	}
	return o, nil
}

// Stake registers the listed assets for rewards. Each asset routes by its
// backing: on-chain assets go through a verified staking transaction,
// off-chain assets through a synchronous record write.
func (o *Orchestrator) Stake(ctx context.Context, account string, ids []string) OperationResult {
	start := o.now()
	res := newResult("stake", ids)
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res.finish(o, start, "no assets selected")
	}

	held, busy := o.acquire(ids)
	defer o.release(held)
	for _, id := range busy {
		res.reject(id, ErrAssetBusy.Error())
	}

	var onchain, offchain []collectibles.Asset
	for _, id := range held {
		asset, ok := o.store.Get(id)
		if !ok {
			res.reject(id, collectibles.ErrUnknownAsset.Error())
			continue
		}
		if asset.StakingState != collectibles.NotStaked {
			res.reject(id, "already staked")
			continue
		}
		if asset.Backing == collectibles.BackingOnchain {
			onchain = append(onchain, asset)
		} else {
			offchain = append(offchain, asset)
		}
	}

	if len(onchain) > 0 {
		if msg, ok := o.ensureNetwork(ctx, onchain); !ok {
			return res.finish(o, start, msg)
		}
	}

	var (
		okIDs   []string
		priors  []collectibles.Asset
		expects []Expectation
	)
	stakedAt := o.now().UTC()
	for _, asset := range onchain {
		sub, err := o.chain.SubmitStakeTx(ctx, account, asset)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		status, err := o.awaitReceipt(ctx, sub.Hash)
		if err != nil || !status.Success {
			res.reject(asset.ID, receiptFailure(status, err))
			continue
		}
		prior, err := o.applyStake(asset.ID, collectibles.SourceOnchain, stakedAt, false)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		res.accept(asset.ID, sub.Hash)
		okIDs = append(okIDs, asset.ID)
		priors = append(priors, prior)
		expects = append(expects, Expectation{AssetID: asset.ID, Kind: ExpectStakedOnchain, TokenID: asset.Chain.TokenID, ChainID: asset.Chain.ChainID})
	}
	for _, asset := range offchain {
		if err := o.records.CreateStakeRecord(ctx, account, asset.ID); err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		prior, err := o.applyStake(asset.ID, collectibles.SourceOffchain, stakedAt, false)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		res.accept(asset.ID, "")
		okIDs = append(okIDs, asset.ID)
		priors = append(priors, prior)
		expects = append(expects, Expectation{AssetID: asset.ID, Kind: ExpectStakedOffchain})
	}

	if len(okIDs) > 0 {
		o.recon.Schedule(JobStake, account, okIDs, priors, expects)
	}
	return res.finish(o, start, "")
}

// Unstake removes the listed assets from staking. Routing follows the
// staking source recorded when the stake was applied, not the asset's current
// backing. On the on-chain path an ambiguous receipt decode is provisional
// success unless strict verification is configured.
func (o *Orchestrator) Unstake(ctx context.Context, account string, ids []string) OperationResult {
	start := o.now()
	res := newResult("unstake", ids)
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res.finish(o, start, "no assets selected")
	}

	held, busy := o.acquire(ids)
	defer o.release(held)
	for _, id := range busy {
		res.reject(id, ErrAssetBusy.Error())
	}

	var onchain, offchain []collectibles.Asset
	for _, id := range held {
		asset, ok := o.store.Get(id)
		if !ok {
			res.reject(id, collectibles.ErrUnknownAsset.Error())
			continue
		}
		if asset.StakingState != collectibles.Staked {
			res.reject(id, ErrAssetNotStaked.Error())
			continue
		}
		switch asset.StakingSource {
		case collectibles.SourceOnchain:
			onchain = append(onchain, asset)
		case collectibles.SourceOffchain:
			offchain = append(offchain, asset)
		default:
			res.reject(id, collectibles.ErrMissingStakingSource.Error())
		}
	}

	if len(onchain) > 0 {
		if msg, ok := o.ensureNetwork(ctx, onchain); !ok {
			return res.finish(o, start, msg)
		}
	}

	var (
		okIDs   []string
		priors  []collectibles.Asset
		expects []Expectation
	)
	for _, asset := range onchain {
		sub, err := o.chain.SubmitUnstakeTx(ctx, account, asset)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		status, err := o.awaitReceipt(ctx, sub.Hash)
		unverified := false
		if err != nil {
			if errors.Is(err, ledger.ErrAmbiguousReceipt) && !o.strict {
				// The transaction very likely landed but the
				// receipt could not be decoded. Apply
				// provisionally and let reconciliation decide.
				unverified = true
				o.logger.Warn("ambiguous unstake receipt, applying provisionally",
					"asset", asset.ID, "tx", sub.Hash)
			} else {
				res.reject(asset.ID, receiptFailure(status, err))
				continue
			}
		} else if !status.Success {
			res.reject(asset.ID, receiptFailure(status, nil))
			continue
		}
		prior, err := o.applyUnstake(asset.ID, unverified)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		res.accept(asset.ID, sub.Hash)
		okIDs = append(okIDs, asset.ID)
		priors = append(priors, prior)
		expects = append(expects, Expectation{AssetID: asset.ID, Kind: ExpectUnstakedOnchain, TokenID: asset.Chain.TokenID, ChainID: asset.Chain.ChainID})
	}
	for _, asset := range offchain {
		if err := o.records.DeleteStakeRecord(ctx, account, asset.ID); err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		prior, err := o.applyUnstake(asset.ID, false)
		if err != nil {
			res.reject(asset.ID, err.Error())
			continue
		}
		res.accept(asset.ID, "")
		okIDs = append(okIDs, asset.ID)
		priors = append(priors, prior)
		expects = append(expects, Expectation{AssetID: asset.ID, Kind: ExpectUnstakedOffchain})
	}

	if len(okIDs) > 0 {
		o.recon.Schedule(JobUnstake, account, okIDs, priors, expects)
	}
	o.refreshUnverifiedGauge()
	return res.finish(o, start, "")
}

// Claim migrates one off-chain asset onto the target chain. It is the only
// operation that changes an asset's backing. A zero target claims onto the
// currently active network.
func (o *Orchestrator) Claim(ctx context.Context, account, assetID string, targetChain uint64) OperationResult {
	start := o.now()
	res := newResult("claim", []string{assetID})

	held, busy := o.acquire([]string{assetID})
	defer o.release(held)
	if len(busy) > 0 {
		res.reject(assetID, ErrAssetBusy.Error())
		return res.finish(o, start, "")
	}

	asset, ok := o.store.Get(assetID)
	if !ok {
		res.reject(assetID, collectibles.ErrUnknownAsset.Error())
		return res.finish(o, start, "")
	}
	if asset.Backing != collectibles.BackingOffchain {
		res.reject(assetID, "asset already on chain")
		return res.finish(o, start, "")
	}
	if asset.StakingState != collectibles.NotStaked {
		res.reject(assetID, "unstake before claiming")
		return res.finish(o, start, "")
	}

	if targetChain == 0 {
		targetChain = o.registry.Current().ChainID
	}
	outcome, err := o.registry.Switch(ctx, targetChain)
	if err != nil {
		res.reject(assetID, err.Error())
		return res.finish(o, start, "")
	}
	if outcome.Cancelled {
		return res.finish(o, start, ErrSwitchCancelled.Error())
	}
	network := o.registry.Current()

	sub, err := o.chain.SubmitClaimTx(ctx, account, asset)
	if err != nil {
		res.reject(assetID, err.Error())
		return res.finish(o, start, "")
	}
	status, err := o.awaitReceipt(ctx, sub.Hash)
	if err != nil || !status.Success {
		// A claim needs the minted token from the receipt, so even an
		// ambiguous decode fails here.
		res.reject(assetID, receiptFailure(status, err))
		return res.finish(o, start, "")
	}
	tokenID, err := o.chain.ClaimedTokenID(ctx, sub.Hash)
	if err != nil {
		res.reject(assetID, fmt.Sprintf("resolve minted token: %v", err))
		return res.finish(o, start, "")
	}

	identity := collectibles.ChainIdentity{
		ChainID:     network.ChainID,
		NetworkName: network.Name,
		Contract:    network.NFTContract,
		TokenID:     tokenID,
	}
	claim := ledger.Claim{
		CID:      asset.ID,
		ChainID:  network.ChainID,
		Network:  network.Name,
		Contract: network.NFTContract,
		TokenID:  tokenID,
		TxHash:   sub.Hash,
	}
	if _, err := o.records.RecordClaim(ctx, account, claim); err != nil {
		// The transaction is confirmed on chain; the missing record is
		// a recoverable inconsistency that reconciliation re-checks.
		o.logger.Error("claim record write failed after confirmed tx",
			"asset", assetID, "tx", sub.Hash, "err", err)
	}

	backing := collectibles.BackingOnchain
	prior, err := o.store.ApplyOptimistic([]string{assetID}, collectibles.Patch{
		Backing: &backing,
		Chain:   &identity,
	})
	if err != nil {
		res.reject(assetID, err.Error())
		return res.finish(o, start, "")
	}
	res.accept(assetID, sub.Hash)
	o.recon.Schedule(JobClaim, account, []string{assetID}, prior,
		[]Expectation{{AssetID: assetID, Kind: ExpectOwned, TokenID: tokenID, ChainID: network.ChainID}})
	return res.finish(o, start, "")
}

// Burn consumes an exact rule-matching set of same-rarity assets and
// materializes one asset of the rule's result rarity. The batch is all or
// nothing: any ineligible member rejects the whole selection before any side
// effect.
func (o *Orchestrator) Burn(ctx context.Context, account string, ids []string) OperationResult {
	start := o.now()
	res := newResult("burn", ids)
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res.finish(o, start, "no assets selected")
	}

	held, busy := o.acquire(ids)
	defer o.release(held)
	if len(busy) > 0 {
		return res.finishAll(o, start, ErrAssetBusy.Error())
	}

	assets := make([]collectibles.Asset, 0, len(ids))
	rarities := make([]collectibles.Rarity, 0, len(ids))
	for _, id := range ids {
		asset, ok := o.store.Get(id)
		if !ok {
			return res.finishAll(o, start, fmt.Sprintf("%v: %s", collectibles.ErrUnknownAsset, id))
		}
		if asset.StakingState != collectibles.NotStaked {
			return res.finishAll(o, start, fmt.Sprintf("%v: %s", ErrAssetStaked, id))
		}
		assets = append(assets, asset)
		rarities = append(rarities, asset.Rarity)
	}

	rule, _, err := collectibles.ResolveBurnRule(rarities)
	if err != nil {
		return res.finishAll(o, start, err.Error())
	}

	var onchain []collectibles.Asset
	for _, asset := range assets {
		if asset.Backing == collectibles.BackingOnchain {
			onchain = append(onchain, asset)
		}
	}
	if len(onchain) > 0 {
		if msg, ok := o.ensureNetwork(ctx, onchain); !ok {
			return res.finishAll(o, start, msg)
		}
	}

	txHash := ""
	if len(onchain) > 0 {
		sub, err := o.chain.SubmitBurnTx(ctx, account, onchain)
		if err != nil {
			return res.finishAll(o, start, err.Error())
		}
		status, err := o.awaitReceipt(ctx, sub.Hash)
		if err != nil || !status.Success {
			return res.finishAll(o, start, receiptFailure(status, err))
		}
		txHash = sub.Hash
	}

	result := collectibles.Asset{
		ID:      o.newAssetID(),
		Name:    fmt.Sprintf("Forged %s", rule.ResultRarity),
		Rarity:  rule.ResultRarity,
		Backing: collectibles.BackingOffchain,
	}
	if err := o.records.RecordBurn(ctx, account, ids, result); err != nil {
		if txHash == "" {
			return res.finishAll(o, start, err.Error())
		}
		// On-chain burn already confirmed; surface the record failure
		// and let reconciliation re-check.
		o.logger.Error("burn record write failed after confirmed tx",
			"tx", txHash, "err", err)
	}
	if err := o.store.ReplaceMaterialized(ids, result); err != nil {
		return res.finishAll(o, start, err.Error())
	}
	for _, id := range ids {
		res.accept(id, txHash)
	}

	expects := make([]Expectation, 0, len(ids)+1)
	for _, asset := range assets {
		if asset.Backing == collectibles.BackingOffchain {
			expects = append(expects, Expectation{AssetID: asset.ID, Kind: ExpectBurned})
		}
	}
	expects = append(expects, Expectation{AssetID: result.ID, Kind: ExpectRecorded})
	o.recon.Schedule(JobBurn, account, ids, nil, expects)
	return res.finish(o, start, fmt.Sprintf("materialized %s %s", rule.ResultRarity, result.ID))
}

// ensureNetwork resolves the single network the on-chain members are pinned
// to and switches to it. It returns ok=false with an abort message when the
// members span networks, the switch fails, or the user cancels.
func (o *Orchestrator) ensureNetwork(ctx context.Context, assets []collectibles.Asset) (string, bool) {
	var target uint64
	for _, asset := range assets {
		if asset.Chain.ChainID == 0 {
			continue
		}
		if target == 0 {
			target = asset.Chain.ChainID
			continue
		}
		if target != asset.Chain.ChainID {
			return ErrCrossChainMismatch.Error(), false
		}
	}
	if target == 0 {
		target = o.registry.Current().ChainID
	}
	outcome, err := o.registry.Switch(ctx, target)
	if err != nil {
		return err.Error(), false
	}
	if outcome.Cancelled {
		return ErrSwitchCancelled.Error(), false
	}
	return "", true
}

// awaitReceipt polls VerifyTx until the transaction is mined, the verify
// timeout elapses, or the context ends. Ambiguous receipt errors propagate to
// the caller, which owns the lenient-verification policy.
func (o *Orchestrator) awaitReceipt(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	deadline := o.now().Add(o.verifyTimeout)
	for {
		status, err := o.chain.VerifyTx(ctx, txHash)
		if err != nil {
			return status, err
		}
		if status.Mined {
			return status, nil
		}
		if o.now().After(deadline) {
			return status, ledger.ErrConfirmTimeout
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(o.verifyPoll):
		}
	}
}

// applyStake patches the asset straight to its optimistic terminal state; the
// Pending flag carries the not-yet-reconciled status.
func (o *Orchestrator) applyStake(id string, source collectibles.StakingSource, stakedAt time.Time, unverified bool) (collectibles.Asset, error) {
	state := collectibles.Staked
	prior, err := o.store.ApplyOptimistic([]string{id}, collectibles.Patch{
		StakingState:  &state,
		StakingSource: &source,
		StakedAt:      &stakedAt,
		Unverified:    unverified,
	})
	if err != nil {
		return collectibles.Asset{}, err
	}
	return prior[0], nil
}

func (o *Orchestrator) applyUnstake(id string, unverified bool) (collectibles.Asset, error) {
	state := collectibles.NotStaked
	source := collectibles.SourceNone
	prior, err := o.store.ApplyOptimistic([]string{id}, collectibles.Patch{
		StakingState:  &state,
		StakingSource: &source,
		Unverified:    unverified,
	})
	if err != nil {
		return collectibles.Asset{}, err
	}
	return prior[0], nil
}

// acquire claims the in-flight slot for each id. Assets that already hold a
// slot or carry a pending optimistic mutation come back in busy.
func (o *Orchestrator) acquire(ids []string) (held, busy []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if o.inflight[id] {
			busy = append(busy, id)
			continue
		}
		if asset, ok := o.store.Get(id); ok && asset.Pending {
			busy = append(busy, id)
			continue
		}
		o.inflight[id] = true
		held = append(held, id)
	}
	o.metrics.AddInflight(len(held))
	return held, busy
}

func (o *Orchestrator) release(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.inflight, id)
	}
	o.metrics.AddInflight(-len(ids))
}

func (o *Orchestrator) refreshUnverifiedGauge() {
	count := 0
	for _, asset := range o.store.Snapshot() {
		if asset.Unverified {
			count++
		}
	}
	o.metrics.SetUnverified(count)
}

type resultBuilder struct {
	result   OperationResult
	order    []string
	outcomes map[string]AssetOutcome
}

func newResult(action string, ids []string) *resultBuilder {
	return &resultBuilder{
		result: OperationResult{
			OperationID: uuid.NewString(),
			Action:      action,
		},
		order:    dedupe(ids),
		outcomes: make(map[string]AssetOutcome, len(ids)),
	}
}

func (b *resultBuilder) accept(id, txHash string) {
	b.outcomes[id] = AssetOutcome{AssetID: id, OK: true, TxHash: txHash}
}

func (b *resultBuilder) reject(id, reason string) {
	b.outcomes[id] = AssetOutcome{AssetID: id, OK: false, Reason: reason}
}

// finish seals the result, marking any undecided identifier as aborted.
func (b *resultBuilder) finish(o *Orchestrator, start time.Time, message string) OperationResult {
	success := len(b.order) > 0
	for _, id := range b.order {
		outcome, ok := b.outcomes[id]
		if !ok {
			outcome = AssetOutcome{AssetID: id, OK: false, Reason: "aborted"}
		}
		if !outcome.OK {
			success = false
		}
		b.result.Assets = append(b.result.Assets, outcome)
	}
	b.result.Success = success
	b.result.Message = message
	label := "success"
	if !success {
		label = "failure"
	}
	o.metrics.ObserveOperation(b.result.Action, label, o.now().Sub(start))
	return b.result
}

// finishAll rejects every identifier with one batch-level reason.
func (b *resultBuilder) finishAll(o *Orchestrator, start time.Time, reason string) OperationResult {
	for _, id := range b.order {
		if _, ok := b.outcomes[id]; !ok {
			b.reject(id, reason)
		}
	}
	return b.finish(o, start, reason)
}

func receiptFailure(status ledger.TxStatus, err error) string {
	if err != nil {
		return err.Error()
	}
	if status.Mined && !status.Success {
		return "transaction reverted"
	}
	return "transaction not confirmed"
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
