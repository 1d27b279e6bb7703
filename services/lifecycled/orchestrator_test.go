package lifecycled

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/chains"
	"neftvault/services/lifecycled/ledger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeChain struct {
	mu        sync.Mutex
	seq       int
	staked    map[string]bool
	owned     map[string]bool
	verifyErr error
	submitErr error
	queryErr  error
	reverted  bool
	queried   []uint64

	// When set, SubmitStakeTx signals stakeEntered and then blocks until
	// stakeGate is closed.
	stakeEntered chan struct{}
	stakeGate    chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{staked: make(map[string]bool), owned: make(map[string]bool)}
}

func (c *fakeChain) submit() (ledger.TxSubmission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return ledger.TxSubmission{}, c.submitErr
	}
	c.seq++
	return ledger.TxSubmission{Hash: fmt.Sprintf("0xtx%d", c.seq), Accepted: true}, nil
}

func (c *fakeChain) SubmitStakeTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	if c.stakeEntered != nil {
		c.stakeEntered <- struct{}{}
		<-c.stakeGate
	}
	sub, err := c.submit()
	if err == nil && c.verifyErr == nil {
		c.mu.Lock()
		c.staked[asset.Chain.TokenID] = true
		c.mu.Unlock()
	}
	return sub, err
}

func (c *fakeChain) SubmitUnstakeTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	return c.submit()
}

func (c *fakeChain) SubmitBurnTx(ctx context.Context, account string, assets []collectibles.Asset) (ledger.TxSubmission, error) {
	return c.submit()
}

func (c *fakeChain) SubmitClaimTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	return c.submit()
}

func (c *fakeChain) VerifyTx(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verifyErr != nil {
		return ledger.TxStatus{}, c.verifyErr
	}
	if c.reverted {
		return ledger.TxStatus{Mined: true, Success: false}, nil
	}
	return ledger.TxStatus{Mined: true, Success: true}, nil
}

func (c *fakeChain) ClaimedTokenID(ctx context.Context, txHash string) (string, error) {
	return "42", nil
}

func (c *fakeChain) StakedAssets(ctx context.Context, account string, chainID uint64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queried = append(c.queried, chainID)
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	var out []string
	for token, ok := range c.staked {
		if ok {
			out = append(out, token)
		}
	}
	return out, nil
}

func (c *fakeChain) Owns(ctx context.Context, account, tokenID string, chainID uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queried = append(c.queried, chainID)
	return c.owned[tokenID], nil
}

type fakeRecords struct {
	mu       sync.Mutex
	staked   map[string]bool
	assets   map[string]bool
	claims   []ledger.Claim
	queryErr []error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{staked: make(map[string]bool), assets: make(map[string]bool)}
}

func (r *fakeRecords) CreateStakeRecord(ctx context.Context, account, assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staked[assetID] = true
	return nil
}

func (r *fakeRecords) DeleteStakeRecord(ctx context.Context, account, assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.staked, assetID)
	return nil
}

func (r *fakeRecords) GetStakedAssets(ctx context.Context, account string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queryErr) > 0 {
		err := r.queryErr[0]
		r.queryErr = r.queryErr[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []string
	for id, ok := range r.staked {
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeRecords) RecordClaim(ctx context.Context, account string, claim ledger.Claim) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims = append(r.claims, claim)
	return true, nil
}

func (r *fakeRecords) RecordBurn(ctx context.Context, account string, burnedIDs []string, result collectibles.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range burnedIDs {
		delete(r.assets, id)
	}
	r.assets[result.ID] = true
	return nil
}

func (r *fakeRecords) AssetExists(ctx context.Context, account, assetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assets[assetID], nil
}

type harness struct {
	clock    *fakeClock
	store    *collectibles.Store
	chain    *fakeChain
	records  *fakeRecords
	registry *chains.Registry
	recon    *Reconciler
	orch     *Orchestrator
}

func testNetworks() []chains.Network {
	return []chains.Network{
		{Key: "sepolia", ChainID: 11155111, Name: "Sepolia", RPCURL: "http://127.0.0.1:8545", NFTContract: "0xnft", StakeContract: "0xstake"},
		{Key: "amoy", ChainID: 80002, Name: "Amoy", RPCURL: "http://127.0.0.1:8546", NFTContract: "0xnft2", StakeContract: "0xstake2"},
	}
}

func newHarness(t *testing.T, confirmer chains.Confirmer) *harness {
	t.Helper()
	clock := newFakeClock()
	store := collectibles.NewStore()
	chain := newFakeChain()
	records := newFakeRecords()
	registry, err := chains.NewRegistry(testNetworks(), 11155111, confirmer, nil)
	require.NoError(t, err)
	recon, err := NewReconciler(ReconcilerConfig{
		Store:   store,
		Chain:   chain,
		Records: records,
		Grace:   10 * time.Second,
		Clock:   clock.Now,
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Store:      store,
		Chain:      chain,
		Records:    records,
		Registry:   registry,
		Recon:      recon,
		VerifyPoll: time.Millisecond,
		Clock:      clock.Now,
		NewAssetID: func() string { return "forged-1" },
	})
	require.NoError(t, err)
	return &harness{clock: clock, store: store, chain: chain, records: records, registry: registry, recon: recon, orch: orch}
}

func offchainAsset(id string, rarity collectibles.Rarity) collectibles.Asset {
	return collectibles.Asset{ID: id, Name: "asset " + id, Rarity: rarity}
}

func onchainAsset(id, tokenID string, chainID uint64, rarity collectibles.Rarity) collectibles.Asset {
	return collectibles.Asset{
		ID:      id,
		Name:    "asset " + id,
		Rarity:  rarity,
		Backing: collectibles.BackingOnchain,
		Chain: collectibles.ChainIdentity{
			ChainID:     chainID,
			NetworkName: "Sepolia",
			Contract:    "0xnft",
			TokenID:     tokenID,
		},
	}
}

func TestStakeOffchainThenReconcile(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(offchainAsset("a-1", collectibles.RarityCommon)))

	res := h.orch.Stake(ctx, "0xabc", []string{"a-1"})
	require.True(t, res.Success, res.Message)

	// The optimistic mutation shows the terminal state at once; Pending is
	// the only marker that reconciliation has not settled it yet.
	asset, _ := h.store.Get("a-1")
	require.Equal(t, collectibles.Staked, asset.StakingState)
	require.Equal(t, collectibles.SourceOffchain, asset.StakingSource)
	require.True(t, asset.Pending)
	require.Equal(t, 1, h.recon.Pending())

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))

	asset, _ = h.store.Get("a-1")
	require.False(t, asset.Pending)
	require.Equal(t, collectibles.Staked, asset.StakingState)
}

func TestStakeRejectsBusyAssetPerIdentifier(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(
		offchainAsset("a-1", collectibles.RarityCommon),
		offchainAsset("a-2", collectibles.RarityCommon),
	))

	res := h.orch.Stake(ctx, "0xabc", []string{"a-1"})
	require.True(t, res.Success)

	// a-1 still carries its pending mutation; a-2 is free.
	res = h.orch.Stake(ctx, "0xabc", []string{"a-1", "a-2"})
	require.False(t, res.Success)
	require.Len(t, res.Assets, 2)
	require.False(t, res.Assets[0].OK)
	require.Equal(t, ErrAssetBusy.Error(), res.Assets[0].Reason)
	require.True(t, res.Assets[1].OK)
}

func TestStakeConcurrentRequestsSingleWinner(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(onchainAsset("n-1", "7", 11155111, collectibles.RarityRare)))

	h.chain.stakeEntered = make(chan struct{}, 1)
	h.chain.stakeGate = make(chan struct{})

	first := make(chan OperationResult, 1)
	go func() { first <- h.orch.Stake(ctx, "0xabc", []string{"n-1"}) }()

	// The first request is parked inside the chain submission, before any
	// store mutation marks the asset pending. Only the in-flight guard can
	// reject the competing request here.
	<-h.chain.stakeEntered
	res := h.orch.Stake(ctx, "0xabc", []string{"n-1"})
	require.False(t, res.Success)
	require.Len(t, res.Assets, 1)
	require.Equal(t, ErrAssetBusy.Error(), res.Assets[0].Reason)

	close(h.chain.stakeGate)
	res = <-first
	require.True(t, res.Success, res.Message)

	got, _ := h.store.Get("n-1")
	require.Equal(t, collectibles.Staked, got.StakingState)
	require.True(t, got.Pending)
}

func TestReconcileQueriesPinnedChainAfterSwitch(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(onchainAsset("n-1", "7", 11155111, collectibles.RarityRare)))

	res := h.orch.Stake(ctx, "0xabc", []string{"n-1"})
	require.True(t, res.Success, res.Message)
	require.True(t, h.chain.staked["7"])

	// The active network moves during the grace window. The follow-up reads
	// must stay on the chain the stake transaction targeted or the healthy
	// stake would be reverted.
	outcome, err := h.registry.Switch(ctx, 80002)
	require.NoError(t, err)
	require.True(t, outcome.Switched)

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))

	require.Equal(t, []uint64{11155111}, h.chain.queried)
	got, _ := h.store.Get("n-1")
	require.Equal(t, collectibles.Staked, got.StakingState)
	require.False(t, got.Pending)
	require.False(t, got.Unverified)
}

func TestStakeCancelledSwitchAbortsBatch(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(false))
	ctx := context.Background()
	require.NoError(t, h.store.Load(
		onchainAsset("n-1", "7", 80002, collectibles.RarityRare),
		offchainAsset("a-1", collectibles.RarityCommon),
	))

	res := h.orch.Stake(ctx, "0xabc", []string{"n-1", "a-1"})
	require.False(t, res.Success)
	require.Equal(t, ErrSwitchCancelled.Error(), res.Message)

	// No member mutated, nothing scheduled, off-chain store untouched.
	for _, id := range []string{"n-1", "a-1"} {
		asset, _ := h.store.Get(id)
		require.Equal(t, collectibles.NotStaked, asset.StakingState)
		require.False(t, asset.Pending)
	}
	require.Equal(t, 0, h.recon.Pending())
	require.Empty(t, h.records.staked)
	require.Equal(t, uint64(11155111), h.registry.Current().ChainID)
}

func TestUnstakeAmbiguousReceiptReconciles(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()

	asset := onchainAsset("n-1", "7", 11155111, collectibles.RarityLegendary)
	asset.StakingState = collectibles.Staked
	asset.StakingSource = collectibles.SourceOnchain
	require.NoError(t, h.store.Load(asset))
	h.chain.staked["7"] = true

	h.chain.verifyErr = fmt.Errorf("decode receipt: %w", ledger.ErrAmbiguousReceipt)
	res := h.orch.Unstake(ctx, "0xabc", []string{"n-1"})
	require.True(t, res.Success, res.Message)

	got, _ := h.store.Get("n-1")
	require.Equal(t, collectibles.NotStaked, got.StakingState)
	require.True(t, got.Unverified)
	require.True(t, got.Pending)

	// The withdrawal did land: the contract no longer reports the token.
	h.chain.mu.Lock()
	h.chain.verifyErr = nil
	delete(h.chain.staked, "7")
	h.chain.mu.Unlock()

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))

	got, _ = h.store.Get("n-1")
	require.Equal(t, collectibles.NotStaked, got.StakingState)
	require.False(t, got.Unverified)
	require.False(t, got.Pending)
}

func TestUnstakeAmbiguousDivergenceReverts(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()

	asset := onchainAsset("n-1", "7", 11155111, collectibles.RarityLegendary)
	asset.StakingState = collectibles.Staked
	asset.StakingSource = collectibles.SourceOnchain
	require.NoError(t, h.store.Load(asset))
	h.chain.staked["7"] = true

	var failures []collectibles.SyncFailed
	h.store.Subscribe(func(ev collectibles.Event) {
		if f, ok := ev.(collectibles.SyncFailed); ok {
			failures = append(failures, f)
		}
	})

	h.chain.verifyErr = fmt.Errorf("decode receipt: %w", ledger.ErrAmbiguousReceipt)
	res := h.orch.Unstake(ctx, "0xabc", []string{"n-1"})
	require.True(t, res.Success)

	// The contract still holds the token: the withdrawal never landed.
	h.chain.mu.Lock()
	h.chain.verifyErr = nil
	h.chain.mu.Unlock()

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))

	got, _ := h.store.Get("n-1")
	require.Equal(t, collectibles.Staked, got.StakingState)
	require.Equal(t, collectibles.SourceOnchain, got.StakingSource)
	require.False(t, got.Pending)
	require.Len(t, failures, 1)
	require.Equal(t, []string{"n-1"}, failures[0].AssetIDs)
}

func TestUnstakeStrictModeFailsAmbiguous(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	h.orch.strict = true
	ctx := context.Background()

	asset := onchainAsset("n-1", "7", 11155111, collectibles.RarityLegendary)
	asset.StakingState = collectibles.Staked
	asset.StakingSource = collectibles.SourceOnchain
	require.NoError(t, h.store.Load(asset))

	h.chain.verifyErr = fmt.Errorf("decode receipt: %w", ledger.ErrAmbiguousReceipt)
	res := h.orch.Unstake(ctx, "0xabc", []string{"n-1"})
	require.False(t, res.Success)

	got, _ := h.store.Get("n-1")
	require.Equal(t, collectibles.Staked, got.StakingState)
	require.False(t, got.Pending)
	require.Equal(t, 0, h.recon.Pending())
}

func TestClaimFlipsBackingWithIdentity(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(offchainAsset("a-1", collectibles.RarityPlatinum)))
	h.chain.owned["42"] = true

	res := h.orch.Claim(ctx, "0xabc", "a-1", 11155111)
	require.True(t, res.Success, res.Message)

	got, _ := h.store.Get("a-1")
	require.Equal(t, collectibles.BackingOnchain, got.Backing)
	require.Equal(t, uint64(11155111), got.Chain.ChainID)
	require.Equal(t, "42", got.Chain.TokenID)
	require.Equal(t, "0xnft", got.Chain.Contract)
	require.Len(t, h.records.claims, 1)
	require.Equal(t, "42", h.records.claims[0].TokenID)

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))
	got, _ = h.store.Get("a-1")
	require.False(t, got.Pending)
	require.Equal(t, collectibles.BackingOnchain, got.Backing)
}

func TestClaimRejectsStakedAsset(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	asset := offchainAsset("a-1", collectibles.RarityCommon)
	asset.StakingState = collectibles.Staked
	asset.StakingSource = collectibles.SourceOffchain
	require.NoError(t, h.store.Load(asset))

	res := h.orch.Claim(ctx, "0xabc", "a-1", 0)
	require.False(t, res.Success)
	require.Equal(t, "unstake before claiming", res.Assets[0].Reason)
}

func TestBurnMaterializesResult(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	ids := []string{"c-1", "c-2", "c-3", "c-4", "c-5"}
	for _, id := range ids {
		require.NoError(t, h.store.Load(offchainAsset(id, collectibles.RarityCommon)))
		h.records.assets[id] = true
	}

	res := h.orch.Burn(ctx, "0xabc", ids)
	require.True(t, res.Success, res.Message)

	for _, id := range ids {
		_, ok := h.store.Get(id)
		require.False(t, ok, "consumed asset %s should be gone", id)
	}
	result, ok := h.store.Get("forged-1")
	require.True(t, ok)
	require.Equal(t, collectibles.RarityPlatinum, result.Rarity)
	require.Equal(t, collectibles.BackingOffchain, result.Backing)

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))
	require.Equal(t, 0, h.recon.Pending())
}

func TestBurnRejectsMixedRarities(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(
		offchainAsset("c-1", collectibles.RarityCommon),
		offchainAsset("c-2", collectibles.RarityCommon),
		offchainAsset("c-3", collectibles.RarityCommon),
		offchainAsset("r-1", collectibles.RarityRare),
		offchainAsset("r-2", collectibles.RarityRare),
	))

	res := h.orch.Burn(ctx, "0xabc", []string{"c-1", "c-2", "c-3", "r-1", "r-2"})
	require.False(t, res.Success)
	for _, id := range []string{"c-1", "r-1"} {
		asset, ok := h.store.Get(id)
		require.True(t, ok)
		require.False(t, asset.Pending)
	}
}

func TestBurnRejectsCrossChainSelection(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(
		onchainAsset("l-1", "1", 11155111, collectibles.RarityLegendary),
		onchainAsset("l-2", "2", 80002, collectibles.RarityLegendary),
	))

	res := h.orch.Burn(ctx, "0xabc", []string{"l-1", "l-2"})
	require.False(t, res.Success)
	require.Equal(t, ErrCrossChainMismatch.Error(), res.Message)
	require.Equal(t, 0, h.recon.Pending())
}

func TestBurnRejectsStakedMember(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	staked := offchainAsset("c-1", collectibles.RarityCommon)
	staked.StakingState = collectibles.Staked
	staked.StakingSource = collectibles.SourceOffchain
	require.NoError(t, h.store.Load(staked))
	for _, id := range []string{"c-2", "c-3", "c-4", "c-5"} {
		require.NoError(t, h.store.Load(offchainAsset(id, collectibles.RarityCommon)))
	}

	res := h.orch.Burn(ctx, "0xabc", []string{"c-1", "c-2", "c-3", "c-4", "c-5"})
	require.False(t, res.Success)
	_, ok := h.store.Get("c-1")
	require.True(t, ok)
}

func TestReconcilerRearmsOnceThenResolvesDivergence(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(offchainAsset("a-1", collectibles.RarityCommon)))

	var failures int
	h.store.Subscribe(func(ev collectibles.Event) {
		if _, ok := ev.(collectibles.SyncFailed); ok {
			failures++
		}
	})

	res := h.orch.Stake(ctx, "0xabc", []string{"a-1"})
	require.True(t, res.Success)

	h.records.mu.Lock()
	h.records.queryErr = []error{fmt.Errorf("db offline"), fmt.Errorf("db offline")}
	h.records.mu.Unlock()

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))
	require.Equal(t, 1, h.recon.Pending(), "transient failure should re-arm the job")

	asset, _ := h.store.Get("a-1")
	require.True(t, asset.Pending)

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))
	require.Equal(t, 0, h.recon.Pending())

	// Second failure resolves as divergence: revert and surface.
	asset, _ = h.store.Get("a-1")
	require.Equal(t, collectibles.NotStaked, asset.StakingState)
	require.False(t, asset.Pending)
	require.Equal(t, 1, failures)
}

func TestReconcilerRunsAreIdempotent(t *testing.T) {
	h := newHarness(t, chains.AutoConfirmer(true))
	ctx := context.Background()
	require.NoError(t, h.store.Load(offchainAsset("a-1", collectibles.RarityCommon)))

	res := h.orch.Stake(ctx, "0xabc", []string{"a-1"})
	require.True(t, res.Success)

	h.clock.Advance(11 * time.Second)
	require.Equal(t, 1, h.recon.RunDue(ctx))
	require.Equal(t, 0, h.recon.RunDue(ctx))

	asset, _ := h.store.Get("a-1")
	require.Equal(t, collectibles.Staked, asset.StakingState)
	require.False(t, asset.Pending)
}
