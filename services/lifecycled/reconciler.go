package lifecycled

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/ledger"
)

// JobKind names the operation a reconciliation job follows up on.
type JobKind string

const (
	JobStake   JobKind = "stake"
	JobUnstake JobKind = "unstake"
	JobClaim   JobKind = "claim"
	JobBurn    JobKind = "burn"
)

// ExpectKind is one verifiable claim about an asset's post-operation state.
type ExpectKind uint8

const (
	// ExpectStakedOffchain asserts an active stake record in the off-chain
	// store.
	ExpectStakedOffchain ExpectKind = iota
	// ExpectStakedOnchain asserts the token appears in the staking
	// contract's holdings for the account.
	ExpectStakedOnchain
	// ExpectUnstakedOffchain asserts no active off-chain stake record.
	ExpectUnstakedOffchain
	// ExpectUnstakedOnchain asserts the token no longer appears in the
	// staking contract's holdings.
	ExpectUnstakedOnchain
	// ExpectOwned asserts on-chain ownership of the token by the account.
	ExpectOwned
	// ExpectBurned asserts the off-chain asset row has been removed.
	ExpectBurned
	// ExpectRecorded asserts the off-chain asset row exists.
	ExpectRecorded
)

// Expectation binds one asset to a verifiable post-operation claim. TokenID
// and ChainID are only consulted by the on-chain expectation kinds; ChainID
// pins the follow-up queries to the chain the transaction targeted so a
// network switch during the grace window cannot misdirect them.
type Expectation struct {
	AssetID string
	Kind    ExpectKind
	TokenID string
	ChainID uint64
}

// ReconJob is one scheduled follow-up check for a completed operation. Jobs
// are terminal once run; a transient ledger failure re-arms a job exactly
// once.
type ReconJob struct {
	ID       uuid.UUID
	Kind     JobKind
	Account  string
	AssetIDs []string
	Prior    []collectibles.Asset
	Expect   []Expectation
	RunAt    time.Time

	rearmed bool
	done    bool
}

// ReconcilerConfig wires the reconciler's collaborators. Store, Chain, and
// Records are required.
type ReconcilerConfig struct {
	Store   *collectibles.Store
	Chain   ledger.ChainLedger
	Records ledger.RecordLedger
	Grace   time.Duration
	Metrics *Metrics
	Logger  *slog.Logger
	Reports *ReportWriter
	Clock   func() time.Time
}

// Reconciler re-queries the authoritative ledgers after each operation's
// grace interval and settles the store's optimistic state: confirm on match,
// revert and surface on divergence.
type Reconciler struct {
	store   *collectibles.Store
	chain   ledger.ChainLedger
	records ledger.RecordLedger
	grace   time.Duration
	metrics *Metrics
	logger  *slog.Logger
	reports *ReportWriter
	now     func() time.Time

	mu    sync.Mutex
	queue []*ReconJob
	wake  chan struct{}
}

// NewReconciler constructs a reconciler with sane defaults.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycled: reconciler store required")
	}
	if cfg.Chain == nil || cfg.Records == nil {
		return nil, fmt.Errorf("lifecycled: reconciler ledgers required")
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:   cfg.Store,
		chain:   cfg.Chain,
		records: cfg.Records,
		grace:   grace,
		metrics: cfg.Metrics,
		logger:  logger,
		reports: cfg.Reports,
		now:     clock,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Schedule enqueues one follow-up job for a completed operation and returns
// its ID. The job runs after the configured grace interval.
func (r *Reconciler) Schedule(kind JobKind, account string, ids []string, prior []collectibles.Asset, expect []Expectation) uuid.UUID {
	job := &ReconJob{
		ID:       uuid.New(),
		Kind:     kind,
		Account:  account,
		AssetIDs: append([]string(nil), ids...),
		Prior:    append([]collectibles.Asset(nil), prior...),
		Expect:   append([]Expectation(nil), expect...),
		RunAt:    r.now().Add(r.grace),
	}
	r.mu.Lock()
	r.queue = append(r.queue, job)
	r.mu.Unlock()
	r.signal()
	r.logger.Debug("reconciliation scheduled",
		"job_id", job.ID, "kind", string(kind), "assets", len(ids), "run_at", job.RunAt)
	return job.ID
}

// Pending reports the number of jobs not yet settled.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run executes the scheduling loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		delay, ok := r.nextDelay()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		if delay <= 0 {
			r.RunDue(ctx)
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue settles every job whose run time has arrived and returns the number
// of jobs executed. Exposed so tests can drive the queue with an injected
// clock.
func (r *Reconciler) RunDue(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	var due, rest []*ReconJob
	for _, job := range r.queue {
		if !job.RunAt.After(now) {
			due = append(due, job)
		} else {
			rest = append(rest, job)
		}
	}
	r.queue = rest
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	for _, job := range due {
		r.runJob(ctx, job)
	}
	return len(due)
}

func (r *Reconciler) runJob(ctx context.Context, job *ReconJob) {
	if job.done {
		return
	}
	matched, err := r.verify(ctx, job)
	if err != nil {
		if !job.rearmed {
			job.rearmed = true
			job.RunAt = r.now().Add(r.grace)
			r.mu.Lock()
			r.queue = append(r.queue, job)
			r.mu.Unlock()
			r.signal()
			r.metrics.RecordReconRun("rearmed")
			r.logger.Warn("reconciliation query failed, re-armed",
				"job_id", job.ID, "kind", string(job.Kind), "err", err)
			return
		}
		// A second failure resolves as divergence rather than dropping
		// the job silently.
		r.logger.Error("reconciliation query failed twice, treating as divergence",
			"job_id", job.ID, "kind", string(job.Kind), "err", err)
		matched = false
	}
	job.done = true

	if matched {
		if len(job.Prior) > 0 {
			if err := r.store.Confirm(job.AssetIDs); err != nil {
				r.logger.Error("reconciliation confirm failed",
					"job_id", job.ID, "err", err)
			}
		}
		r.metrics.RecordReconRun("confirmed")
	} else {
		if len(job.Prior) > 0 {
			if err := r.store.Revert(job.AssetIDs, job.Prior); err != nil {
				r.logger.Error("reconciliation revert failed",
					"job_id", job.ID, "err", err)
			}
		}
		r.store.ReportSyncFailure(job.AssetIDs, "action did not persist")
		r.metrics.RecordReconRun("reverted")
		r.logger.Warn("reconciliation divergence",
			"job_id", job.ID, "kind", string(job.Kind), "account", job.Account)
	}

	unverified := 0
	for _, asset := range r.store.Snapshot() {
		if asset.Unverified {
			unverified++
		}
	}
	r.metrics.SetUnverified(unverified)

	if r.reports != nil {
		if err := r.reports.Append(job, matched, r.now()); err != nil {
			r.logger.Error("reconciliation report write failed",
				"job_id", job.ID, "err", err)
		}
	}
}

// verify checks every expectation against the authoritative ledgers. A false
// result with nil error is a genuine divergence; a non-nil error means the
// ledgers could not be consulted.
func (r *Reconciler) verify(ctx context.Context, job *ReconJob) (bool, error) {
	var (
		chainStaked  map[uint64]map[string]bool
		recordStaked map[string]bool
	)
	loadChain := func(chainID uint64) (map[string]bool, error) {
		if staked, ok := chainStaked[chainID]; ok {
			return staked, nil
		}
		tokens, err := r.chain.StakedAssets(ctx, job.Account, chainID)
		if err != nil {
			return nil, fmt.Errorf("lifecycled: query chain stakes: %w", err)
		}
		staked := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			staked[t] = true
		}
		if chainStaked == nil {
			chainStaked = make(map[uint64]map[string]bool, 1)
		}
		chainStaked[chainID] = staked
		return staked, nil
	}
	loadRecords := func() (map[string]bool, error) {
		if recordStaked != nil {
			return recordStaked, nil
		}
		ids, err := r.records.GetStakedAssets(ctx, job.Account)
		if err != nil {
			return nil, fmt.Errorf("lifecycled: query record stakes: %w", err)
		}
		recordStaked = make(map[string]bool, len(ids))
		for _, id := range ids {
			recordStaked[id] = true
		}
		return recordStaked, nil
	}

	for _, exp := range job.Expect {
		switch exp.Kind {
		case ExpectStakedOffchain, ExpectUnstakedOffchain:
			staked, err := loadRecords()
			if err != nil {
				return false, err
			}
			want := exp.Kind == ExpectStakedOffchain
			if staked[exp.AssetID] != want {
				return false, nil
			}
		case ExpectStakedOnchain, ExpectUnstakedOnchain:
			staked, err := loadChain(exp.ChainID)
			if err != nil {
				return false, err
			}
			want := exp.Kind == ExpectStakedOnchain
			if staked[exp.TokenID] != want {
				return false, nil
			}
		case ExpectOwned:
			owned, err := r.chain.Owns(ctx, job.Account, exp.TokenID, exp.ChainID)
			if err != nil {
				return false, fmt.Errorf("lifecycled: query ownership: %w", err)
			}
			if !owned {
				return false, nil
			}
		case ExpectBurned, ExpectRecorded:
			exists, err := r.records.AssetExists(ctx, job.Account, exp.AssetID)
			if err != nil {
				return false, fmt.Errorf("lifecycled: query asset row: %w", err)
			}
			want := exp.Kind == ExpectRecorded
			if exists != want {
				return false, nil
			}
		default:
			return false, fmt.Errorf("lifecycled: unknown expectation kind %d", exp.Kind)
		}
	}
	return true, nil
}

func (r *Reconciler) nextDelay() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return 0, false
	}
	next := r.queue[0].RunAt
	for _, job := range r.queue[1:] {
		if job.RunAt.Before(next) {
			next = job.RunAt
		}
	}
	return next.Sub(r.now()), true
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
