// Package chains holds the supported network set and the currently selected
// network. The orchestrator never talks to wallet or RPC SDKs for network
// selection; it goes through the registry's single Switch contract.
package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"neftvault/native/collectibles"
)

var (
	ErrUnknownNetwork = errors.New("chains: unknown network")
	ErrNoNetworks     = errors.New("chains: no networks configured")
)

// Network describes one supported blockchain network.
type Network struct {
	Key           string
	ChainID       uint64
	Name          string
	RPCURL        string
	StakeContract string
	NFTContract   string
	Explorer      string
}

// SwitchOutcome reports how a switch request terminated. Cancelled means the
// user declined the switch; it is not an error, but the calling operation
// must abort without side effects.
type SwitchOutcome struct {
	Switched  bool
	Cancelled bool
}

// Confirmer approves or declines a network switch on behalf of the user.
// Returning false cancels the switch.
type Confirmer interface {
	ConfirmSwitch(ctx context.Context, from, to Network) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, from, to Network) (bool, error)

func (f ConfirmerFunc) ConfirmSwitch(ctx context.Context, from, to Network) (bool, error) {
	return f(ctx, from, to)
}

// AutoConfirmer approves every switch when true and cancels every switch when
// false. It is the daemon default, driven by configuration.
type AutoConfirmer bool

func (a AutoConfirmer) ConfirmSwitch(context.Context, Network, Network) (bool, error) {
	return bool(a), nil
}

// Registry tracks the supported networks and the active selection.
type Registry struct {
	mu        sync.RWMutex
	networks  map[uint64]Network
	current   uint64
	confirmer Confirmer
	logger    *slog.Logger
}

// NewRegistry builds a registry from the supplied networks, selecting the
// given chain ID as active.
func NewRegistry(networks []Network, active uint64, confirmer Confirmer, logger *slog.Logger) (*Registry, error) {
	if len(networks) == 0 {
		return nil, ErrNoNetworks
	}
	byID := make(map[uint64]Network, len(networks))
	for _, n := range networks {
		if n.ChainID == 0 {
			return nil, fmt.Errorf("chains: network %q missing chain id", n.Key)
		}
		if strings.TrimSpace(n.RPCURL) == "" {
			return nil, fmt.Errorf("chains: network %q missing rpc url", n.Key)
		}
		if _, dup := byID[n.ChainID]; dup {
			return nil, fmt.Errorf("chains: duplicate chain id %d", n.ChainID)
		}
		byID[n.ChainID] = n
	}
	if _, ok := byID[active]; !ok {
		return nil, fmt.Errorf("%w: active chain id %d", ErrUnknownNetwork, active)
	}
	if confirmer == nil {
		confirmer = AutoConfirmer(true)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{networks: byID, current: active, confirmer: confirmer, logger: logger}, nil
}

// Current returns the active network.
func (r *Registry) Current() Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.networks[r.current]
}

// Get looks up a network by chain ID.
func (r *Registry) Get(chainID uint64) (Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[chainID]
	return n, ok
}

// Networks lists every supported network ordered by chain ID.
func (r *Registry) Networks() []Network {
	r.mu.RLock()
	out := make([]Network, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// CandidatesFor lists the networks an asset could execute on. An asset pinned
// to a chain has exactly one candidate; an unpinned (off-chain) asset may use
// any supported network.
func (r *Registry) CandidatesFor(identity collectibles.ChainIdentity) []Network {
	if identity.ChainID != 0 {
		if n, ok := r.Get(identity.ChainID); ok {
			return []Network{n}
		}
		return nil
	}
	return r.Networks()
}

// Switch moves the active selection to the target chain, asking the
// confirmer first. Switching to the already-active network succeeds without
// confirmation. A declined confirmation yields a Cancelled outcome and leaves
// the selection untouched.
func (r *Registry) Switch(ctx context.Context, target uint64) (SwitchOutcome, error) {
	r.mu.RLock()
	from, ok := r.networks[r.current]
	to, targetOK := r.networks[target]
	r.mu.RUnlock()
	if !targetOK {
		return SwitchOutcome{}, fmt.Errorf("%w: chain id %d", ErrUnknownNetwork, target)
	}
	if ok && from.ChainID == target {
		return SwitchOutcome{Switched: true}, nil
	}

	approved, err := r.confirmer.ConfirmSwitch(ctx, from, to)
	if err != nil {
		return SwitchOutcome{}, fmt.Errorf("chains: switch confirmation: %w", err)
	}
	if !approved {
		r.logger.Info("network switch cancelled", "from", from.Key, "to", to.Key)
		return SwitchOutcome{Cancelled: true}, nil
	}

	r.mu.Lock()
	r.current = target
	r.mu.Unlock()
	r.logger.Info("network switched", "from", from.Key, "to", to.Key, "chain_id", target)
	return SwitchOutcome{Switched: true}, nil
}
