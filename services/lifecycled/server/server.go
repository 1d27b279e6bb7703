// Package server exposes the lifecycle engine over HTTP. It owns the JSON
// request and response codecs; nothing below it speaks HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled"
)

// Server wires the HTTP API around the orchestrator and the asset store.
type Server struct {
	orch   *lifecycled.Orchestrator
	store  *collectibles.Store
	logger *slog.Logger
	router http.Handler
}

// New constructs a configured router.
func New(orch *lifecycled.Orchestrator, store *collectibles.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/assets", s.handleAssets)
		r.Post("/ops/stake", s.handleStake)
		r.Post("/ops/unstake", s.handleUnstake)
		r.Post("/ops/claim", s.handleClaim)
		r.Post("/ops/burn", s.handleBurn)
	})

	s.router = otelhttp.NewHandler(r, "lifecycled")
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

type batchRequest struct {
	Account  string   `json:"account"`
	AssetIDs []string `json:"asset_ids"`
}

type claimRequest struct {
	Account     string `json:"account"`
	AssetID     string `json:"asset_id"`
	TargetChain uint64 `json:"target_chain,omitempty"`
}

type assetView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Rarity        string  `json:"rarity"`
	Backing       string  `json:"backing"`
	ChainID       uint64  `json:"chain_id,omitempty"`
	Network       string  `json:"network,omitempty"`
	Contract      string  `json:"contract,omitempty"`
	TokenID       string  `json:"token_id,omitempty"`
	StakingState  string  `json:"staking_state"`
	StakingSource string  `json:"staking_source,omitempty"`
	StakedAt      string  `json:"staked_at,omitempty"`
	AccruedReward float64 `json:"accrued_reward,omitempty"`
	Pending       bool    `json:"pending,omitempty"`
	Unverified    bool    `json:"unverified,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	assets := s.store.Snapshot()
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		view := assetView{
			ID:           a.ID,
			Name:         a.Name,
			Rarity:       a.Rarity.String(),
			Backing:      a.Backing.String(),
			StakingState: a.StakingState.String(),
			Pending:      a.Pending,
			Unverified:   a.Unverified,
		}
		if a.StakingSource != collectibles.SourceNone {
			view.StakingSource = a.StakingSource.String()
		}
		if !a.Chain.Empty() {
			view.ChainID = a.Chain.ChainID
			view.Network = a.Chain.NetworkName
			view.Contract = a.Chain.Contract
			view.TokenID = a.Chain.TokenID
		}
		if a.StakingState == collectibles.Staked && !a.StakedAt.IsZero() {
			view.StakedAt = a.StakedAt.UTC().Format(time.RFC3339)
			if reward, err := collectibles.AccruedReward(a.Rarity, a.StakedAt, now); err == nil {
				view.AccruedReward = reward
			}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": views})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	res := s.orch.Stake(r.Context(), req.Account, req.AssetIDs)
	writeResult(w, res)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	res := s.orch.Unstake(r.Context(), req.Account, req.AssetIDs)
	writeResult(w, res)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.AssetID) == "" {
		writeError(w, http.StatusBadRequest, "account and asset_id are required")
		return
	}
	res := s.orch.Claim(r.Context(), req.Account, req.AssetID, req.TargetChain)
	writeResult(w, res)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	res := s.orch.Burn(r.Context(), req.Account, req.AssetIDs)
	writeResult(w, res)
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (batchRequest, bool) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Account) == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return req, false
	}
	if len(req.AssetIDs) == 0 {
		writeError(w, http.StatusBadRequest, "asset_ids are required")
		return req, false
	}
	return req, true
}

func writeResult(w http.ResponseWriter, res lifecycled.OperationResult) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
