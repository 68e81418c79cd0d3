// Package query serves read-only HTTP/JSON views over live engine
// state: markets, positions, vaults, funding history, and the action
// log. Handlers read the canonical store directly; writes happen only
// on the engine goroutine, and handlers hold the read side of the
// shared commit lock while they walk state.
package query

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpCore/internal/errs"
	"PerpCore/internal/exec"
	"PerpCore/internal/market"
	"PerpCore/internal/observability"
	"PerpCore/internal/projection"
	"PerpCore/internal/store"
)

const defaultFundingLimit = 100

// EngineStatus is the slice of the engine the service reports on.
type EngineStatus interface {
	Sequence() int64
	StateHash() [32]byte
}

// Service answers read queries. All endpoints are GET and return JSON.
type Service struct {
	store   store.Store
	funding *projection.FundingHistory
	engine  EngineStatus
	guard   *sync.RWMutex
	metrics *observability.Metrics
	log     zerolog.Logger
}

type Option func(*Service)

// WithStateLock shares the engine's commit lock so handlers never
// observe a half-applied commit.
func WithStateLock(mu *sync.RWMutex) Option {
	return func(s *Service) { s.guard = mu }
}

func NewService(st store.Store, funding *projection.FundingHistory, engine EngineStatus, metrics *observability.Metrics, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		funding: funding,
		engine:  engine,
		metrics: metrics,
		log:     log.With().Str("component", "query_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mux mounts every endpoint on a fresh ServeMux.
func (s *Service) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handle("status", s.getStatus))
	mux.HandleFunc("GET /v1/markets", s.handle("markets", s.listMarkets))
	mux.HandleFunc("GET /v1/markets/{token}", s.handle("market", s.getMarket))
	mux.HandleFunc("GET /v1/markets/{token}/positions", s.handle("market_positions", s.listMarketPositions))
	mux.HandleFunc("GET /v1/markets/{token}/balances", s.handle("market_balances", s.getVaultBalances))
	mux.HandleFunc("GET /v1/markets/{token}/funding", s.handle("market_funding", s.listFundingHistory))
	mux.HandleFunc("GET /v1/positions", s.handle("positions", s.listOwnerPositions))
	mux.HandleFunc("GET /v1/glvs", s.handle("glvs", s.listGlvs))
	mux.HandleFunc("GET /v1/glvs/{token}", s.handle("glv", s.getGlv))
	mux.HandleFunc("GET /v1/actions/{id}", s.handle("action", s.getAction))
	return mux
}

// handle wraps an endpoint with JSON encoding, error mapping, and
// request metrics.
func (s *Service) handle(endpoint string, fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.guard != nil {
			s.guard.RLock()
		}
		body, err := fn(r)
		if s.guard != nil {
			s.guard.RUnlock()
		}

		status := http.StatusOK
		label := "ok"
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrNotFound):
				status, label = http.StatusNotFound, "not_found"
			case errors.Is(err, errs.ErrInvalidArgument):
				status, label = http.StatusBadRequest, "bad_request"
			default:
				status, label = http.StatusInternalServerError, "error"
				s.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
			}
			body = map[string]string{"error": err.Error()}
		}

		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, label).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
			s.log.Warn().Err(encErr).Str("endpoint", endpoint).Msg("encode response")
		}
	}
}

func (s *Service) getStatus(*http.Request) (any, error) {
	hash := s.engine.StateHash()
	return StatusResponse{
		Sequence:  s.engine.Sequence(),
		StateHash: hex.EncodeToString(hash[:]),
	}, nil
}

func (s *Service) listMarkets(*http.Request) (any, error) {
	markets := s.store.Markets()
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].MarketToken < markets[j].MarketToken
	})
	out := make([]MarketResponse, 0, len(markets))
	for _, m := range markets {
		resp, err := marketResponse(m)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func (s *Service) getMarket(r *http.Request) (any, error) {
	m, err := s.store.Market(r.PathValue("token"))
	if err != nil {
		return nil, err
	}
	return marketResponse(m)
}

func (s *Service) listMarketPositions(r *http.Request) (any, error) {
	token := r.PathValue("token")
	if _, err := s.store.Market(token); err != nil {
		return nil, err
	}
	positions := s.store.PositionsByMarket(token)
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

func (s *Service) listOwnerPositions(r *http.Request) (any, error) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		return nil, fmt.Errorf("owner query parameter required: %w", errs.ErrInvalidArgument)
	}
	out := make([]PositionResponse, 0)
	for _, m := range s.store.Markets() {
		for _, p := range s.store.PositionsByMarket(m.MarketToken) {
			if p.Owner == owner {
				out = append(out, positionResponse(p))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketToken < out[j].MarketToken })
	return out, nil
}

func (s *Service) getVaultBalances(r *http.Request) (any, error) {
	token := r.PathValue("token")
	m, err := s.store.Market(token)
	if err != nil {
		return nil, err
	}
	return VaultBalancesResponse{
		MarketToken:  m.MarketToken,
		LongToken:    m.LongToken,
		ShortToken:   m.ShortToken,
		LongBalance:  s.store.VaultBalance(token, m.LongToken).Dec(),
		ShortBalance: s.store.VaultBalance(token, m.ShortToken).Dec(),
	}, nil
}

func (s *Service) listFundingHistory(r *http.Request) (any, error) {
	token := r.PathValue("token")
	if _, err := s.store.Market(token); err != nil {
		return nil, err
	}
	limit := defaultFundingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("limit must be a positive integer: %w", errs.ErrInvalidArgument)
		}
		limit = parsed
	}
	entries := s.funding.ByMarket(token, limit)
	out := make([]FundingHistoryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, fundingHistoryResponse(entry))
	}
	return out, nil
}

func (s *Service) listGlvs(*http.Request) (any, error) {
	glvs := s.store.Glvs()
	sort.Slice(glvs, func(i, j int) bool { return glvs[i].GlvToken < glvs[j].GlvToken })
	out := make([]GlvResponse, 0, len(glvs))
	for _, g := range glvs {
		out = append(out, glvResponse(g))
	}
	return out, nil
}

func (s *Service) getGlv(r *http.Request) (any, error) {
	g, err := s.store.Glv(r.PathValue("token"))
	if err != nil {
		return nil, err
	}
	return glvResponse(g), nil
}

func (s *Service) getAction(r *http.Request) (any, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, fmt.Errorf("malformed action id: %w", errs.ErrInvalidArgument)
	}
	rec, err := s.store.Action(id)
	if err != nil {
		return nil, err
	}
	return actionResponse(rec), nil
}

// --- helpers ---

func actionKindString(kind market.ActionKind) string {
	switch kind {
	case market.ActionDeposit:
		return "deposit"
	case market.ActionWithdrawal:
		return "withdrawal"
	case market.ActionOrder:
		return "order"
	case market.ActionShift:
		return "shift"
	case market.ActionGlvDeposit:
		return "glv_deposit"
	case market.ActionGlvWithdrawal:
		return "glv_withdrawal"
	case market.ActionGlvShift:
		return "glv_shift"
	default:
		return "unknown"
	}
}

func actionStateString(state int32) string {
	return exec.ActionState(state).String()
}

func rawPayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return decoded
}
