package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

// Seedable is the relational read surface the seed loader needs.
type Seedable interface {
	ActivePairs(ctx context.Context) ([]*types.TradingPair, error)
	OpenOrders(ctx context.Context) ([]*types.Order, error)
	Assets(ctx context.Context) ([]*types.Asset, error)
	MaxOrderID(ctx context.Context) (int64, error)
	MaxTradeID(ctx context.Context) (int64, error)
}

// Seeder populates the operational store from the relational store on a cold
// start. Each section is guarded by a marker so restarts of a warm store do
// not clobber live state.
type Seeder struct {
	st  *store.Store
	rel Seedable
	log *zap.Logger
}

// NewSeeder builds a seed loader.
func NewSeeder(st *store.Store, rel Seedable, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{st: st, rel: rel, log: logger.With(zap.String("component", "seeder"))}
}

// Run seeds pairs, balances and open orders, then raises the id counters past
// anything persisted. Must complete before the engine starts.
func (s *Seeder) Run(ctx context.Context) error {
	if err := s.seedPairs(ctx); err != nil {
		return fmt.Errorf("seed pairs: %w", err)
	}
	if err := s.seedAssets(ctx); err != nil {
		return fmt.Errorf("seed assets: %w", err)
	}
	if err := s.seedOrders(ctx); err != nil {
		return fmt.Errorf("seed orders: %w", err)
	}
	return s.seedCounters(ctx)
}

// Ready reports whether every seed marker is present.
func (s *Seeder) Ready(ctx context.Context) (bool, error) {
	for _, kind := range []types.EntityKind{types.EntityPair, types.EntityAsset, types.EntityOrder} {
		ok, err := s.st.Seeded(ctx, kind)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Seeder) seedPairs(ctx context.Context) error {
	if done, err := s.st.Seeded(ctx, types.EntityPair); err != nil || done {
		return err
	}
	pairs, err := s.rel.ActivePairs(ctx)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := s.st.SavePair(ctx, p); err != nil {
			return err
		}
	}
	s.log.Info("seeded trading pairs", zap.Int("count", len(pairs)))
	return s.st.MarkSeeded(ctx, types.EntityPair)
}

func (s *Seeder) seedAssets(ctx context.Context) error {
	if done, err := s.st.Seeded(ctx, types.EntityAsset); err != nil || done {
		return err
	}
	assets, err := s.rel.Assets(ctx)
	if err != nil {
		return err
	}
	for _, a := range assets {
		if err := s.st.SeedAsset(ctx, a); err != nil {
			return err
		}
	}
	s.log.Info("seeded balances", zap.Int("count", len(assets)))
	return s.st.MarkSeeded(ctx, types.EntityAsset)
}

// seedOrders restores open orders as hashes plus the per-symbol active
// indices the engine rebuilds its books from.
func (s *Seeder) seedOrders(ctx context.Context) error {
	if done, err := s.st.Seeded(ctx, types.EntityOrder); err != nil || done {
		return err
	}
	orders, err := s.rel.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := s.st.SaveOrder(ctx, o); err != nil {
			return err
		}
		if o.Status.Matchable() {
			if err := s.st.IndexActiveOrder(ctx, o); err != nil {
				return err
			}
		}
	}
	s.log.Info("seeded open orders", zap.Int("count", len(orders)))
	return s.st.MarkSeeded(ctx, types.EntityOrder)
}

func (s *Seeder) seedCounters(ctx context.Context) error {
	maxOrder, err := s.rel.MaxOrderID(ctx)
	if err != nil {
		return fmt.Errorf("seed order counter: %w", err)
	}
	if err := s.st.EnsureOrderCounter(ctx, maxOrder); err != nil {
		return fmt.Errorf("seed order counter: %w", err)
	}
	maxTrade, err := s.rel.MaxTradeID(ctx)
	if err != nil {
		return fmt.Errorf("seed trade counter: %w", err)
	}
	if err := s.st.EnsureTradeCounter(ctx, maxTrade); err != nil {
		return fmt.Errorf("seed trade counter: %w", err)
	}
	return nil
}
