package popular

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
)

// defaultTopN is how many rows each ranking keeps per refresh.
const defaultTopN = 20

// persistedRankings are stored in popular_stocks; market_cap stays
// cache-only because the master table already orders by it.
var persistedRankings = []domain.RankingType{
	domain.RankVolume,
	domain.RankValue,
	domain.RankGain,
	domain.RankLoss,
}

// allRankings is every ranking served from the cache.
var allRankings = []domain.RankingType{
	domain.RankVolume,
	domain.RankValue,
	domain.RankGain,
	domain.RankLoss,
	domain.RankMarketCap,
}

// ValidRankingType reports whether rt names a served ranking.
func ValidRankingType(rt domain.RankingType) bool {
	for _, known := range allRankings {
		if rt == known {
			return true
		}
	}
	return false
}

// SnapshotSource provides the all-market daily trade snapshot, satisfied
// by *krxdata.Client.
type SnapshotSource interface {
	MarketSnapshot(ctx context.Context, day time.Time) ([]domain.SnapshotRow, error)
}

// Store persists ranking snapshots, satisfied by *Repository.
type Store interface {
	ReplaceSnapshot(ctx context.Context, rt domain.RankingType, day time.Time, stocks []domain.PopularStock) error
	LatestSnapshot(ctx context.Context, rt domain.RankingType, limit int) ([]domain.PopularStock, error)
}

// RankingCache is the hot tier, satisfied by *cache.Popular.
type RankingCache interface {
	Get(ctx context.Context, rt domain.RankingType) (*cache.PopularRecord, error)
	Set(ctx context.Context, rt domain.RankingType, stocks []domain.PopularStock) error
}

// ServiceConfig wires the popular service dependencies.
type ServiceConfig struct {
	Snapshot SnapshotSource
	Store    Store
	Cache    RankingCache
	Log      zerolog.Logger
	Now      func() time.Time
	TopN     int
}

// Service serves popular-stock rankings cache-first and rebuilds them
// from the market snapshot.
type Service struct {
	snapshot SnapshotSource
	store    Store
	cache    RankingCache
	log      zerolog.Logger
	now      func() time.Time
	topN     int
}

// NewService creates the popular service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	topN := cfg.TopN
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Service{
		snapshot: cfg.Snapshot,
		store:    cfg.Store,
		cache:    cfg.Cache,
		log:      cfg.Log.With().Str("service", "popular").Logger(),
		now:      now,
		topN:     topN,
	}
}

// Ranking returns one ranking, cache-first. A cold cache falls back to
// the newest persisted snapshot; unknown ranking types and empty stores
// both report domain.ErrNotFound.
func (s *Service) Ranking(ctx context.Context, rt domain.RankingType, limit int) (*cache.PopularRecord, error) {
	if !ValidRankingType(rt) {
		return nil, fmt.Errorf("ranking %q: %w", rt, domain.ErrNotFound)
	}
	if limit < 1 {
		limit = defaultTopN
	}

	rec, err := s.cache.Get(ctx, rt)
	if err != nil {
		s.log.Warn().Err(err).Str("ranking", string(rt)).Msg("Ranking cache read failed")
	}
	if rec != nil {
		if len(rec.Stocks) > limit {
			rec.Stocks = rec.Stocks[:limit]
		}
		return rec, nil
	}

	rows, err := s.store.LatestSnapshot(ctx, rt, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	return &cache.PopularRecord{Stocks: rows, UpdatedAt: rows[0].SnapshotDate}, nil
}

// Refresh rebuilds every ranking from one market snapshot: all five go
// to the cache, the four persisted ones replace today's DB snapshot.
func (s *Service) Refresh(ctx context.Context) error {
	day := s.now()
	rows, err := s.snapshot.MarketSnapshot(ctx, day)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.log.Warn().Msg("Market snapshot empty, rankings unchanged")
		return nil
	}

	for _, rt := range allRankings {
		ranked := buildRanking(rt, rows, s.topN, day)

		if err := s.cache.Set(ctx, rt, ranked); err != nil {
			s.log.Warn().Err(err).Str("ranking", string(rt)).Msg("Ranking cache write failed")
		}
		if !isPersisted(rt) {
			continue
		}
		if err := s.store.ReplaceSnapshot(ctx, rt, day, ranked); err != nil {
			return err
		}
	}

	s.log.Info().Int("issues", len(rows)).Int("top_n", s.topN).Msg("Popular rankings refreshed")
	return nil
}

func isPersisted(rt domain.RankingType) bool {
	for _, known := range persistedRankings {
		if rt == known {
			return true
		}
	}
	return false
}

// buildRanking sorts the snapshot for one ranking type and keeps the top
// rows. Gain and loss rankings skip untraded issues so halted stocks
// never chart.
func buildRanking(rt domain.RankingType, rows []domain.SnapshotRow, topN int, day time.Time) []domain.PopularStock {
	eligible := rows
	if rt == domain.RankGain || rt == domain.RankLoss {
		eligible = make([]domain.SnapshotRow, 0, len(rows))
		for _, row := range rows {
			if row.Volume > 0 {
				eligible = append(eligible, row)
			}
		}
	}

	sorted := make([]domain.SnapshotRow, len(eligible))
	copy(sorted, eligible)

	switch rt {
	case domain.RankVolume:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Volume > sorted[j].Volume })
	case domain.RankValue:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradingValue.GreaterThan(sorted[j].TradingValue) })
	case domain.RankGain:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangePercent.GreaterThan(sorted[j].ChangePercent) })
	case domain.RankLoss:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangePercent.LessThan(sorted[j].ChangePercent) })
	case domain.RankMarketCap:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].MarketCap.GreaterThan(sorted[j].MarketCap) })
	}

	if len(sorted) > topN {
		sorted = sorted[:topN]
	}

	ranked := make([]domain.PopularStock, 0, len(sorted))
	for i, row := range sorted {
		closePrice := row.Close
		changePct := row.ChangePercent
		volume := row.Volume
		ranked = append(ranked, domain.PopularStock{
			RankingType:   rt,
			Rank:          i + 1,
			Symbol:        row.Symbol,
			Name:          row.Name,
			Close:         &closePrice,
			ChangePercent: &changePct,
			Volume:        &volume,
			SnapshotDate:  day,
		})
	}
	return ranked
}
