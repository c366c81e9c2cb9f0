package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/krxusd/marketd/internal/domain"
)

// FxAdapter is one USD/KRW rate provider.
type FxAdapter interface {
	Name() string
	FetchRate(ctx context.Context) (*domain.FxRate, error)
	FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error)
}

// FxComposite tries FX adapters in order; the first success wins.
// The conventional ordering is yahoo (tick-fresh) before eximbank
// (official daily table).
type FxComposite struct {
	adapters []FxAdapter
	breakers map[string]*gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// NewFxComposite creates a composite over the given FX adapters.
func NewFxComposite(adapters []FxAdapter, log zerolog.Logger) *FxComposite {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(adapters))
	for _, a := range adapters {
		breakers[a.Name()] = newBreaker("fx_" + a.Name())
	}
	return &FxComposite{
		adapters: adapters,
		breakers: breakers,
		log:      log.With().Str("component", "fx_source").Logger(),
	}
}

// FetchRate returns the first adapter's current USD/KRW rate.
func (c *FxComposite) FetchRate(ctx context.Context) (*domain.FxRate, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.breakers[a.Name()].Execute(func() (interface{}, error) {
			return a.FetchRate(ctx)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			c.log.Warn().Err(err).Str("adapter", a.Name()).Msg("FX rate fetch failed")
			continue
		}
		return result.(*domain.FxRate), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "fetch_fx_rate", Reasons: reasons}
}

// FetchHistorical returns the first adapter's daily rate series for
// [start, end]. Adapters without a historical view report ErrNotSupported
// and are skipped.
func (c *FxComposite) FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.breakers[a.Name()].Execute(func() (interface{}, error) {
			return a.FetchHistorical(ctx, start, end)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			continue
		}
		return result.([]domain.FxRate), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "fetch_fx_historical", Reasons: reasons}
}
