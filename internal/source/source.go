package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/krxusd/marketd/internal/domain"
)

// Adapter is one upstream price provider. Implementations own their
// symbol suffixing; callers always pass bare KRX codes.
type Adapter interface {
	Name() string
	FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error)
	FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error)
	ListMaster(ctx context.Context, market domain.Market) ([]domain.StockMaster, error)
	TopByMarcap(ctx context.Context, n int) ([]string, error)
	TopByVolume(ctx context.Context, n int) ([]string, error)
}

// newBreaker builds the per-adapter circuit breaker: trip after 5
// consecutive failures, probe again after 60 seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.Interval = 0
	st.Timeout = 60 * time.Second
	return gobreaker.NewCircuitBreaker(st)
}

// Composite tries adapters in order; the first success wins. Each adapter
// sits behind its own circuit breaker so a dead provider stops eating
// its timeout on every call.
type Composite struct {
	adapters []Adapter
	breakers map[string]*gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// NewComposite creates a composite over the given adapters, in priority
// order.
func NewComposite(adapters []Adapter, log zerolog.Logger) *Composite {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(adapters))
	for _, a := range adapters {
		breakers[a.Name()] = newBreaker(a.Name())
	}
	return &Composite{
		adapters: adapters,
		breakers: breakers,
		log:      log.With().Str("component", "price_source").Logger(),
	}
}

// execute runs fn through the adapter's breaker.
func (c *Composite) execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	return c.breakers[name].Execute(fn)
}

// FetchRealtime returns the first adapter's quote. All-fail returns a
// SourceExhaustedError carrying every adapter's reason.
func (c *Composite) FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.execute(a.Name(), func() (interface{}, error) {
			return a.FetchRealtime(ctx, symbol)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			c.log.Warn().Err(err).Str("adapter", a.Name()).Str("symbol", symbol).Msg("Realtime fetch failed")
			continue
		}
		return result.(*domain.RealtimeQuote), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "fetch_realtime", Symbol: symbol, Reasons: reasons}
}

// FetchDaily returns the first adapter's bars. All-fail is an empty
// series, not an error: a symbol with no fetchable range completes a sync
// with zero records.
func (c *Composite) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error) {
	for _, a := range c.adapters {
		result, err := c.execute(a.Name(), func() (interface{}, error) {
			return a.FetchDaily(ctx, symbol, start, end)
		})
		if err != nil {
			c.log.Warn().Err(err).Str("adapter", a.Name()).Str("symbol", symbol).Msg("Daily fetch failed")
			continue
		}
		return result.([]domain.DailyBar), nil
	}
	c.log.Warn().Str("symbol", symbol).Msg("Daily fetch exhausted all sources, returning empty series")
	return nil, nil
}

// ListMaster returns the first adapter's issue master for the market.
func (c *Composite) ListMaster(ctx context.Context, market domain.Market) ([]domain.StockMaster, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.execute(a.Name(), func() (interface{}, error) {
			return a.ListMaster(ctx, market)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			continue
		}
		return result.([]domain.StockMaster), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "list_master", Reasons: reasons}
}

// TopByMarcap returns the n largest issues by market cap.
func (c *Composite) TopByMarcap(ctx context.Context, n int) ([]string, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.execute(a.Name(), func() (interface{}, error) {
			return a.TopByMarcap(ctx, n)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			continue
		}
		return result.([]string), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "top_by_marcap", Reasons: reasons}
}

// TopByVolume returns the n most traded issues.
func (c *Composite) TopByVolume(ctx context.Context, n int) ([]string, error) {
	var reasons []domain.AdapterError
	for _, a := range c.adapters {
		result, err := c.execute(a.Name(), func() (interface{}, error) {
			return a.TopByVolume(ctx, n)
		})
		if err != nil {
			reasons = append(reasons, domain.AdapterError{Adapter: a.Name(), Err: err})
			continue
		}
		return result.([]string), nil
	}
	return nil, &domain.SourceExhaustedError{Op: "top_by_volume", Reasons: reasons}
}
