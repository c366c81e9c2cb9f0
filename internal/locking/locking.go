package locking

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/krxusd/marketd/internal/domain"
)

// stripeCount is the number of mutex stripes. Two symbols hashing to the
// same stripe serialize against each other, which is harmless for sync work.
const stripeCount = 256

// Manager serializes per-symbol operations with a fixed table of striped
// mutexes. Acquire is non-blocking: a held stripe reports
// domain.ErrAlreadySyncing instead of waiting.
type Manager struct {
	stripes [stripeCount]sync.Mutex
}

// New creates a new lock manager.
func New() *Manager {
	return &Manager{}
}

// stripeFor maps a symbol to its stripe index. Symbols are uppercased first
// so "005930" and mixed-case suffixed forms land on the same stripe.
func stripeFor(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(symbol)))
	return h.Sum32() % stripeCount
}

// Acquire takes the stripe for symbol without blocking.
// Returns domain.ErrAlreadySyncing when the stripe is already held.
func (m *Manager) Acquire(symbol string) error {
	if !m.stripes[stripeFor(symbol)].TryLock() {
		return fmt.Errorf("lock for %s: %w", symbol, domain.ErrAlreadySyncing)
	}
	return nil
}

// Release frees the stripe for symbol. Must only be called after a
// successful Acquire for the same symbol.
func (m *Manager) Release(symbol string) {
	m.stripes[stripeFor(symbol)].Unlock()
}
