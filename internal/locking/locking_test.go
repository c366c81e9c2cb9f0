package locking

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krxusd/marketd/internal/domain"
)

func TestAcquireRelease(t *testing.T) {
	m := New()

	require.NoError(t, m.Acquire("005930"))

	err := m.Acquire("005930")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadySyncing))

	m.Release("005930")
	require.NoError(t, m.Acquire("005930"))
	m.Release("005930")
}

func TestAcquireCaseInsensitive(t *testing.T) {
	m := New()

	require.NoError(t, m.Acquire("005930.ks"))
	err := m.Acquire("005930.KS")
	assert.True(t, errors.Is(err, domain.ErrAlreadySyncing))
	m.Release("005930.ks")
}

func TestIndependentSymbols(t *testing.T) {
	m := New()

	require.NoError(t, m.Acquire("005930"))
	require.NoError(t, m.Acquire("000660"))
	m.Release("005930")
	m.Release("000660")
}
