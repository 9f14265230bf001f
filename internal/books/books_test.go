package books

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/controlplane/internal/config"
	"github.com/quantfabric/controlplane/internal/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]config.BookConfig{
		{ID: "hedge", Type: "HEDGE", CapitalAllocated: 500_000, MaxDrawdownLimit: 0.05, RiskTier: 1},
		{ID: "prop", Type: "PROP", CapitalAllocated: 400_000, MaxDrawdownLimit: 0.10, RiskTier: 2},
		{ID: "meme", Type: "MEME", CapitalAllocated: 100_000, MaxDrawdownLimit: 0.25, RiskTier: 3},
	}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	_, err := NewRegistry([]config.BookConfig{{ID: "x", Type: "SPECIAL"}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewRegistryRejectsDuplicateID(t *testing.T) {
	_, err := NewRegistry([]config.BookConfig{
		{ID: "hedge", Type: "HEDGE"},
		{ID: "hedge", Type: "PROP"},
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSharedExposureExcludesMemeBook(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.AddExposure("hedge", 10_000))
	require.NoError(t, r.AddExposure("prop", 20_000))
	require.NoError(t, r.AddExposure("meme", 50_000))

	assert.Equal(t, 30_000.0, r.SharedExposure())
	assert.True(t, r.IsIsolated("meme"))
	assert.False(t, r.IsIsolated("prop"))
	assert.False(t, r.IsIsolated("missing"))
}

func TestAddExposureFloorsAtZero(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.AddExposure("hedge", 5_000))
	require.NoError(t, r.AddExposure("hedge", -10_000))
	b, ok := r.Get("hedge")
	require.True(t, ok)
	assert.Equal(t, 0.0, b.CurrentExposure)
}

func TestSetStatus(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.SetStatus("prop", types.BookReduceOnly))
	b, _ := r.Get("prop")
	assert.Equal(t, types.BookReduceOnly, b.Status)
	assert.Error(t, r.SetStatus("missing", types.BookFrozen))
}
