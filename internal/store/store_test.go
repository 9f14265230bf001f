package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	DailyPnL   float64 `json:"daily_pnl"`
	KillSwitch bool    `json:"kill_switch"`
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var got snapshot
	found, err := s.Load(ctx, "risk", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "risk", snapshot{DailyPnL: -1234.5, KillSwitch: true}))

	found, err = s.Load(ctx, "risk", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, -1234.5, got.DailyPnL)
	assert.True(t, got.KillSwitch)

	require.NoError(t, s.Delete(ctx, "risk"))
	found, err = s.Load(ctx, "risk", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedis(ctx, RedisOptions{Addr: mr.Addr(), TTL: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "risk", snapshot{DailyPnL: -99.0}))

	var got snapshot
	found, err := s.Load(ctx, "risk", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, -99.0, got.DailyPnL)

	// TTL expiry behaves like a missing snapshot.
	mr.FastForward(2 * time.Hour)
	found, err = s.Load(ctx, "risk", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStoreConnectFailure(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, err)
}
