package data

import (
	"MendLane/internal/conf"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBreakerStateRepo builds a repo backed by miniredis. The DB is nil,
// only the Redis coordination paths are exercised here.
func setupBreakerStateRepo(t *testing.T) (*BreakerStateRepo, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, rdb, NewCacheClient(rdb))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewBreakerStateRepo(nil, data, log.DefaultLogger), mr
}

// setupBreakerStateRepoNoRedis builds a repo with no Redis at all.
func setupBreakerStateRepoNoRedis(t *testing.T) *BreakerStateRepo {
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, nil, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewBreakerStateRepo(nil, data, log.DefaultLogger)
}

func TestTryAcquireProbe_WithinBudget(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// First probe fits a budget of 1
	allowed, err := repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Second probe exceeds the budget
	allowed, err = repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTryAcquireProbe_SetsTTLOnFirstIncrement(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	_, err := repo.TryAcquireProbe(ctx, "claude", 3, 30*time.Second)
	require.NoError(t, err)

	key := fmt.Sprintf("breaker:%s:probes", "claude")
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestTryAcquireProbe_CounterExpires(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Exhaust a budget of 1
	allowed, err := repo.TryAcquireProbe(ctx, "claude", 1, 10*time.Second)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = repo.TryAcquireProbe(ctx, "claude", 1, 10*time.Second)
	require.NoError(t, err)
	require.False(t, allowed)

	// Counter key expires, the budget resets
	mr.FastForward(11 * time.Second)

	allowed, err = repo.TryAcquireProbe(ctx, "claude", 1, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTryAcquireProbe_PerServiceCounters(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Exhausting claude's budget leaves ollama untouched
	allowed, err := repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = repo.TryAcquireProbe(ctx, "ollama", 1, 60*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTryAcquireProbe_NoRedis(t *testing.T) {
	repo := setupBreakerStateRepoNoRedis(t)

	ctx := context.Background()

	// Callers fall back to their local probe counter on error
	allowed, err := repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	assert.Error(t, err)
	assert.False(t, allowed)
}

func TestResetProbes(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Exhaust the budget, then reset
	_, err := repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	allowed, err := repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	require.False(t, allowed)

	err = repo.ResetProbes(ctx, "claude")
	require.NoError(t, err)

	// Budget is available again
	allowed, err = repo.TryAcquireProbe(ctx, "claude", 1, 60*time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestResetProbes_NoRedis(t *testing.T) {
	repo := setupBreakerStateRepoNoRedis(t)

	err := repo.ResetProbes(context.Background(), "claude")
	assert.NoError(t, err)
}

func TestMarkOpen_FirstWriterWins(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// First caller sets the marker and owns the notification
	first, err := repo.MarkOpen(ctx, "claude", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, first)

	// Second caller sees the marker already present
	first, err = repo.MarkOpen(ctx, "claude", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, first)

	// Marker carries the cooldown TTL
	key := fmt.Sprintf("breaker:%s:open", "claude")
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 60*time.Second)
}

func TestMarkOpen_MarkerExpiresAfterCooldown(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	first, err := repo.MarkOpen(ctx, "claude", 10*time.Second)
	require.NoError(t, err)
	require.True(t, first)

	mr.FastForward(11 * time.Second)

	// After the cooldown a new open transition is first again
	first, err = repo.MarkOpen(ctx, "claude", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestMarkOpen_NoRedis(t *testing.T) {
	repo := setupBreakerStateRepoNoRedis(t)

	// Local transition stays authoritative without Redis
	first, err := repo.MarkOpen(context.Background(), "claude", 60*time.Second)
	assert.NoError(t, err)
	assert.True(t, first)
}

func TestClearOpen(t *testing.T) {
	repo, mr := setupBreakerStateRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Set up an open marker and a used probe slot
	first, err := repo.MarkOpen(ctx, "claude", 60*time.Second)
	require.NoError(t, err)
	require.True(t, first)
	_, err = repo.TryAcquireProbe(ctx, "claude", 3, 60*time.Second)
	require.NoError(t, err)

	err = repo.ClearOpen(ctx, "claude")
	require.NoError(t, err)

	// Both keys are gone
	assert.False(t, mr.Exists("breaker:claude:open"))
	assert.False(t, mr.Exists("breaker:claude:probes"))

	// A later open transition is first again
	first, err = repo.MarkOpen(ctx, "claude", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestClearOpen_NoRedis(t *testing.T) {
	repo := setupBreakerStateRepoNoRedis(t)

	err := repo.ClearOpen(context.Background(), "claude")
	assert.NoError(t, err)
}
