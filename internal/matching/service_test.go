package matching

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxg56/matcha/internal/cache"
)

func newTestService(t *testing.T) (Service, *MemoryRepository, *cache.Memory) {
	t.Helper()
	repo := NewMemoryRepository()
	seedScenario(repo)

	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })

	cfg := DefaultConfig()
	cfg.Random = fixedRandom(0.5)
	return NewService(repo, mem, cfg), repo, mem
}

func TestFindMatchesIsCachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	first, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7}, candidateIDs(first))

	// A newcomer is not visible while the cached answer is fresh.
	repo.AddProfile(newProfile(8, "female", "both", 26, parisLat, parisLng))
	cached, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, candidateIDs(first), candidateIDs(cached))

	// Different parameters use a different cache entry.
	limited, err := svc.FindMatches(ctx, 1, SelectParams{Limit: 10})
	require.NoError(t, err)
	assert.Contains(t, candidateIDs(limited), int64(8))

	// Recording an interaction drops the requester's cached answers.
	_, err = svc.RecordInteraction(ctx, 1, 2, KindPass)
	require.NoError(t, err)
	fresh, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 8}, candidateIDs(fresh))
}

func TestFindMatchesWithoutCache(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedScenario(repo)
	cfg := DefaultConfig()
	cfg.Random = fixedRandom(0.5)
	svc := NewService(repo, nil, cfg)

	got, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7}, candidateIDs(got))

	_, err = svc.FindMatches(ctx, 1, SelectParams{Limit: -3})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCompatibilityIsSymmetric(t *testing.T) {
	ctx := context.Background()
	svc, _, mem := newTestService(t)

	ab, err := svc.Compatibility(ctx, 1, 2)
	require.NoError(t, err)
	ba, err := svc.Compatibility(ctx, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, ab.Score, ba.Score)
	assert.Equal(t, int64(2), ba.UserID)
	assert.Equal(t, int64(1), ba.TargetUserID)
	assert.GreaterOrEqual(t, ab.Score, 0.0)
	assert.LessOrEqual(t, ab.Score, 1.0)
	assert.Equal(t, round(ab.Score, 3), ab.Score)
	require.NotNil(t, ab.DistanceKm)
	assert.Zero(t, *ab.DistanceKm)

	_, err = mem.Get(ctx, cache.CompatibilityKey(2, 1))
	assert.NoError(t, err, "both orders share one cache entry")

	far, err := svc.Compatibility(ctx, 1, 7)
	require.NoError(t, err)
	assert.Less(t, far.Score, ab.Score)
}

func TestCompatibilityErrors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Compatibility(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Compatibility(ctx, 1, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMatches(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	none, err := svc.GetMatches(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.RecordInteraction(ctx, 1, 2, KindLike)
	require.NoError(t, err)
	res, err := svc.RecordInteraction(ctx, 2, 1, KindLike)
	require.NoError(t, err)
	require.True(t, res.Match)

	mine, err := svc.GetMatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(2), mine[0].UserID)
	assert.Equal(t, "user2", mine[0].Username)
	assert.Equal(t, *res.MatchID, mine[0].MatchID)

	theirs, err := svc.GetMatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, int64(1), theirs[0].UserID)

	_, err = svc.RecordInteraction(ctx, 1, 2, KindBlock)
	require.NoError(t, err)
	after, err := svc.GetMatches(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, after)

	_, err = svc.GetMatches(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPreferences(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	pref, err := svc.GetPreferences(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pref.Vector, 20)
	assert.Zero(t, pref.TotalLikes)

	_, err = svc.RecordInteraction(ctx, 1, 2, KindLike)
	require.NoError(t, err)

	pref, err = svc.GetPreferences(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pref.TotalLikes)
	assert.InDelta(t, 1, Norm(pref.Vector), 1e-9)

	_, err = svc.GetPreferences(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

// gatedRepo parks the first FindCandidates call until release is closed.
type gatedRepo struct {
	Repository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRepo(inner Repository) *gatedRepo {
	return &gatedRepo{
		Repository: inner,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedRepo) FindCandidates(ctx context.Context, q *CandidateQuery) ([]*UserProfile, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Repository.FindCandidates(ctx, q)
}

func newGatedService(t *testing.T) (Service, *gatedRepo, *cache.Memory) {
	t.Helper()
	repo := NewMemoryRepository()
	seedScenario(repo)
	gated := newGatedRepo(repo)

	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })

	cfg := DefaultConfig()
	cfg.Random = fixedRandom(0.5)
	return NewService(gated, mem, cfg), gated, mem
}

func defaultMatchesKey(t *testing.T, svc Service, userID int64) string {
	t.Helper()
	resolved, err := svc.(*service).selector.Resolve(SelectParams{})
	require.NoError(t, err)
	return cache.AlgorithmKey(userID, resolved.Fingerprint())
}

type findOutcome struct {
	got []*ScoredCandidate
	err error
}

func TestFindMatchesDropsResultInvalidatedMidFlight(t *testing.T) {
	ctx := context.Background()
	svc, gated, mem := newGatedService(t)

	done := make(chan findOutcome, 1)
	go func() {
		got, err := svc.FindMatches(ctx, 1, SelectParams{})
		done <- findOutcome{got, err}
	}()

	<-gated.entered
	_, err := svc.RecordInteraction(ctx, 1, 2, KindPass)
	require.NoError(t, err)
	close(gated.release)

	stale := <-done
	require.NoError(t, stale.err)
	assert.Equal(t, []int64{2, 7}, candidateIDs(stale.got))

	_, err = mem.Get(ctx, defaultMatchesKey(t, svc, 1))
	assert.ErrorIs(t, err, cache.ErrMiss)

	fresh, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, candidateIDs(fresh))
}

// racingCache bumps a user's epoch right after each algorithm write, standing
// in for an invalidation that lands between the store and its recheck.
type racingCache struct {
	cache.Cache
	userID int64
}

func (r *racingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.Cache.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if strings.HasPrefix(key, cache.NamespaceAlgorithm+":") {
		return cache.BumpEpoch(ctx, r.Cache, r.userID)
	}
	return nil
}

func TestFindMatchesRemovesEntryInvalidatedDuringWrite(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedScenario(repo)
	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })

	cfg := DefaultConfig()
	cfg.Random = fixedRandom(0.5)
	svc := NewService(repo, &racingCache{Cache: mem, userID: 1}, cfg)

	got, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 7}, candidateIDs(got))

	_, err = mem.Get(ctx, defaultMatchesKey(t, svc, 1))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestFindMatchesUnaffectedEntriesStayCached(t *testing.T) {
	ctx := context.Background()
	svc, _, mem := newTestService(t)

	_, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	_, err = mem.Get(ctx, defaultMatchesKey(t, svc, 1))
	require.NoError(t, err)

	// Another pair's interaction leaves user 1 alone.
	_, err = svc.RecordInteraction(ctx, 3, 4, KindLike)
	require.NoError(t, err)
	_, err = mem.Get(ctx, defaultMatchesKey(t, svc, 1))
	assert.NoError(t, err)
}

func TestFindMatchesCancelledCallerDoesNotCancelOthers(t *testing.T) {
	svc, gated, mem := newGatedService(t)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan findOutcome, 1)
	go func() {
		got, err := svc.FindMatches(firstCtx, 1, SelectParams{})
		first <- findOutcome{got, err}
	}()
	<-gated.entered

	second := make(chan findOutcome, 1)
	go func() {
		got, err := svc.FindMatches(context.Background(), 1, SelectParams{})
		second <- findOutcome{got, err}
	}()
	// Give the second caller time to join the shared computation.
	time.Sleep(50 * time.Millisecond)

	cancel()
	res := <-first
	assert.ErrorIs(t, res.err, context.Canceled)

	close(gated.release)
	res = <-second
	require.NoError(t, res.err)
	assert.Equal(t, []int64{2, 7}, candidateIDs(res.got))

	key := defaultMatchesKey(t, svc, 1)
	assert.Eventually(t, func() bool {
		_, err := mem.Get(context.Background(), key)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestGetReceivedLikes(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, liker := range []int64{2, 5, 7} {
		_, err := svc.RecordInteraction(ctx, liker, 1, KindLike)
		require.NoError(t, err)
	}
	_, err := svc.RecordInteraction(ctx, 3, 1, KindPass)
	require.NoError(t, err)
	_, err = svc.RecordInteraction(ctx, 1, 2, KindLike)
	require.NoError(t, err)
	_, err = svc.RecordInteraction(ctx, 1, 7, KindBlock)
	require.NoError(t, err)

	likes, err := svc.GetReceivedLikes(ctx, 1)
	require.NoError(t, err)
	ids := make([]int64, 0, len(likes))
	mutual := map[int64]bool{}
	for _, l := range likes {
		ids = append(ids, l.UserID)
		mutual[l.UserID] = l.IsMutual
	}
	assert.ElementsMatch(t, []int64{2, 5}, ids, "blocked likers and passes are left out")
	assert.True(t, mutual[2])
	assert.False(t, mutual[5])
	assert.Equal(t, "user5", likes[0].Username)

	none, err := svc.GetReceivedLikes(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.GetReceivedLikes(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnlikeRestoresCandidate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.RecordInteraction(ctx, 1, 2, KindLike)
	require.NoError(t, err)
	got, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, candidateIDs(got))

	res, err := svc.Unlike(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Unmatched)

	got, err = svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 7}, candidateIDs(got))
}

func TestCompatibleMatrix(t *testing.T) {
	ctx := context.Background()
	svc, _, mem := newTestService(t)

	m, err := svc.CompatibleMatrix(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.UserID)
	assert.Len(t, m.Vector, 20)
	assert.ElementsMatch(t, []int64{2, 5, 7}, m.UserIDs)
	require.Len(t, m.Vectors, len(m.UserIDs))
	for _, v := range m.Vectors {
		assert.Len(t, v, 20)
	}
	_, err = mem.Get(ctx, cache.VectorKey(5))
	assert.NoError(t, err, "vectors go through the vector cache")

	// Interactions do not hide anyone, blocks against the user do.
	_, err = svc.RecordInteraction(ctx, 1, 2, KindPass)
	require.NoError(t, err)
	_, err = svc.RecordInteraction(ctx, 7, 1, KindBlock)
	require.NoError(t, err)
	m, err = svc.CompatibleMatrix(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 5}, m.UserIDs)

	_, err = svc.CompatibleMatrix(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearCacheAndPerformanceStats(t *testing.T) {
	ctx := context.Background()
	svc, _, mem := newTestService(t)

	_, err := svc.FindMatches(ctx, 1, SelectParams{})
	require.NoError(t, err)
	_, err = svc.Compatibility(ctx, 1, 2)
	require.NoError(t, err)
	_, err = svc.RecordInteraction(ctx, 3, 4, KindLike)
	require.NoError(t, err)
	require.Positive(t, mem.Len())

	require.NoError(t, svc.ClearCache(ctx))
	_, err = mem.Get(ctx, defaultMatchesKey(t, svc, 1))
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = mem.Get(ctx, cache.CompatibilityKey(1, 2))
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = mem.Get(ctx, cache.EpochKey(3))
	assert.NoError(t, err, "epochs survive a clear")

	stats, err := svc.PerformanceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Store.Interactions)
	assert.GreaterOrEqual(t, stats.Store.Preferences, int64(1))
	assert.Zero(t, stats.Store.ActiveMatches)
	assert.Equal(t, "memory", stats.CacheBackend)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(0))
}
