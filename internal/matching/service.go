package matching

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/singleflight"

	"github.com/maxg56/matcha/internal/cache"
	"github.com/maxg56/matcha/internal/common/logging"
)

// Config tunes the matching engine.
type Config struct {
	LearningRate         float64
	RandomnessFactor     float64
	MaxAgeDifference     int
	DefaultMaxDistanceKm float64
	MaxDistanceKm        float64
	DefaultLimit         int
	MaxLimit             int
	CandidatePoolSize    int
	CacheTTL             time.Duration
	MatchesCacheTTL      time.Duration
	IncludeLocation      bool
	RandomSeed           int64
	// Random overrides the seeded source when set.
	Random RandomSource
}

func DefaultConfig() Config {
	return Config{
		LearningRate:      0.1,
		RandomnessFactor:  0.15,
		MaxAgeDifference:  10,
		MaxDistanceKm:     1000,
		DefaultLimit:      20,
		MaxLimit:          100,
		CandidatePoolSize: 500,
		CacheTTL:          5 * time.Minute,
		MatchesCacheTTL:   2 * time.Minute,
		IncludeLocation:   true,
	}
}

// Compatibility is the symmetric score of a pair of users.
type Compatibility struct {
	UserID       int64    `json:"user_id"`
	TargetUserID int64    `json:"target_user_id"`
	Score        float64  `json:"compatibility_score"`
	DistanceKm   *float64 `json:"distance_km,omitempty"`
}

type pairScore struct {
	Score      float64  `json:"score"`
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

type Service interface {
	FindMatches(ctx context.Context, userID int64, params SelectParams) ([]*ScoredCandidate, error)
	RecordInteraction(ctx context.Context, userID, targetUserID int64, kind InteractionKind) (*InteractionResult, error)
	GetMatches(ctx context.Context, userID int64) ([]*MatchSummary, error)
	Compatibility(ctx context.Context, userID, targetUserID int64) (*Compatibility, error)
	GetPreferences(ctx context.Context, userID int64) (*Preference, error)
	Unlike(ctx context.Context, userID, targetUserID int64) (*UnlikeResult, error)
	GetReceivedLikes(ctx context.Context, userID int64) ([]*ReceivedLike, error)
	CompatibleMatrix(ctx context.Context, userID int64) (*CompatibleMatrix, error)

	// Administration
	ClearCache(ctx context.Context) error
	PerformanceStats(ctx context.Context) (*PerformanceStats, error)
}

type service struct {
	repo     Repository
	cache    cache.Cache
	encoder  *Encoder
	kernel   *Kernel
	learner  *PreferenceLearner
	selector *CandidateSelector
	ledger   *InteractionLedger
	metrics  *MetricsService
	cfg      Config
	started  time.Time
	group    singleflight.Group
}

func NewService(repo Repository, c cache.Cache, cfg Config) Service {
	if c == nil {
		c = cache.Nop{}
	}
	rng := cfg.Random
	if rng == nil {
		rng = NewRandomSource(cfg.RandomSeed)
	}

	encoder := NewEncoder(cfg.IncludeLocation)
	kernel := NewKernel(cfg.RandomnessFactor, rng)
	learner := NewPreferenceLearner(repo, encoder, cfg.LearningRate)
	selector := NewCandidateSelector(repo, learner, encoder, kernel, c, SelectorConfig{
		MaxAgeDifference:     cfg.MaxAgeDifference,
		DefaultLimit:         cfg.DefaultLimit,
		MaxLimit:             cfg.MaxLimit,
		DefaultMaxDistanceKm: cfg.DefaultMaxDistanceKm,
		MaxDistanceKm:        cfg.MaxDistanceKm,
		CandidatePoolSize:    cfg.CandidatePoolSize,
		VectorTTL:            cfg.CacheTTL,
	})

	return &service{
		repo:     repo,
		cache:    c,
		encoder:  encoder,
		kernel:   kernel,
		learner:  learner,
		selector: selector,
		ledger:   NewInteractionLedger(repo, learner, c),
		metrics:  NewMetricsService(repo),
		cfg:      cfg,
		started:  time.Now(),
	}
}

// FindMatches serves ranked candidates, memoized per resolved parameter set.
// Concurrent misses for the same key share one computation; a caller that
// gives up does not cancel it for the others.
func (s *service) FindMatches(ctx context.Context, userID int64, params SelectParams) ([]*ScoredCandidate, error) {
	start := time.Now()
	defer func() { RecordResponseTime("find_matches", time.Since(start)) }()

	resolved, err := s.selector.Resolve(params)
	if err != nil {
		return nil, err
	}

	key := cache.AlgorithmKey(userID, resolved.Fingerprint())
	if cached, ok := readThrough[[]*ScoredCandidate](ctx, s.cache, cache.NamespaceAlgorithm, key); ok {
		return cached, nil
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		// Shared by every waiting caller.
		ctx := context.WithoutCancel(ctx)
		snap := s.snapshot(ctx, userID)
		results, err := s.selector.Select(ctx, userID, resolved)
		if err != nil {
			return nil, err
		}
		s.storeFresh(ctx, snap, key, results, s.cfg.CacheTTL)
		return results, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*ScoredCandidate), nil
	}
}

func (s *service) RecordInteraction(ctx context.Context, userID, targetUserID int64, kind InteractionKind) (*InteractionResult, error) {
	return s.ledger.Record(ctx, userID, targetUserID, kind)
}

// GetMatches lists the user's active matches with partner details.
func (s *service) GetMatches(ctx context.Context, userID int64) ([]*MatchSummary, error) {
	key := cache.MatchesKey(userID)
	if cached, ok := readThrough[[]*MatchSummary](ctx, s.cache, cache.NamespaceMatches, key); ok {
		return cached, nil
	}

	snap := s.snapshot(ctx, userID)
	if _, err := s.repo.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	matches, err := s.repo.ListMatches(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	summaries := make([]*MatchSummary, 0, len(matches))
	for _, m := range matches {
		partner, err := s.repo.GetProfile(ctx, m.Partner(userID))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &MatchSummary{
			MatchID:     m.ID,
			UserID:      partner.ID,
			Username:    partner.Username,
			FirstName:   partner.FirstName,
			Age:         partner.Age,
			CurrentCity: partner.CurrentCity,
			MatchedAt:   m.MatchedAt,
		})
	}

	s.storeFresh(ctx, snap, key, summaries, s.cfg.MatchesCacheTTL)
	return summaries, nil
}

// Compatibility scores the pair in both directions and combines the two with
// a geometric mean, so (a, b) and (b, a) agree and share one cache entry.
func (s *service) Compatibility(ctx context.Context, userID, targetUserID int64) (*Compatibility, error) {
	if userID == targetUserID {
		return nil, invalidArgument("cannot score a user against themselves")
	}

	key := cache.CompatibilityKey(userID, targetUserID)
	ps, ok := readThrough[pairScore](ctx, s.cache, cache.NamespaceCompatibility, key)
	if !ok {
		snap := s.snapshot(ctx, userID, targetUserID)
		var err error
		if ps, err = s.scorePair(ctx, userID, targetUserID); err != nil {
			return nil, err
		}
		s.storeFresh(ctx, snap, key, ps, s.cfg.CacheTTL)
	}

	return &Compatibility{
		UserID:       userID,
		TargetUserID: targetUserID,
		Score:        ps.Score,
		DistanceKm:   ps.DistanceKm,
	}, nil
}

func (s *service) scorePair(ctx context.Context, a, b int64) (pairScore, error) {
	pa, err := s.repo.GetProfile(ctx, a)
	if err != nil {
		return pairScore{}, err
	}
	pb, err := s.repo.GetProfile(ctx, b)
	if err != nil {
		return pairScore{}, err
	}
	prefA, err := s.learner.GetOrCreate(ctx, a)
	if err != nil {
		return pairScore{}, err
	}
	prefB, err := s.learner.GetOrCreate(ctx, b)
	if err != nil {
		return pairScore{}, err
	}

	distance := ProfileDistanceKm(pa, pb)
	ab := s.kernel.Score(ScoreInput{
		Preference:         prefA.Vector,
		Weights:            s.encoder.DimensionWeights(prefA.AttributeWeights),
		Candidate:          s.encoder.Encode(pb),
		DistanceKm:         distance,
		RequesterAge:       pa.Age,
		CandidateAge:       pb.Age,
		CandidateCreatedAt: pb.CreatedAt,
	})
	ba := s.kernel.Score(ScoreInput{
		Preference:         prefB.Vector,
		Weights:            s.encoder.DimensionWeights(prefB.AttributeWeights),
		Candidate:          s.encoder.Encode(pa),
		DistanceKm:         distance,
		RequesterAge:       pb.Age,
		CandidateAge:       pa.Age,
		CandidateCreatedAt: pa.CreatedAt,
	})

	ps := pairScore{Score: round(math.Sqrt(ab*ba), 3)}
	if distance != nil {
		d := round(*distance, 1)
		ps.DistanceKm = &d
	}
	RecordCompatibilityScore(ps.Score)
	return ps, nil
}

func (s *service) GetPreferences(ctx context.Context, userID int64) (*Preference, error) {
	key := cache.PreferenceKey(userID)
	if cached, ok := readThrough[*Preference](ctx, s.cache, cache.NamespacePreference, key); ok && cached != nil {
		return cached, nil
	}

	snap := s.snapshot(ctx, userID)
	pref, err := s.learner.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.storeFresh(ctx, snap, key, pref, s.cfg.CacheTTL)
	return pref, nil
}

func (s *service) Unlike(ctx context.Context, userID, targetUserID int64) (*UnlikeResult, error) {
	return s.ledger.Unlike(ctx, userID, targetUserID)
}

// GetReceivedLikes lists who liked the user, newest first. Likers the user
// has blocked are left out.
func (s *service) GetReceivedLikes(ctx context.Context, userID int64) ([]*ReceivedLike, error) {
	if _, err := s.repo.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	likes, err := s.repo.ListReceivedLikes(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*ReceivedLike, 0, len(likes))
	for _, like := range likes {
		reply, err := s.repo.GetInteraction(ctx, userID, like.UserID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if reply != nil && reply.InteractionType == KindBlock {
			continue
		}

		liker, err := s.repo.GetProfile(ctx, like.UserID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &ReceivedLike{
			InteractionID: like.ID,
			UserID:        liker.ID,
			Username:      liker.Username,
			FirstName:     liker.FirstName,
			Age:           liker.Age,
			Bio:           liker.Bio,
			Fame:          liker.Fame,
			CurrentCity:   liker.CurrentCity,
			LikedAt:       like.CreatedAt,
			IsMutual:      reply != nil && reply.InteractionType == KindLike,
		})
	}
	return out, nil
}

// CompatibleMatrix encodes the user and every orientation-compatible adult
// with a location, newest profiles first, up to the candidate pool size.
func (s *service) CompatibleMatrix(ctx context.Context, userID int64) (*CompatibleMatrix, error) {
	requester, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	blockers, err := s.repo.ListBlockerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	excluded := roaring64.New()
	for _, id := range blockers {
		excluded.Add(uint64(id))
	}

	profiles, err := s.repo.FindCandidates(ctx, &CandidateQuery{
		UserID:  userID,
		Gender:  requester.Gender,
		SexPref: requester.SexPref,
		MinAge:  minAge,
		MaxAge:  maxAge,
		Exclude: excluded,
		Limit:   s.cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, err
	}

	m := &CompatibleMatrix{
		UserID:  userID,
		Vector:  s.selector.vectorFor(ctx, requester),
		UserIDs: make([]int64, 0, len(profiles)),
		Vectors: make([]Vector, 0, len(profiles)),
	}
	for _, p := range profiles {
		m.UserIDs = append(m.UserIDs, p.ID)
		m.Vectors = append(m.Vectors, s.selector.vectorFor(ctx, p))
	}
	return m, nil
}

// ClearCache drops every derived entry. Epochs are left alone.
func (s *service) ClearCache(ctx context.Context) error {
	if err := s.cache.Invalidate(ctx, cache.AllPatterns()...); err != nil {
		return err
	}
	logging.Ctx(ctx).Info().Str("cache", s.cache.Name()).Msg("matching cache cleared")
	return nil
}

func (s *service) PerformanceStats(ctx context.Context) (*PerformanceStats, error) {
	st, err := s.metrics.CollectMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &PerformanceStats{
		Store:         st,
		CacheBackend:  s.cache.Name(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Algorithm:     AlgorithmVectorBased,
		Dimensions:    s.encoder.Dimensions(),
	}, nil
}

// readThrough returns a cached value; any cache failure counts as a miss.
func readThrough[T any](ctx context.Context, c cache.Cache, namespace, key string) (T, bool) {
	v, err := cache.GetJSON[T](ctx, c, key)
	RecordCacheLookup(namespace, lookupResult(err))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache read failed, recomputing")
		}
		return v, false
	}
	return v, true
}

func (s *service) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := cache.SetJSON(ctx, s.cache, key, value, ttl); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// epochSnapshot records the users' cache epochs before a computation starts.
type epochSnapshot struct {
	userIDs []int64
	tokens  []string
	ok      bool
}

func (s *service) snapshot(ctx context.Context, userIDs ...int64) epochSnapshot {
	snap := epochSnapshot{userIDs: userIDs, tokens: make([]string, len(userIDs)), ok: true}
	for i, id := range userIDs {
		token, err := cache.Epoch(ctx, s.cache, id)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int64("user_id", id).Msg("cache epoch read failed, result will not be cached")
			snap.ok = false
			return snap
		}
		snap.tokens[i] = token
	}
	return snap
}

// unchanged reports whether no user in the snapshot was invalidated since.
func (s *service) unchanged(ctx context.Context, snap epochSnapshot) bool {
	if !snap.ok {
		return false
	}
	for i, id := range snap.userIDs {
		token, err := cache.Epoch(ctx, s.cache, id)
		if err != nil || token != snap.tokens[i] {
			return false
		}
	}
	return true
}

// storeFresh caches value only while its inputs are current. An invalidation
// that lands between the write and the second check removes the entry again.
func (s *service) storeFresh(ctx context.Context, snap epochSnapshot, key string, value interface{}, ttl time.Duration) {
	if !s.unchanged(ctx, snap) {
		RecordStaleWriteSkipped()
		return
	}
	s.store(ctx, key, value, ttl)
	if s.unchanged(ctx, snap) {
		return
	}
	RecordStaleWriteSkipped()
	if err := s.cache.Invalidate(ctx, key); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache invalidation failed")
	}
}
