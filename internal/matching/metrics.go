package matching

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxg56/matcha/internal/cache"
)

const (
	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheError = "error"
)

var (
	interactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_interactions_total",
			Help: "Total number of recorded interactions",
		},
		[]string{"kind"},
	)

	matchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_matches_total",
			Help: "Total number of matches created",
		},
	)

	unmatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_matches_deactivated_total",
			Help: "Total number of matches deactivated by a block",
		},
	)

	compatibilityScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matching_compatibility_scores",
			Help:    "Distribution of compatibility scores before re-ranking",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	responseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "matching_response_time_seconds",
			Help: "Response time of matching operations",
		},
		[]string{"action"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_cache_lookups_total",
			Help: "Cache lookups by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	staleWritesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matching_cache_stale_writes_skipped_total",
			Help: "Cache writes dropped because the user was invalidated mid computation",
		},
	)

	activeMatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matching_active_matches",
			Help: "Number of active matches",
		},
	)

	preferenceRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matching_preference_records",
			Help: "Number of stored preference records",
		},
	)

	interactionRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matching_interaction_records",
			Help: "Number of stored interaction records",
		},
	)
)

// MetricsService refreshes store-wide gauges.
type MetricsService struct {
	repo Repository
}

func NewMetricsService(repo Repository) *MetricsService {
	return &MetricsService{repo: repo}
}

func (m *MetricsService) CollectMetrics(ctx context.Context) (*Stats, error) {
	st, err := m.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	activeMatches.Set(float64(st.ActiveMatches))
	preferenceRecords.Set(float64(st.Preferences))
	interactionRecords.Set(float64(st.Interactions))
	return st, nil
}

func RecordInteraction(kind InteractionKind) {
	interactionsTotal.WithLabelValues(string(kind)).Inc()
}

func RecordMatch() {
	matchesTotal.Inc()
}

func RecordUnmatch() {
	unmatchesTotal.Inc()
}

func RecordCompatibilityScore(score float64) {
	compatibilityScores.Observe(score)
}

func RecordResponseTime(action string, duration time.Duration) {
	responseTime.WithLabelValues(action).Observe(duration.Seconds())
}

func RecordCacheLookup(namespace, result string) {
	cacheLookups.WithLabelValues(namespace, result).Inc()
}

func RecordStaleWriteSkipped() {
	staleWritesSkipped.Inc()
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return cacheHit
	case errors.Is(err, cache.ErrMiss):
		return cacheMiss
	default:
		return cacheError
	}
}
