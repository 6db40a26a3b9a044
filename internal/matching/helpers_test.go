package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/maxg56/matcha/internal/cache"
)

// Coordinates used across tests.
const (
	parisLat, parisLng   = 48.8566, 2.3522
	londonLat, londonLng = 51.5074, -0.1278
)

// fixedRandom always returns the same draw; 0.5 means no perturbation.
type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func int64Ptr(v int64) *int64 { return &v }

func newProfile(id int64, gender, sexPref string, age int, lat, lng float64) UserProfile {
	return UserProfile{
		ID:        id,
		Username:  fmt.Sprintf("user%d", id),
		FirstName: fmt.Sprintf("First%d", id),
		Age:       intPtr(age),
		Gender:    gender,
		SexPref:   sexPref,
		Latitude:  floatPtr(lat),
		Longitude: floatPtr(lng),
	}
}

type engine struct {
	repo     *MemoryRepository
	cache    cache.Cache
	encoder  *Encoder
	kernel   *Kernel
	learner  *PreferenceLearner
	selector *CandidateSelector
	ledger   *InteractionLedger
}

func testSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MaxAgeDifference:  10,
		DefaultLimit:      20,
		MaxLimit:          100,
		MaxDistanceKm:     1000,
		CandidatePoolSize: 500,
		VectorTTL:         time.Minute,
	}
}

func newEngine(t *testing.T, repo *MemoryRepository) *engine {
	t.Helper()
	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })

	encoder := NewEncoder(true)
	kernel := NewKernel(0.1, fixedRandom(0.5))
	learner := NewPreferenceLearner(repo, encoder, 0.1)
	return &engine{
		repo:     repo,
		cache:    mem,
		encoder:  encoder,
		kernel:   kernel,
		learner:  learner,
		selector: NewCandidateSelector(repo, learner, encoder, kernel, mem, testSelectorConfig()),
		ledger:   NewInteractionLedger(repo, learner, mem),
	}
}

// seedScenario stores a male requester (1) looking for women and a mixed pool:
//
//	2: female, likes men, 24, Paris        -> eligible
//	3: female, likes women, 26, Paris      -> orientation mismatch
//	4: male, likes women, 25, Paris        -> wrong gender
//	5: female, likes both, 40, Paris       -> outside default age range
//	6: female, likes men, 27, no location  -> never returned
//	7: female, likes men, 30, London       -> eligible, far away
func seedScenario(repo *MemoryRepository) {
	repo.AddProfile(newProfile(1, "male", "female", 25, parisLat, parisLng))
	repo.AddProfile(newProfile(2, "female", "male", 24, parisLat, parisLng))
	repo.AddProfile(newProfile(3, "female", "female", 26, parisLat, parisLng))
	repo.AddProfile(newProfile(4, "male", "female", 25, parisLat, parisLng))
	repo.AddProfile(newProfile(5, "female", "both", 40, parisLat, parisLng))

	noLocation := newProfile(6, "female", "male", 27, 0, 0)
	noLocation.Latitude, noLocation.Longitude = nil, nil
	repo.AddProfile(noLocation)

	repo.AddProfile(newProfile(7, "female", "male", 30, londonLat, londonLng))
}

func candidateIDs(cands []*ScoredCandidate) []int64 {
	ids := make([]int64, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	return ids
}
