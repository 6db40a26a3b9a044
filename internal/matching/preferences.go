package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxg56/matcha/internal/common/logging"
)

// UpdateVector applies one feedback step. A like moves current towards
// target, a pass moves it away; the result is renormalized. Other kinds
// return current unchanged.
func UpdateVector(current, target Vector, kind InteractionKind, learningRate float64) Vector {
	if kind != KindLike && kind != KindPass {
		return current.Clone()
	}

	next := current.Clone()
	n := min(len(next), len(target))
	for i := 0; i < n; i++ {
		delta := target[i] - next[i]
		if kind == KindPass {
			delta = -delta
		}
		next[i] += learningRate * delta
	}
	return Normalize(next)
}

// PreferenceLearner owns every user's preference record.
type PreferenceLearner struct {
	repo         Repository
	encoder      *Encoder
	learningRate float64
	now          func() time.Time
}

func NewPreferenceLearner(repo Repository, encoder *Encoder, learningRate float64) *PreferenceLearner {
	return &PreferenceLearner{
		repo:         repo,
		encoder:      encoder,
		learningRate: learningRate,
		now:          time.Now,
	}
}

// withRepository binds the learner to a transactional repository.
func (l *PreferenceLearner) withRepository(repo Repository) *PreferenceLearner {
	c := *l
	c.repo = repo
	return &c
}

// GetOrCreate returns the user's preference record, seeding it from the
// user's own feature vector on first access. A stored vector whose length
// no longer matches the encoder is reseeded.
func (l *PreferenceLearner) GetOrCreate(ctx context.Context, userID int64) (*Preference, error) {
	pref, err := l.repo.GetPreference(ctx, userID)
	switch {
	case err == nil:
		if len(pref.Vector) == l.encoder.Dimensions() {
			return pref, nil
		}
		return l.reseed(ctx, pref)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	profile, err := l.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	pref = &Preference{
		UserID:           userID,
		Vector:           l.encoder.Encode(profile),
		AttributeWeights: DefaultAttributeWeights(),
	}
	created, err := l.repo.CreatePreference(ctx, pref)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a creation race; the stored record wins.
		return l.repo.GetPreference(ctx, userID)
	}

	logging.Ctx(ctx).Debug().Int64("user_id", userID).Msg("preference vector seeded")
	return pref, nil
}

func (l *PreferenceLearner) reseed(ctx context.Context, pref *Preference) (*Preference, error) {
	profile, err := l.repo.GetProfile(ctx, pref.UserID)
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Warn().
		Int64("user_id", pref.UserID).
		Int("stored_dimensions", len(pref.Vector)).
		Int("dimensions", l.encoder.Dimensions()).
		Msg("preference vector layout changed, reseeding")

	pref.Vector = l.encoder.Encode(profile)
	pref.UpdatedAt = l.now()
	if err := l.repo.UpdatePreference(ctx, pref); err != nil {
		return nil, err
	}
	return pref, nil
}

// Update feeds one interaction into the user's preference vector and
// persists it. Kinds other than like and pass leave the record untouched.
func (l *PreferenceLearner) Update(ctx context.Context, userID, targetID int64, kind InteractionKind) (*Preference, error) {
	pref, err := l.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if kind != KindLike && kind != KindPass {
		return pref, nil
	}

	target, err := l.repo.GetProfile(ctx, targetID)
	if err != nil {
		return nil, err
	}

	pref.Vector = UpdateVector(pref.Vector, l.encoder.Encode(target), kind, l.learningRate)
	if kind == KindLike {
		pref.TotalLikes++
	} else {
		pref.TotalPasses++
	}
	pref.UpdatedAt = l.now()

	if err := l.repo.UpdatePreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("persist preference: %w", err)
	}
	return pref, nil
}
