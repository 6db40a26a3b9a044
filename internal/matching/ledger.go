package matching

import (
	"context"
	"errors"
	"time"

	"github.com/maxg56/matcha/internal/cache"
	"github.com/maxg56/matcha/internal/common/logging"
)

// InteractionLedger records like/pass/block events and keeps matches,
// preferences and caches in step with them.
type InteractionLedger struct {
	repo    Repository
	learner *PreferenceLearner
	cache   cache.Cache
	now     func() time.Time
}

func NewInteractionLedger(repo Repository, learner *PreferenceLearner, c cache.Cache) *InteractionLedger {
	if c == nil {
		c = cache.Nop{}
	}
	return &InteractionLedger{repo: repo, learner: learner, cache: c, now: time.Now}
}

// Record stores actorID's latest interaction towards targetID. The
// interaction write, match creation or deactivation and preference update
// commit together. Cached data of both users is invalidated on success.
func (l *InteractionLedger) Record(ctx context.Context, actorID, targetID int64, kind InteractionKind) (*InteractionResult, error) {
	if actorID <= 0 || targetID <= 0 {
		return nil, invalidArgument("user ids must be positive")
	}
	if actorID == targetID {
		return nil, invalidArgument("cannot interact with yourself")
	}
	if !kind.Valid() {
		return nil, invalidArgument("unknown interaction type %q", kind)
	}

	start := time.Now()
	result := &InteractionResult{UserID: actorID, TargetUserID: targetID, InteractionType: kind}
	var deactivated bool

	err := l.repo.RunInTx(ctx, func(tx Repository) error {
		// Reset per attempt so a rolled back run never leaks state.
		result.Match, result.MatchID, result.Created = false, nil, false
		deactivated = false

		if err := tx.LockPair(ctx, actorID, targetID); err != nil {
			return err
		}
		if _, err := tx.GetProfile(ctx, actorID); err != nil {
			return err
		}
		if _, err := tx.GetProfile(ctx, targetID); err != nil {
			return err
		}

		interaction := &Interaction{
			UserID:          actorID,
			TargetUserID:    targetID,
			InteractionType: kind,
			CreatedAt:       l.now(),
		}
		if err := tx.UpsertInteraction(ctx, interaction); err != nil {
			return err
		}

		switch kind {
		case KindLike:
			if err := l.matchIfMutual(ctx, tx, actorID, targetID, result); err != nil {
				return err
			}
		case KindBlock:
			var err error
			if deactivated, err = l.deactivateMatch(ctx, tx, actorID, targetID); err != nil {
				return err
			}
		}

		if kind == KindLike || kind == KindPass {
			if _, err := l.learner.withRepository(tx).Update(ctx, actorID, targetID, kind); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Int64("user_id", actorID).
			Int64("target_user_id", targetID).
			Str("interaction_type", string(kind)).
			Msg("interaction not recorded")
		return nil, err
	}

	l.invalidate(ctx, actorID, targetID)

	RecordInteraction(kind)
	if result.Created {
		RecordMatch()
	}
	if deactivated {
		RecordUnmatch()
	}
	RecordResponseTime("record_interaction", time.Since(start))

	logging.Ctx(ctx).Info().
		Int64("user_id", actorID).
		Int64("target_user_id", targetID).
		Str("interaction_type", string(kind)).
		Bool("match", result.Match).
		Msg("interaction recorded")
	return result, nil
}

// Unlike withdraws actorID's like of targetID and deactivates their match if
// one is active. Passes and blocks cannot be withdrawn, and the learned
// preference keeps the like's contribution.
func (l *InteractionLedger) Unlike(ctx context.Context, actorID, targetID int64) (*UnlikeResult, error) {
	if actorID <= 0 || targetID <= 0 {
		return nil, invalidArgument("user ids must be positive")
	}
	if actorID == targetID {
		return nil, invalidArgument("cannot unlike yourself")
	}

	start := time.Now()
	result := &UnlikeResult{UserID: actorID, TargetUserID: targetID}

	err := l.repo.RunInTx(ctx, func(tx Repository) error {
		result.Unmatched = false

		if err := tx.LockPair(ctx, actorID, targetID); err != nil {
			return err
		}
		in, err := tx.GetInteraction(ctx, actorID, targetID)
		if err != nil {
			return err
		}
		if in.InteractionType != KindLike {
			return notFound("like from user", actorID)
		}
		if err := tx.DeleteInteraction(ctx, actorID, targetID); err != nil {
			return err
		}
		result.Unmatched, err = l.deactivateMatch(ctx, tx, actorID, targetID)
		return err
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Int64("user_id", actorID).
			Int64("target_user_id", targetID).
			Msg("unlike not recorded")
		return nil, err
	}

	l.invalidate(ctx, actorID, targetID)

	if result.Unmatched {
		RecordUnmatch()
	}
	RecordResponseTime("unlike", time.Since(start))

	logging.Ctx(ctx).Info().
		Int64("user_id", actorID).
		Int64("target_user_id", targetID).
		Bool("unmatched", result.Unmatched).
		Msg("like withdrawn")
	return result, nil
}

// matchIfMutual creates or revives the pair's match when the target already
// likes the actor. An existing match is reported, never duplicated.
func (l *InteractionLedger) matchIfMutual(ctx context.Context, tx Repository, actorID, targetID int64, result *InteractionResult) error {
	mirror, err := tx.GetInteraction(ctx, targetID, actorID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if mirror.InteractionType != KindLike {
		return nil
	}

	existing, err := tx.GetMatchByPair(ctx, actorID, targetID)
	switch {
	case err == nil:
		if !existing.IsActive {
			if err := tx.SetMatchActive(ctx, existing.ID, true, nil); err != nil {
				return err
			}
		}
		result.Match, result.MatchID = true, &existing.ID
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	lo, hi := CanonicalPair(actorID, targetID)
	m := &Match{User1ID: lo, User2ID: hi, MatchType: MatchTypeMutualLike}
	err = tx.CreateMatch(ctx, m)
	if errors.Is(err, ErrMatchExists) {
		existing, err := tx.GetMatchByPair(ctx, actorID, targetID)
		if err != nil {
			return err
		}
		result.Match, result.MatchID = true, &existing.ID
		return nil
	}
	if err != nil {
		return err
	}

	result.Match, result.MatchID, result.Created = true, &m.ID, true
	return nil
}

func (l *InteractionLedger) deactivateMatch(ctx context.Context, tx Repository, actorID, targetID int64) (bool, error) {
	m, err := tx.GetMatchByPair(ctx, actorID, targetID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !m.IsActive {
		return false, nil
	}
	if err := tx.SetMatchActive(ctx, m.ID, false, &actorID); err != nil {
		return false, err
	}
	return true, nil
}

// invalidate bumps each user's epoch first so an in-flight computation that
// read the old one never republishes what is deleted here.
func (l *InteractionLedger) invalidate(ctx context.Context, userIDs ...int64) {
	var patterns []string
	for _, id := range userIDs {
		if err := cache.BumpEpoch(ctx, l.cache, id); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int64("user_id", id).Msg("cache epoch bump failed")
		}
		patterns = append(patterns, cache.UserPatterns(id)...)
	}
	if err := l.cache.Invalidate(ctx, patterns...); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Ints64("user_ids", userIDs).Msg("cache invalidation failed")
	}
}
