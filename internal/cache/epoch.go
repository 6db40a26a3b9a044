package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Epochs version a user's derived data. Invalidators bump the epoch before
// deleting keys; a writer that read the epoch before computing compares it
// again after storing and drops its entry when it moved.

const (
	NamespaceEpoch = "epoch"

	epochTTL = 24 * time.Hour
)

func EpochKey(userID int64) string {
	return fmt.Sprintf("%s:%d", NamespaceEpoch, userID)
}

// Epoch returns the user's current token, "" when none is set.
func Epoch(ctx context.Context, c Cache, userID int64) (string, error) {
	raw, err := c.Get(ctx, EpochKey(userID))
	if errors.Is(err, ErrMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// BumpEpoch gives the user a fresh token.
func BumpEpoch(ctx context.Context, c Cache, userID int64) error {
	return c.Set(ctx, EpochKey(userID), []byte(uuid.NewString()), epochTTL)
}
