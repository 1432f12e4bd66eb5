package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fetchqd/internal/common"
	"fetchqd/internal/store"
)

const keyPrefix = "claim:job:"

// claimRepository tracks which worker owns which job. A claim is a plain
// SetNX lock keyed by job id; its TTL bounds how long a crashed worker can
// hold a job hostage.
type claimRepository struct {
	store store.Store
	log   *slog.Logger
}

func NewClaimRepository(s store.Store, log *slog.Logger) *claimRepository {
	return &claimRepository{
		store: s,
		log:   log.With(slog.String("item", "ClaimRepository")),
	}
}

// Acquire takes the claim for jobID on behalf of ownerID. The first caller
// wins; everyone else gets false.
func (r *claimRepository) Acquire(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := r.store.SetNX(ctx, keyPrefix+jobID, []byte(ownerID), ttl)
	if err != nil {
		return false, fmt.Errorf("cannot claim job %s: %w", jobID, err)
	}

	return ok, nil
}

func (r *claimRepository) Release(ctx context.Context, jobID string) error {
	if err := r.store.Delete(ctx, keyPrefix+jobID); err != nil {
		return fmt.Errorf("cannot release claim for job %s: %w", jobID, err)
	}

	return nil
}

// Holder returns the owner id of the claim on jobID, or
// common.ErrKeyNotFoundError when the job is unclaimed.
func (r *claimRepository) Holder(ctx context.Context, jobID string) (string, error) {
	value, err := r.store.Get(ctx, keyPrefix+jobID)
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFoundError) {
			return "", err
		}

		return "", fmt.Errorf("cannot read claim for job %s: %w", jobID, err)
	}

	return string(value), nil
}
