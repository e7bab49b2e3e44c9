package admission

import (
	"context"
	"sync"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/pool"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Scheduler hands out credentials for generation requests. It walks the
// pool's eligibility ordering and claims the first credential whose slot
// reservation succeeds, so a concurrent burst spreads over the pool
// instead of piling on one entry.
type Scheduler struct {
	pool  *pool.Pool
	creds *credential.Service
}

// Acquisition is one claimed slot. Release is idempotent; the caller
// must release exactly once when the request finishes, and a deferred
// second call is harmless.
type Acquisition struct {
	Credential models.Credential

	capability models.Capability
	pool       *pool.Pool
	once       sync.Once
}

func (a *Acquisition) Release() {
	a.once.Do(func() {
		a.pool.ReleaseSlot(a.Credential.ID, a.capability)
	})
}

func NewScheduler(p *pool.Pool, creds *credential.Service) *Scheduler {
	return &Scheduler{pool: p, creds: creds}
}

// Acquire selects a credential for the capability and tier, reserves a
// concurrency slot on it and records the use. Returns
// ErrNoAvailableCredential when no eligible credential has a free slot.
func (s *Scheduler) Acquire(ctx context.Context, capability models.Capability, tier models.Tier) (*Acquisition, error) {
	candidates := s.pool.ListEligible(capability, tier)
	if len(candidates) == 0 {
		return nil, models.ErrNoAvailableCredential
	}

	for _, cand := range candidates {
		// Another request may have taken the last slot since listing;
		// reservation re-checks the limit and moves on when it loses.
		if !s.pool.ReserveSlot(cand.Credential.ID, capability) {
			continue
		}

		if err := s.creds.Touch(ctx, cand.Credential.ID); err != nil {
			fiberlog.Errorf("Admission: failed to record use of credential %d: %v", cand.Credential.ID, err)
		}

		fiberlog.Debugf("Admission: credential %d acquired for %s (in-flight %d/%d)",
			cand.Credential.ID, capability, cand.InFlight+1, cand.Limit)

		return &Acquisition{
			Credential: cand.Credential,
			capability: capability,
			pool:       s.pool,
		}, nil
	}

	return nil, models.ErrNoAvailableCredential
}
