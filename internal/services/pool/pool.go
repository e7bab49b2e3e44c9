package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/credential"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

type slotKey struct {
	credentialID uint
	capability   models.Capability
}

// Pool is the in-memory eligibility view over the credential store plus
// the live per-credential, per-capability in-flight counters. Slot
// reservation is the single synchronization point that keeps in-flight
// counts within each credential's configured limit.
type Pool struct {
	store *credential.Service

	mu       sync.Mutex
	creds    map[uint]models.Credential
	inflight map[slotKey]int
}

// Candidate is one eligible credential together with its live
// concurrency state at selection time.
type Candidate struct {
	Credential models.Credential
	InFlight   int
	Limit      int
}

func New(store *credential.Service) *Pool {
	return &Pool{
		store:    store,
		creds:    make(map[uint]models.Credential),
		inflight: make(map[slotKey]int),
	}
}

// Resync replaces the in-memory credential view from the store. Called
// at startup and after every admin mutation. In-flight counters are
// preserved: a resync must not leak or forge slots.
func (p *Pool) Resync(ctx context.Context) error {
	creds, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to resync credential pool: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.creds = make(map[uint]models.Credential, len(creds))
	for _, c := range creds {
		p.creds[c.ID] = c
	}
	return nil
}

// Apply updates a single credential's view entry, used by the health
// monitor after cooldown/quota/expiry writes so eligibility reflects
// them without a full resync.
func (p *Pool) Apply(cred models.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[cred.ID] = cred
}

// Remove drops a deleted credential from the view.
func (p *Pool) Remove(credentialID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.creds, credentialID)
}

// ListEligible returns the credentials able to serve the given
// capability and tier right now, ordered by the selection policy:
// lowest in-flight ratio first, ties broken by oldest last-used so idle
// credentials are not starved. Credentials already at their limit are
// filtered here, but reservation re-checks under the same lock.
func (p *Pool) ListEligible(capability models.Capability, tier models.Tier) []Candidate {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]Candidate, 0, len(p.creds))
	for _, c := range p.creds {
		if !c.Eligible(capability, tier, now) {
			continue
		}
		limit := c.ConcurrencyLimit(capability)
		used := p.inflight[slotKey{c.ID, capability}]
		if limit >= 0 && used >= limit {
			continue
		}
		candidates = append(candidates, Candidate{Credential: c, InFlight: used, Limit: limit})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := loadRatio(candidates[i]), loadRatio(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return olderLastUse(candidates[i].Credential, candidates[j].Credential)
	})

	return candidates
}

// loadRatio orders candidates by in-flight pressure. Unlimited
// credentials compare by a nominal large denominator so that among them
// the least busy still wins.
func loadRatio(c Candidate) float64 {
	if c.Limit <= 0 {
		return float64(c.InFlight) / 1e6
	}
	return float64(c.InFlight) / float64(c.Limit)
}

func olderLastUse(a, b models.Credential) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// ReserveSlot atomically claims one in-flight slot, failing when the
// credential is unknown or already at its limit. The check and the
// increment form one critical section; this is what keeps the bound.
func (p *Pool) ReserveSlot(credentialID uint, capability models.Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[credentialID]
	if !ok {
		return false
	}

	key := slotKey{credentialID, capability}
	limit := cred.ConcurrencyLimit(capability)
	if limit >= 0 && p.inflight[key] >= limit {
		return false
	}
	p.inflight[key]++
	return true
}

// ReleaseSlot returns a slot. The counter clamps at zero; a release
// without a matching reserve is a caller bug and is logged loudly
// rather than ignored.
func (p *Pool) ReleaseSlot(credentialID uint, capability models.Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := slotKey{credentialID, capability}
	if p.inflight[key] <= 0 {
		fiberlog.Errorf("Pool: double release for credential %d capability %s", credentialID, capability)
		return
	}
	p.inflight[key]--
	if p.inflight[key] == 0 {
		delete(p.inflight, key)
	}
}

// InFlight reports the live slot count for one credential/capability.
func (p *Pool) InFlight(credentialID uint, capability models.Capability) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[slotKey{credentialID, capability}]
}
