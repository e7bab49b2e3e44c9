package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/credential"
	"github.com/creativepool/sora-relay/internal/services/pool"
	"github.com/creativepool/sora-relay/internal/services/settings"
	"github.com/creativepool/sora-relay/internal/services/stats"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Outcome is the per-request result fed back into the monitor.
type Outcome struct {
	Success    bool
	StatusCode int
	Timeout    bool
}

// Monitor is the circuit breaker of the credential pool. It consumes
// request outcomes, maintains consecutive-error streaks and quota
// counters, and cools down credentials that keep failing. Cooldown is a
// timestamp, not a state machine: once it elapses the credential is
// eligible again, but its error streak survives, so one more failure
// re-bans it immediately.
type Monitor struct {
	creds    *credential.Service
	stats    *stats.Service
	pool     *pool.Pool
	settings *settings.Service

	cooldownBase time.Duration
	cooldownMax  time.Duration
	now          func() time.Time
}

func NewMonitor(creds *credential.Service, statsService *stats.Service, p *pool.Pool, settingsService *settings.Service, cfg models.HealthConfig) *Monitor {
	base := time.Duration(cfg.CooldownMinutes) * time.Minute
	if base <= 0 {
		base = 30 * time.Minute
	}
	max := time.Duration(cfg.MaxCooldownMinutes) * time.Minute
	if max <= 0 {
		max = 24 * time.Hour
	}
	return &Monitor{
		creds:        creds,
		stats:        statsService,
		pool:         p,
		settings:     settingsService,
		cooldownBase: base,
		cooldownMax:  max,
		now:          time.Now,
	}
}

// RecordOutcome applies one request outcome to the credential's health
// state and counters.
func (m *Monitor) RecordOutcome(ctx context.Context, credentialID uint, capability models.Capability, outcome Outcome) error {
	if outcome.Success {
		return m.recordSuccess(ctx, credentialID, capability)
	}
	return m.recordFailure(ctx, credentialID, capability, outcome)
}

func (m *Monitor) recordSuccess(ctx context.Context, credentialID uint, capability models.Capability) error {
	if err := m.stats.RecordSuccess(ctx, credentialID, capability); err != nil {
		return err
	}

	policy := m.settings.Current().CapabilityPolicyFor(capability)
	if policy.QuotaTracked {
		if err := m.creds.DecrementRemaining(ctx, credentialID); err != nil {
			return fmt.Errorf("failed to decrement quota: %w", err)
		}
	}

	return m.refreshPoolEntry(ctx, credentialID)
}

func (m *Monitor) recordFailure(ctx context.Context, credentialID uint, capability models.Capability, outcome Outcome) error {
	consecutive, err := m.stats.RecordFailure(ctx, credentialID)
	if err != nil {
		return err
	}

	// An upstream 401 means the secret itself is dead; no amount of
	// cooling fixes that.
	if outcome.StatusCode == http.StatusUnauthorized {
		if err := m.creds.MarkExpired(ctx, credentialID); err != nil {
			return fmt.Errorf("failed to mark credential expired: %w", err)
		}
		fiberlog.Warnf("Health: credential %d marked expired after upstream 401", credentialID)
		return m.refreshPoolEntry(ctx, credentialID)
	}

	threshold := m.settings.Current().ErrorBanThreshold
	if threshold > 0 && consecutive >= threshold {
		banCount, err := m.stats.RegisterBan(ctx, credentialID)
		if err != nil {
			return err
		}
		until := m.now().Add(m.cooldownFor(banCount))
		if err := m.creds.SetCooldown(ctx, credentialID, &until); err != nil {
			return fmt.Errorf("failed to set cooldown: %w", err)
		}
		fiberlog.Warnf("Health: credential %d cooled down until %s after %d consecutive errors (ban #%d, %s)",
			credentialID, until.Format(time.RFC3339), consecutive, banCount, capability)
	}

	return m.refreshPoolEntry(ctx, credentialID)
}

// cooldownFor doubles the base cooldown with each ban of the same
// credential, capped at the configured maximum.
func (m *Monitor) cooldownFor(banCount int) time.Duration {
	d := m.cooldownBase
	for i := 1; i < banCount; i++ {
		d *= 2
		if d >= m.cooldownMax {
			return m.cooldownMax
		}
	}
	if d > m.cooldownMax {
		return m.cooldownMax
	}
	return d
}

// ClearCooldown is the manual operator override.
func (m *Monitor) ClearCooldown(ctx context.Context, credentialID uint) error {
	if err := m.creds.SetCooldown(ctx, credentialID, nil); err != nil {
		return fmt.Errorf("failed to clear cooldown: %w", err)
	}
	return m.refreshPoolEntry(ctx, credentialID)
}

func (m *Monitor) refreshPoolEntry(ctx context.Context, credentialID uint) error {
	cred, err := m.creds.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	m.pool.Apply(*cred)
	return nil
}
