// Package credpool manages per-task credential leases.
//
// A Manager is constructed at task start and consumed in the task-end
// epilogue; leased credentials are owned exclusively by the leasing
// task and never shared across tasks or processes. The manager
// enforces per-credential cooldown, counts consecutive rate-limit
// strikes, and propagates suspension signals to the admin service.
package credpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/novafoundry/fetcher/internal/adapter/observability"
	"github.com/novafoundry/fetcher/internal/domain"
)

// allCoolingRetry is how long Next sleeps when every leased
// credential is inside its cooldown window.
const allCoolingRetry = 10 * time.Second

// normalReleaseDelay keeps released normal-tier credentials out of
// circulation server-side before another leaser can acquire them.
const normalReleaseDelay = 60

// Manager owns all credential leases taken during one task.
type Manager struct {
	admin    domain.AdminService
	platform domain.Platform
	pools    []*Pool

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Pool is one leased set of credentials of a single class.
type Pool struct {
	mgr   *Manager
	class domain.AccountClass
	creds []*domain.Credential
}

// NewManager constructs a Manager bound to one platform and task.
func NewManager(admin domain.AdminService, platform domain.Platform) *Manager {
	return &Manager{
		admin:    admin,
		platform: platform,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Lease acquires up to n credentials of the requested class from the
// admin service. An exhausted pool returns ErrNoCredentials.
func (m *Manager) Lease(ctx context.Context, class domain.AccountClass, n int) (*Pool, error) {
	creds, err := m.admin.LockAccounts(ctx, m.platform, class, n)
	if err != nil {
		return nil, fmt.Errorf("op=credpool.lease: %w", err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("op=credpool.lease: %w: class=%q", domain.ErrNoCredentials, class)
	}
	p := &Pool{mgr: m, class: class}
	for i := range creds {
		c := creds[i]
		if c.Class == "" {
			c.Class = class
		}
		p.creds = append(p.creds, &c)
	}
	m.pools = append(m.pools, p)
	return p, nil
}

// LeaseMainWithFallback leases main-tier credentials, borrowing from
// the given normal pool when the main pool is exhausted and the
// caller opted in by passing a non-nil fallback.
func (m *Manager) LeaseMainWithFallback(ctx context.Context, n int, fallback *Pool) (*Pool, error) {
	p, err := m.Lease(ctx, domain.ClassMain, n)
	if err == nil {
		return p, nil
	}
	if fallback == nil || len(fallback.creds) == 0 {
		return nil, err
	}
	slog.Info("main credential pool exhausted, borrowing from normal pool",
		slog.String("platform", string(m.platform)),
		slog.Int("borrowed", len(fallback.creds)))
	// Borrowed credentials keep their own class and cooldown; the
	// borrowing pool shares the underlying lease, so release happens
	// exactly once through the original pool.
	return &Pool{mgr: m, class: domain.ClassMain, creds: fallback.creds}, nil
}

// Size returns the number of leased credentials.
func (p *Pool) Size() int { return len(p.creds) }

// Main returns the primary credential (first leased), nil when empty.
func (p *Pool) Main() *domain.Credential {
	if len(p.creds) == 0 {
		return nil
	}
	return p.creds[0]
}

// Next blocks until at least one leased credential is outside its
// cooldown window and returns the least-recently-used eligible one,
// stamping its last-used time. When every credential is cooling the
// pool sleeps 10 s and retries until ctx is done.
func (p *Pool) Next(ctx context.Context) (*domain.Credential, error) {
	if len(p.creds) == 0 {
		return nil, domain.ErrNoCredentials
	}
	for {
		now := p.mgr.now()
		var eligible []*domain.Credential
		for _, c := range p.creds {
			if now.Sub(c.LastUsedAt) >= c.Class.Cooldown() {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) > 0 {
			sort.SliceStable(eligible, func(i, j int) bool {
				return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
			})
			c := eligible[0]
			c.LastUsedAt = p.mgr.now()
			return c, nil
		}
		slog.Debug("all credentials cooling down, waiting",
			slog.String("platform", string(p.mgr.platform)),
			slog.String("class", string(p.class)))
		if err := p.mgr.sleep(ctx, allCoolingRetry); err != nil {
			return nil, err
		}
	}
}

// RecordResult delegates strike accounting to the owning manager.
func (p *Pool) RecordResult(ctx context.Context, cred *domain.Credential, statusCode int) {
	p.mgr.RecordResult(ctx, cred, statusCode)
}

// ReportSuspendedRedirect delegates to the owning manager.
func (p *Pool) ReportSuspendedRedirect(ctx context.Context, cred *domain.Credential) {
	p.mgr.ReportSuspendedRedirect(ctx, cred)
}

// RecordResult updates strike accounting from an upstream status
// code. The third consecutive 429 publishes exactly one suspended
// update and resets the counter; any non-429 resets the counter.
func (m *Manager) RecordResult(ctx context.Context, cred *domain.Credential, statusCode int) {
	if cred == nil {
		return
	}
	if statusCode != 429 {
		cred.Strikes = 0
		return
	}
	cred.Strikes++
	observability.CredentialStrikesTotal.WithLabelValues(string(m.platform)).Inc()
	if cred.Strikes < 3 {
		slog.Warn("credential hit rate limit",
			slog.String("credential", cred.Username),
			slog.Int("strike", cred.Strikes))
		return
	}
	cred.Strikes = 0
	observability.CredentialSuspensionsTotal.WithLabelValues(string(m.platform), domain.AccountSuspended).Inc()
	if err := m.admin.UpdateAccountStatus(ctx, m.platform, cred.ID, cred.Username, domain.AccountSuspended); err != nil {
		slog.Error("failed to publish suspended status",
			slog.String("credential_id", cred.ID),
			slog.Any("error", err))
	}
}

// ReportSuspendedRedirect publishes a disabled update immediately.
// This path has no strike threshold and takes precedence over 429
// accounting when both fire within one call.
func (m *Manager) ReportSuspendedRedirect(ctx context.Context, cred *domain.Credential) {
	if cred == nil {
		return
	}
	observability.CredentialSuspensionsTotal.WithLabelValues(string(m.platform), domain.AccountDisabled).Inc()
	if err := m.admin.UpdateAccountStatus(ctx, m.platform, cred.ID, cred.Username, domain.AccountDisabled); err != nil {
		slog.Error("failed to publish disabled status",
			slog.String("credential_id", cred.ID),
			slog.Any("error", err))
	}
}

// ReleaseAll unlocks every leased pool. Normal-tier leases are
// released with a server-side delay so they cool off before the next
// leaser. Always invoked from the task-end epilogue; errors are
// logged, not returned, because the task outcome is already decided.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, p := range m.pools {
		ids := make([]string, 0, len(p.creds))
		for _, c := range p.creds {
			ids = append(ids, c.ID)
		}
		delay := 0
		if p.class == domain.ClassNormal {
			delay = normalReleaseDelay
		}
		if err := m.admin.UnlockAccounts(ctx, m.platform, ids, delay); err != nil {
			slog.Error("failed to release credentials",
				slog.String("platform", string(m.platform)),
				slog.String("class", string(p.class)),
				slog.Int("count", len(ids)),
				slog.Any("error", err))
			continue
		}
		slog.Info("released credentials",
			slog.String("platform", string(m.platform)),
			slog.String("class", string(p.class)),
			slog.Int("count", len(ids)))
	}
	m.pools = nil
}
