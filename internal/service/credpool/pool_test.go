package credpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novafoundry/fetcher/internal/domain"
)

// fakeAdmin records lock/unlock/status calls.
type fakeAdmin struct {
	mu       sync.Mutex
	accounts map[domain.AccountClass][]domain.Credential
	unlocks  []unlockCall
	statuses []statusCall
}

type unlockCall struct {
	ids   []string
	delay int
}

type statusCall struct {
	id     string
	status string
}

func (f *fakeAdmin) LockAccounts(_ domain.Context, _ domain.Platform, class domain.AccountClass, count int) ([]domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds := f.accounts[class]
	if len(creds) > count {
		creds = creds[:count]
	}
	return creds, nil
}

func (f *fakeAdmin) UnlockAccounts(_ domain.Context, _ domain.Platform, ids []string, delaySeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, unlockCall{ids: ids, delay: delaySeconds})
	return nil
}

func (f *fakeAdmin) UpdateAccountStatus(_ domain.Context, _ domain.Platform, id, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{id: id, status: status})
	return nil
}

func creds(class domain.AccountClass, ids ...string) []domain.Credential {
	out := make([]domain.Credential, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Credential{ID: id, Username: "user-" + id, Class: class})
	}
	return out
}

func newTestManager(admin *fakeAdmin) (*Manager, *time.Time) {
	m := NewManager(admin, domain.PlatformTwitter)
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	m.sleep = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return m, &now
}

func TestLease_EmptyPoolFails(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{}}
	m, _ := newTestManager(admin)
	_, err := m.Lease(context.Background(), domain.ClassMain, 1)
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
}

func TestLeaseMainWithFallback_BorrowsFromNormal(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassNormal: creds(domain.ClassNormal, "n1", "n2"),
	}}
	m, _ := newTestManager(admin)

	normal, err := m.Lease(context.Background(), domain.ClassNormal, 2)
	require.NoError(t, err)

	main, err := m.LeaseMainWithFallback(context.Background(), 1, normal)
	require.NoError(t, err)
	assert.Equal(t, 2, main.Size())
	// Borrowed credentials keep their normal-class cooldown.
	assert.Equal(t, domain.ClassNormal, main.Main().Class)
}

func TestNext_RoundRobinByLastUsed(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassMain: creds(domain.ClassMain, "a", "b"),
	}}
	m, now := newTestManager(admin)
	pool, err := m.Lease(context.Background(), domain.ClassMain, 2)
	require.NoError(t, err)

	c1, err := pool.Next(context.Background())
	require.NoError(t, err)
	*now = now.Add(time.Second)
	c2, err := pool.Next(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)

	// Once both are past their 5s cooldown, Next hands back the least
	// recently used first.
	*now = now.Add(6 * time.Second)
	c3, err := pool.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c3.ID)
}

func TestNext_SleepsWhileAllCooling(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassMain: creds(domain.ClassMain, "only"),
	}}
	m, _ := newTestManager(admin)
	slept := 0
	baseSleep := m.sleep
	m.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		assert.Equal(t, 10*time.Second, d)
		return baseSleep(ctx, d)
	}
	pool, err := m.Lease(context.Background(), domain.ClassMain, 1)
	require.NoError(t, err)

	_, err = pool.Next(context.Background())
	require.NoError(t, err)
	// Immediately cooling: the second call must sleep at least once.
	_, err = pool.Next(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, slept, 1)
}

func TestRecordResult_ThreeStrikesPublishesOneSuspension(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassNormal: creds(domain.ClassNormal, "s1"),
	}}
	m, _ := newTestManager(admin)
	pool, err := m.Lease(context.Background(), domain.ClassNormal, 1)
	require.NoError(t, err)
	cred := pool.Main()

	ctx := context.Background()
	m.RecordResult(ctx, cred, 429)
	m.RecordResult(ctx, cred, 429)
	assert.Empty(t, admin.statuses)
	m.RecordResult(ctx, cred, 429)
	require.Len(t, admin.statuses, 1)
	assert.Equal(t, statusCall{id: "s1", status: domain.AccountSuspended}, admin.statuses[0])
	// The counter reset: three more strikes are needed for another update.
	m.RecordResult(ctx, cred, 429)
	m.RecordResult(ctx, cred, 429)
	assert.Len(t, admin.statuses, 1)
}

func TestRecordResult_NonRateLimitResetsCounter(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassNormal: creds(domain.ClassNormal, "s1"),
	}}
	m, _ := newTestManager(admin)
	pool, err := m.Lease(context.Background(), domain.ClassNormal, 1)
	require.NoError(t, err)
	cred := pool.Main()

	ctx := context.Background()
	m.RecordResult(ctx, cred, 429)
	m.RecordResult(ctx, cred, 429)
	m.RecordResult(ctx, cred, 200) // reset
	m.RecordResult(ctx, cred, 429)
	m.RecordResult(ctx, cred, 429)
	assert.Empty(t, admin.statuses)
	m.RecordResult(ctx, cred, 429)
	assert.Len(t, admin.statuses, 1)
}

func TestReportSuspendedRedirect_PublishesDisabledImmediately(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassMain: creds(domain.ClassMain, "d1"),
	}}
	m, _ := newTestManager(admin)
	pool, err := m.Lease(context.Background(), domain.ClassMain, 1)
	require.NoError(t, err)

	m.ReportSuspendedRedirect(context.Background(), pool.Main())
	require.Len(t, admin.statuses, 1)
	assert.Equal(t, statusCall{id: "d1", status: domain.AccountDisabled}, admin.statuses[0])
}

func TestReleaseAll_NormalPoolReleasedWithDelay(t *testing.T) {
	admin := &fakeAdmin{accounts: map[domain.AccountClass][]domain.Credential{
		domain.ClassMain:   creds(domain.ClassMain, "m1"),
		domain.ClassNormal: creds(domain.ClassNormal, "n1", "n2"),
	}}
	m, _ := newTestManager(admin)
	_, err := m.Lease(context.Background(), domain.ClassMain, 1)
	require.NoError(t, err)
	_, err = m.Lease(context.Background(), domain.ClassNormal, 2)
	require.NoError(t, err)

	m.ReleaseAll(context.Background())
	require.Len(t, admin.unlocks, 2)
	assert.Equal(t, unlockCall{ids: []string{"m1"}, delay: 0}, admin.unlocks[0])
	assert.Equal(t, unlockCall{ids: []string{"n1", "n2"}, delay: 60}, admin.unlocks[1])

	// Idempotent: a second release has nothing left to unlock.
	m.ReleaseAll(context.Background())
	assert.Len(t, admin.unlocks, 2)
}
