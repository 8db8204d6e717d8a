package instagram_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/fetcher/instagram"
	"github.com/novafoundry/fetcher/internal/service/credpool"
)

type noopLimiter struct{}

func (noopLimiter) Acquire(_ context.Context, _ string) error { return nil }

type fakeAdmin struct{ statuses []string }

func (f *fakeAdmin) LockAccounts(_ domain.Context, _ domain.Platform, class domain.AccountClass, count int) ([]domain.Credential, error) {
	creds := make([]domain.Credential, 0, count)
	for i := 0; i < count; i++ {
		creds = append(creds, domain.Credential{
			ID:      fmt.Sprintf("ig-%d", i),
			Class:   class,
			Headers: map[string]string{"x-csrftoken": "tok", "cookie": "sessionid=1"},
		})
	}
	return creds, nil
}

func (f *fakeAdmin) UnlockAccounts(_ domain.Context, _ domain.Platform, _ []string, _ int) error {
	return nil
}

func (f *fakeAdmin) UpdateAccountStatus(_ domain.Context, _ domain.Platform, _, _, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

func newFetcher(t *testing.T, srv *httptest.Server) *instagram.Fetcher {
	t.Helper()
	client, err := fetcher.NewClient("", fetcher.WithSleepFunc(instantSleep))
	require.NoError(t, err)
	cfg := config.InstagramConfig{Endpoints: map[string]config.DocEndpoint{
		"user_by_uid":   {URL: srv.URL + "/graphql/query", DocID: "111"},
		"similar_users": {URL: srv.URL + "/graphql/chaining", DocID: "222"},
		"user_reels":    {URL: srv.URL + "/graphql/reels", DocID: "333"},
		"top_serp":      {URL: srv.URL + "/api/v1/fbsearch/web/top_serp/"},
	}}
	return instagram.New(cfg, client, noopLimiter{}).
		WithHost(srv.URL).
		WithSuspendedPrefix(srv.URL + "/accounts/suspended")
}

func leasePool(t *testing.T) (*credpool.Pool, *fakeAdmin) {
	t.Helper()
	admin := &fakeAdmin{}
	mgr := credpool.NewManager(admin, domain.PlatformInstagram)
	pool, err := mgr.Lease(context.Background(), domain.ClassAny, 1)
	require.NoError(t, err)
	return pool, admin
}

const profileBody = `{"data":{"user":{"username":"nat","full_name":"Nat Geo","is_verified":true,"follower_count":1000,"following_count":10,"media_count":500,"biography":"stories. press@natgeo.com"}}}`

func TestResolveUserID_FromEmbeddedJSON(t *testing.T) {
	page := `<html><script type="application/json"  data-content-len="64" data-sjs>{"require":[{"x":{"profile_id":"17841400039600"}}]}</script></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	uid, err := newFetcher(t, srv).ResolveUserID(context.Background(), "natgeo")
	require.NoError(t, err)
	assert.Equal(t, "17841400039600", uid)
}

func TestResolveUserID_RegexFallbacks(t *testing.T) {
	t.Run("profilePage marker", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>"profilePage_12345"</html>`))
		}))
		defer srv.Close()
		uid, err := newFetcher(t, srv).ResolveUserID(context.Background(), "someone")
		require.NoError(t, err)
		assert.Equal(t, "12345", uid)
	})

	t.Run("bare id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>{"id":"6789"}</html>`))
		}))
		defer srv.Close()
		uid, err := newFetcher(t, srv).ResolveUserID(context.Background(), "someone")
		require.NoError(t, err)
		assert.Equal(t, "6789", uid)
	})

	t.Run("missing user", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>Page Not Found</html>`))
		}))
		defer srv.Close()
		_, err := newFetcher(t, srv).ResolveUserID(context.Background(), "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestFetchUserProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "111", r.PostFormValue("doc_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(profileBody))
	}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := leasePool(t)

	u, err := f.FetchUserProfile(context.Background(), pool, pool.Main(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", u.UID)
	assert.Equal(t, "nat", u.Username)
	assert.Equal(t, "https://www.instagram.com/nat", u.URL)
	assert.Equal(t, "press@natgeo.com", u.EmailInBio)
	assert.Equal(t, 1000, u.FollowersCount)
	assert.Equal(t, 500, u.PostCount)
}

func TestSuspendedRedirect_PublishesDisabledAndReturns403(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql/query", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/accounts/suspended/", http.StatusFound)
	})
	mux.HandleFunc("/accounts/suspended/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>suspended</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, admin := leasePool(t)

	_, err := f.FetchUserProfile(context.Background(), pool, pool.Main(), "42")
	require.Error(t, err)
	assert.Equal(t, 403, domain.UpstreamCode(err))
	assert.ErrorIs(t, err, domain.ErrAccountSuspended)
	assert.Contains(t, err.Error(), "账号被挂起")
	// Exactly one immediate disabled update, no strike threshold.
	require.Len(t, admin.statuses, 1)
	assert.Equal(t, domain.AccountDisabled, admin.statuses[0])
}

func TestFetchUserReels_MarksPinnedAndPaginates(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		page++
		w.Header().Set("Content-Type", "application/json")
		if page == 1 {
			_, _ = w.Write([]byte(`{"data":{"xdt_api__v1__clips__user__connection_v2":{
				"edges":[
					{"node":{"media":{"id":"r1","code":"AAA","like_count":5,"comment_count":1,"play_count":100,"clips_tab_pinned_user_ids":[42]}}},
					{"node":{"media":{"id":"r2","code":"BBB","play_count":50}}}
				],
				"page_info":{"end_cursor":"c2","has_next_page":true}}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"xdt_api__v1__clips__user__connection_v2":{
			"edges":[{"node":{"media":{"id":"r3","code":"CCC","play_count":25}}}],
			"page_info":{"end_cursor":"","has_next_page":false}}}}`))
	}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := leasePool(t)

	reels, err := f.FetchUserReels(context.Background(), pool, pool.Main(), "42", 15)
	require.NoError(t, err)
	require.Len(t, reels, 3)
	assert.True(t, reels[0].IsPinned)
	assert.False(t, reels[1].IsPinned)
	assert.Equal(t, "https://www.instagram.com/reel/AAA/", reels[0].URL)
	assert.Equal(t, 2, page)
}

func TestFindSimilarUsers_HydratesThroughProfiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql/chaining", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"xdt_api__v1__discover__chaining":{"users":[{"pk":"7","username":"sim1"},{"pk":8,"username":"sim2"}]}}}`))
	})
	mux.HandleFunc("/graphql/query", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(profileBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := leasePool(t)

	users, err := f.FindSimilarUsersByUID(context.Background(), pool, pool.Main(), "42")
	require.NoError(t, err)
	require.Len(t, users, 2)
	// Numeric and string pks both resolve.
	assert.Equal(t, "7", users[0].UID)
	assert.Equal(t, "8", users[1].UID)
}
