package twitter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/fetcher/twitter"
	"github.com/novafoundry/fetcher/internal/service/credpool"
)

// noopLimiter grants every bucket immediately.
type noopLimiter struct{}

func (noopLimiter) Acquire(_ context.Context, _ string) error { return nil }

// fakeAdmin hands out a fixed credential set.
type fakeAdmin struct{ statuses []string }

func (f *fakeAdmin) LockAccounts(_ domain.Context, _ domain.Platform, class domain.AccountClass, count int) ([]domain.Credential, error) {
	creds := make([]domain.Credential, 0, count)
	for i := 0; i < count; i++ {
		creds = append(creds, domain.Credential{
			ID:      string(rune('a' + i)),
			Class:   class,
			Headers: map[string]string{"authorization": "Bearer test", "x-csrf-token": "tok", "cookie": "c=1"},
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

func newFetcher(t *testing.T, srv *httptest.Server) *twitter.Fetcher {
	t.Helper()
	client, err := fetcher.NewClient("", fetcher.WithSleepFunc(instantSleep))
	require.NoError(t, err)
	cfg := config.TwitterConfig{
		Endpoints: map[string]string{
			"user_by_screen_name": srv.URL + "/UserByScreenName",
			"similar_users":       srv.URL + "/ConnectTabTimeline",
			"search_timeline":     srv.URL + "/SearchTimeline",
			"user_tweets":         srv.URL + "/UserTweets",
			"followings":          srv.URL + "/Following",
		},
		ThirdChannels: map[string]config.ChannelConfig{},
	}
	return twitter.New(cfg, client, noopLimiter{})
}

func normalPool(t *testing.T, n int) (*credpool.Pool, *fakeAdmin) {
	t.Helper()
	admin := &fakeAdmin{}
	mgr := credpool.NewManager(admin, domain.PlatformTwitter)
	pool, err := mgr.Lease(context.Background(), domain.ClassMain, n)
	require.NoError(t, err)
	return pool, admin
}

const profileBody = `{"data":{"user":{"result":{"rest_id":"12","legacy":{"screen_name":"jack","name":"Jack","verified":false,"description":"bio me@example.com","location":"SF","followers_count":100,"friends_count":50,"statuses_count":1000}}}}}`

const similarBody = `{"data":{"connect_tab_timeline":{"timeline":{"instructions":[
  {"type":"TimelineClearCache"},
  {"type":"TimelineAddEntries","entries":[
    {"entryId":"similartomodule-1","content":{"items":[
      {"item":{"itemContent":{"user_results":{"result":{"rest_id":"21","is_blue_verified":true,"core":{"screen_name":"alice","name":"Alice"},"location":{"location":"NYC"},"legacy":{"description":"dm alice@mail.io","followers_count":10,"friends_count":5,"statuses_count":42}}}}}},
      {"item":{"itemContent":{"user_results":{"result":{"rest_id":"22","core":{"screen_name":"bob","name":"Bob"},"legacy":{"description":"","followers_count":20,"friends_count":6,"statuses_count":7}}}}}}
    ]}},
    {"entryId":"who-to-follow","content":{}}
  ]}
]}}}}`

const searchBody = `{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[
  {"type":"TimelineAddEntries","entries":[
    {"entryId":"tweet-1","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"t1","__typename":"Tweet","core":{"user_results":{"result":{"rest_id":"31","core":{"screen_name":"carol","name":"Carol"},"legacy":{"description":"","followers_count":300,"friends_count":3,"statuses_count":30}}}},"legacy":{"full_text":"hi"}}}}}},
    {"entryId":"cursor-bottom-abc","content":{"value":"CURSOR2"}}
  ]}
]}}}}}`

const tweetsBody = `{"data":{"user":{"result":{"timeline":{"timeline":{"instructions":[
  {"type":"TimelinePinEntry","entry":{"content":{"itemContent":{"tweet_results":{"result":{"rest_id":"p1","__typename":"Tweet","legacy":{"full_text":"pinned","favorite_count":1},"views":{"count":"999"}}}}}}},
  {"type":"TimelineAddEntries","entries":[
    {"entryId":"tweet-100","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"100","__typename":"Tweet","legacy":{"full_text":"a"},"views":{"count":"10"}}}}}},
    {"entryId":"tweet-101","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"101","__typename":"TweetWithVisibilityResults","legacy":{"full_text":"hidden"}}}}}},
    {"entryId":"profile-conversation-1","content":{"items":[{"item":{"itemContent":{"tweet_results":{"result":{"rest_id":"102","__typename":"Tweet","legacy":{"full_text":"reply"},"views":{"count":"20"}}}}}}]}},
    {"entryId":"cursor-bottom-xyz","content":{"value":""}}
  ]}
]}}}}}}`

const followingsBody = `{"data":{"user":{"result":{"timeline":{"timeline":{"instructions":[
  {"type":"TimelineAddEntries","entries":[
    {"entryId":"user-41","content":{"itemContent":{"user_results":{"result":{"rest_id":"41","legacy":{"screen_name":"dave","name":"Dave","followers_count":40,"friends_count":4,"statuses_count":4}}}}}},
    {"entryId":"cursor-bottom-1","content":{"value":""}}
  ]}
]}}}}}}`

func jsonHandler(t *testing.T, routes map[string]string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(body))
	})
}

func TestFetchUserProfile(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, map[string]string{"/UserByScreenName": profileBody}))
	defer srv.Close()
	f := newFetcher(t, srv)

	u, err := f.FetchUserProfile(context.Background(), &domain.Credential{Headers: map[string]string{}}, "jack")
	require.NoError(t, err)
	assert.Equal(t, "12", u.UID)
	assert.Equal(t, "jack", u.Username)
	assert.Equal(t, "https://x.com/jack", u.URL)
	assert.Equal(t, "me@example.com", u.EmailInBio)
	assert.Equal(t, 100, u.FollowersCount)
}

func TestFindSimilarUsersByUID_WalksSimilarModule(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, map[string]string{"/ConnectTabTimeline": similarBody}))
	defer srv.Close()
	f := newFetcher(t, srv)

	users, err := f.FindSimilarUsersByUID(context.Background(), &domain.Credential{Headers: map[string]string{}}, "12")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "21", users[0].UID)
	assert.Equal(t, "alice", users[0].Username)
	assert.True(t, users[0].IsVerified)
	assert.Equal(t, "alice@mail.io", users[0].EmailInBio)
	assert.Equal(t, "NYC", users[0].Location)
	assert.Equal(t, "22", users[1].UID)
}

func TestSearchUsersPage_ExtractsUsersAndCursor(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, map[string]string{"/SearchTimeline": searchBody}))
	defer srv.Close()
	f := newFetcher(t, srv)

	users, cursor, err := f.SearchUsersPage(context.Background(), &domain.Credential{Headers: map[string]string{}}, "carol", "")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "31", users[0].UID)
	assert.Equal(t, "CURSOR2", cursor)
}

func TestFindUsersBySearch_StopsAfterThreeStalePages(t *testing.T) {
	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		w.Header().Set("Content-Type", "application/json")
		// Every page returns the same single user and a live cursor.
		_, _ = w.Write([]byte(searchBody))
	}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := normalPool(t, 5)

	users, err := f.FindUsersBySearch(context.Background(), pool, "carol", 10)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	// Page 1 finds the user; pages 2-4 are stale; then the loop stops.
	assert.Equal(t, 4, pages)
}

func TestFindUsersBySearch_RateLimitedPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := normalPool(t, 1)

	_, err := f.FindUsersBySearch(context.Background(), pool, "q", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 429, domain.UpstreamCode(err))
}

func TestGraphQLTweetSource_WalksTimeline(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, map[string]string{"/UserTweets": tweetsBody}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := normalPool(t, 1)

	src, err := f.TweetSourceFor(twitter.ChannelGraphQL, pool)
	require.NoError(t, err)
	tweets, err := src.FetchUserTweets(context.Background(), "12", "jack", 1, 20)
	require.NoError(t, err)
	// pinned + tweet-100 + conversation item; the non-Tweet typename is skipped.
	require.Len(t, tweets, 3)
	assert.True(t, tweets[0].IsPinned)
	assert.Equal(t, 999, tweets[0].ViewsCount)
	assert.Equal(t, "100", tweets[1].ID)
	assert.Equal(t, "102", tweets[2].ID)
	assert.Equal(t, "https://x.com/jack/status/100", tweets[1].URL)
}

func TestGraphQLTweetSource_Followings(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, map[string]string{"/Following": followingsBody}))
	defer srv.Close()
	f := newFetcher(t, srv)
	pool, _ := normalPool(t, 1)

	src, err := f.TweetSourceFor(twitter.ChannelGraphQL, pool)
	require.NoError(t, err)
	users, err := src.FetchUserFollowings(context.Background(), "12", "jack", 1, 70)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "41", users[0].UID)
	assert.Equal(t, "dave", users[0].Username)
}

func TestTweetSourceFor_UnknownChannel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFetcher(t, srv)
	_, err := f.TweetSourceFor("rapid_unknown99", nil)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestNonJSONContentTypeIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()
	f := newFetcher(t, srv)

	_, err := f.FindSimilarUsersByUID(context.Background(), &domain.Credential{Headers: map[string]string{}}, "12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not JSON")
}
