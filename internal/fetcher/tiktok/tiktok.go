// Package tiktok implements the TikTok fetch strategies: profile
// resolution by HTML scrape, similar-user and search hydration, and
// the cursor-paired followings web API.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
	"github.com/novafoundry/fetcher/pkg/textx"
)

// bucketWeb is the rate-limit bucket for all TikTok calls.
const bucketWeb = "tiktok:web"

// rehydrationScriptRe extracts the embedded app state from profile pages.
var rehydrationScriptRe = regexp.MustCompile(`(?s)<script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">(.*?)</script>`)

// Fetcher implements the TikTok strategies.
type Fetcher struct {
	cfg     config.TikTokConfig
	client  *fetcher.Client
	limiter ratelimiter.Limiter

	// host is overridable so tests can scrape local servers.
	host string
}

// New constructs a TikTok Fetcher.
func New(cfg config.TikTokConfig, client *fetcher.Client, limiter ratelimiter.Limiter) *Fetcher {
	return &Fetcher{cfg: cfg, client: client, limiter: limiter, host: domain.PlatformTikTok.Host()}
}

// WithHost overrides the public web host used for HTML scraping.
func (f *Fetcher) WithHost(host string) *Fetcher {
	f.host = host
	return f
}

func headers() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Connection":      "keep-alive",
		"Content-Type":    "application/json",
	}
}

func (f *Fetcher) endpoint(name string) (string, error) {
	ep := f.cfg.Endpoints[name]
	if ep == "" {
		return "", fmt.Errorf("op=tiktok.endpoint: %w: endpoint %q not configured", domain.ErrConfig, name)
	}
	return ep, nil
}

// flexInt decodes stats counts that arrive as numbers (stats) or
// strings (statsV2).
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(v)
	return nil
}

type userStats struct {
	FollowerCount  flexInt `json:"followerCount"`
	FollowingCount flexInt `json:"followingCount"`
	VideoCount     flexInt `json:"videoCount"`
}

func (s userStats) empty() bool {
	return s.FollowerCount == 0 && s.FollowingCount == 0 && s.VideoCount == 0
}

type userInfo struct {
	User struct {
		ID        string `json:"id"`
		SecUID    string `json:"secUid"`
		UniqueID  string `json:"uniqueId"`
		Nickname  string `json:"nickname"`
		Verified  bool   `json:"verified"`
		Signature string `json:"signature"`
		Region    string `json:"region"`
	} `json:"user"`
	Stats   userStats  `json:"stats"`
	StatsV2 *userStats `json:"statsV2"`
}

func (u *userInfo) userRecord() domain.UserRecord {
	stats := u.Stats
	if u.StatsV2 != nil && !u.StatsV2.empty() {
		stats = *u.StatsV2
	}
	return domain.UserRecord{
		Platform:       domain.PlatformTikTok,
		UID:            u.User.ID,
		SecUID:         u.User.SecUID,
		Username:       u.User.UniqueID,
		Nickname:       u.User.Nickname,
		IsVerified:     u.User.Verified,
		Bio:            u.User.Signature,
		Location:       u.User.Region,
		URL:            domain.PlatformTikTok.Host() + "/@" + u.User.UniqueID,
		FollowersCount: int(stats.FollowerCount),
		FollowingCount: int(stats.FollowingCount),
		PostCount:      int(stats.VideoCount),
		EmailInBio:     textx.ExtractEmail(u.User.Signature),
	}
}

// FetchUserProfile scrapes the public profile page and extracts the
// rehydration state. The record carries SecUID for the followings API.
func (f *Fetcher) FetchUserProfile(ctx context.Context, username string) (domain.UserRecord, error) {
	if err := f.limiter.Acquire(ctx, bucketWeb); err != nil {
		return domain.UserRecord{}, err
	}
	resp, err := f.client.Do(ctx, domain.PlatformTikTok, "profile", http.MethodGet,
		f.host+"/@"+username, headers(), nil)
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w", err)
	}
	if resp.Status != http.StatusOK {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w", domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status)))
	}
	m := rehydrationScriptRe.FindSubmatch(resp.Body)
	if m == nil {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w: no rehydration data for %q", domain.ErrNotFound, username)
	}
	var blob struct {
		DefaultScope map[string]json.RawMessage `json:"__DEFAULT_SCOPE__"`
	}
	if err := json.Unmarshal(m[1], &blob); err != nil {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w: %v", domain.ErrUpstreamInvalid, err)
	}
	detail, ok := blob.DefaultScope["webapp.user-detail"]
	if !ok {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w: user %q", domain.ErrNotFound, username)
	}
	var wrapper struct {
		UserInfo *userInfo `json:"userInfo"`
	}
	if err := json.Unmarshal(detail, &wrapper); err != nil || wrapper.UserInfo == nil || wrapper.UserInfo.User.ID == "" {
		return domain.UserRecord{}, fmt.Errorf("op=tiktok.profile: %w: user %q", domain.ErrNotFound, username)
	}
	return wrapper.UserInfo.userRecord(), nil
}

// FindSimilarUsers hydrates the configured similar-users endpoint's
// suggestions through profile scrapes, stopping at count.
func (f *Fetcher) FindSimilarUsers(ctx context.Context, username string, count int) ([]domain.UserRecord, error) {
	ep, err := f.endpoint("similar_users")
	if err != nil {
		return nil, err
	}
	u := strings.ReplaceAll(ep, "{username}", url.PathEscape(username))
	u = strings.ReplaceAll(u, "{count}", strconv.Itoa(count))

	if err := f.limiter.Acquire(ctx, bucketWeb); err != nil {
		return nil, err
	}
	resp, err := f.client.Do(ctx, domain.PlatformTikTok, "similar_users", http.MethodGet, u, headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=tiktok.similar_users: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("op=tiktok.similar_users: %w", domain.Upstream(resp.Status, resp.ErrorBody()))
	}
	var envelope struct {
		SimilarUsers []struct {
			UniqueID string `json:"unique_id"`
		} `json:"similar_users"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("op=tiktok.similar_users: %w: %v", domain.ErrUpstreamInvalid, err)
	}

	var users []domain.UserRecord
	for _, su := range envelope.SimilarUsers {
		if su.UniqueID == "" {
			continue
		}
		profile, err := f.FetchUserProfile(ctx, su.UniqueID)
		if err != nil {
			slog.Warn("failed to hydrate similar user",
				slog.String("username", su.UniqueID),
				slog.Any("error", err))
			continue
		}
		users = append(users, profile)
		if len(users) >= count {
			break
		}
		if err := f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
			return users, err
		}
	}
	return users, nil
}

// FindUsersBySearch hydrates the search endpoint's user list through
// profile scrapes, stopping at count.
func (f *Fetcher) FindUsersBySearch(ctx context.Context, query string, count int) ([]domain.UserRecord, error) {
	ep, err := f.endpoint("search_users")
	if err != nil {
		return nil, err
	}
	u := strings.ReplaceAll(ep, "{query}", url.QueryEscape(query))
	u = strings.ReplaceAll(u, "{count}", strconv.Itoa(count))

	if err := f.limiter.Acquire(ctx, bucketWeb); err != nil {
		return nil, err
	}
	resp, err := f.client.Do(ctx, domain.PlatformTikTok, "search_users", http.MethodGet, u, headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=tiktok.search_users: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("op=tiktok.search_users: %w", domain.Upstream(resp.Status, resp.ErrorBody()))
	}
	var envelope struct {
		UserList []struct {
			UniqueID string `json:"unique_id"`
		} `json:"user_list"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("op=tiktok.search_users: %w: %v", domain.ErrUpstreamInvalid, err)
	}

	var users []domain.UserRecord
	for _, su := range envelope.UserList {
		if su.UniqueID == "" {
			continue
		}
		profile, err := f.FetchUserProfile(ctx, su.UniqueID)
		if err != nil {
			slog.Warn("failed to hydrate search user",
				slog.String("username", su.UniqueID),
				slog.Any("error", err))
			continue
		}
		users = append(users, profile)
		if len(users) >= count {
			break
		}
		if err := f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
			return users, err
		}
	}
	return users, nil
}

// FetchUserFollowings pages through the followings web API carrying
// the maxCursor/minCursor pair. SecUID is resolved via the profile
// when absent. Iteration stops when the max cursor stops advancing.
func (f *Fetcher) FetchUserFollowings(ctx context.Context, username, secUID string, pages, size int) ([]domain.UserRecord, error) {
	if secUID == "" {
		profile, err := f.FetchUserProfile(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("op=tiktok.followings: %w", err)
		}
		secUID = profile.SecUID
		if secUID == "" {
			return nil, fmt.Errorf("op=tiktok.followings: %w: no sec_uid for %q", domain.ErrNotFound, username)
		}
	}

	var all []domain.UserRecord
	maxCursor, minCursor := int64(0), int64(0)
	for page := 0; page < pages; page++ {
		users, nextMax, nextMin, err := f.fetchFollowingsPage(ctx, secUID, size, maxCursor, minCursor)
		if err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, err
		}
		all = append(all, users...)
		if nextMax == 0 || nextMax == maxCursor {
			break
		}
		maxCursor, minCursor = nextMax, nextMin
		if page < pages-1 {
			if err := f.client.PoliteDelay(ctx, time.Second, 2*time.Second); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}

func (f *Fetcher) fetchFollowingsPage(ctx context.Context, secUID string, count int, maxCursor, minCursor int64) ([]domain.UserRecord, int64, int64, error) {
	ep, err := f.endpoint("user_followings")
	if err != nil {
		return nil, 0, 0, err
	}
	params := url.Values{
		"app_language":     {"en"},
		"app_name":         {"tiktok_web"},
		"browser_language": {"en-US"},
		"browser_name":     {"Mozilla"},
		"browser_online":   {"true"},
		"browser_platform": {"MacIntel"},
		"channel":          {"tiktok_web"},
		"cookie_enabled":   {"true"},
		"count":            {strconv.Itoa(count)},
		"device_platform":  {"web_pc"},
		"focus_state":      {"true"},
		"from_page":        {"user"},
		"maxCursor":        {strconv.FormatInt(maxCursor, 10)},
		"minCursor":        {strconv.FormatInt(minCursor, 10)},
		"os":               {"mac"},
		"priority_region":  {"US"},
		"region":           {"US"},
		"secUid":           {secUID},
	}
	if err := f.limiter.Acquire(ctx, bucketWeb); err != nil {
		return nil, 0, 0, err
	}
	resp, err := f.client.Do(ctx, domain.PlatformTikTok, "followings", http.MethodGet, ep+"?"+params.Encode(), headers(), nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("op=tiktok.followings: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, 0, 0, fmt.Errorf("op=tiktok.followings: %w", domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status)))
	}
	var envelope struct {
		StatusCode int        `json:"statusCode"`
		StatusMsg  string     `json:"statusMsg"`
		HasMore    bool       `json:"hasMore"`
		MaxCursor  int64      `json:"maxCursor"`
		MinCursor  int64      `json:"minCursor"`
		UserList   []userInfo `json:"userList"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, 0, 0, fmt.Errorf("op=tiktok.followings: %w: %v", domain.ErrUpstreamInvalid, err)
	}
	if envelope.StatusCode != 0 {
		return nil, 0, 0, fmt.Errorf("op=tiktok.followings: %w", domain.Upstream(envelope.StatusCode, envelope.StatusMsg))
	}
	users := make([]domain.UserRecord, 0, len(envelope.UserList))
	for i := range envelope.UserList {
		u := envelope.UserList[i]
		if u.User.ID == "" {
			continue
		}
		users = append(users, u.userRecord())
	}
	return users, envelope.MaxCursor, envelope.MinCursor, nil
}
