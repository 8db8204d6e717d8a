// Package instagram implements the Instagram fetch strategies: doc_id
// GraphQL form posts for profile/similar/reels, the top_serp search
// surface, and HTML scraping for username→uid resolution.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/service/credpool"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
	"github.com/novafoundry/fetcher/pkg/textx"
)

// bucketGraphQL is the rate-limit bucket for all credentialled calls.
const bucketGraphQL = "instagram:graphql"

// suspendedPrefix marks the account-suspension redirect target.
const suspendedPrefix = "https://www.instagram.com/accounts/suspended"

// igAppID is the web app id the API expects on every call.
const igAppID = "936619743392459"

// reelsPageSize is the provider's page cap for the clips connection.
const reelsPageSize = 12

// staleSearchPages mirrors the search stop rule: give up after three
// consecutive pages with no new users.
const staleSearchPages = 3

var (
	sjsScriptRe   = regexp.MustCompile(`(?s)<script type="application/json"  data-content-len="\d+" data-sjs>(.*?)</script>`)
	profilePageRe = regexp.MustCompile(`"profilePage_(\d+)"`)
	bareIDRe      = regexp.MustCompile(`"id":"(\d+)"`)
)

// Fetcher implements the Instagram strategies.
type Fetcher struct {
	cfg     config.InstagramConfig
	client  *fetcher.Client
	limiter ratelimiter.Limiter

	// host and suspendedPrefix are overridable so tests can run
	// against local servers.
	host            string
	suspendedPrefix string
}

// New constructs an Instagram Fetcher.
func New(cfg config.InstagramConfig, client *fetcher.Client, limiter ratelimiter.Limiter) *Fetcher {
	return &Fetcher{cfg: cfg, client: client, limiter: limiter, host: domain.PlatformInstagram.Host(), suspendedPrefix: suspendedPrefix}
}

// WithSuspendedPrefix overrides the suspension redirect prefix.
func (f *Fetcher) WithSuspendedPrefix(prefix string) *Fetcher {
	f.suspendedPrefix = prefix
	return f
}

// WithHost overrides the public web host used for HTML scraping.
func (f *Fetcher) WithHost(host string) *Fetcher {
	f.host = host
	return f
}

func headers(cred *domain.Credential) map[string]string {
	h := map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Connection":      "keep-alive",
		"Content-Type":    "application/x-www-form-urlencoded",
		"x-ig-app-id":     igAppID,
	}
	if cred != nil {
		h["x-csrftoken"] = cred.Headers["x-csrftoken"]
		h["cookie"] = cred.Headers["cookie"]
	}
	return h
}

func (f *Fetcher) endpoint(name string) (config.DocEndpoint, error) {
	ep, ok := f.cfg.Endpoints[name]
	if !ok || ep.URL == "" {
		return config.DocEndpoint{}, fmt.Errorf("op=instagram.endpoint: %w: endpoint %q not configured", domain.ErrConfig, name)
	}
	return ep, nil
}

// checkSuspended inspects the response for the suspension redirect.
// When it fires, the disabled update is published immediately and the
// call fails with 403; this signal outranks 429 strike accounting.
func (f *Fetcher) checkSuspended(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, resp *fetcher.Response) error {
	if !resp.RedirectedTo(f.suspendedPrefix) {
		return nil
	}
	slog.Error("request redirected to account-suspended page",
		slog.String("final_url", resp.FinalURL),
		slog.String("credential", cred.Username))
	if pool != nil {
		pool.ReportSuspendedRedirect(ctx, cred)
	}
	return domain.Upstream(http.StatusForbidden, "账号被挂起")
}

// docPost performs one rate-limited doc_id form POST and decodes into out.
func (f *Fetcher) docPost(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, operation string, ep config.DocEndpoint, variables any, out any) error {
	if err := f.limiter.Acquire(ctx, bucketGraphQL); err != nil {
		return err
	}
	vb, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	form := url.Values{
		"doc_id":    {ep.DocID},
		"variables": {string(vb)},
	}
	resp, err := f.client.Do(ctx, domain.PlatformInstagram, operation, http.MethodPost, ep.URL, headers(cred), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	if err := f.checkSuspended(ctx, pool, cred, resp); err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		slog.Error("instagram API returned non-200",
			slog.String("operation", operation),
			slog.Int("status", resp.Status),
			slog.String("body", resp.ErrorBody()))
		return domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status))
	}
	if !resp.IsJSON() {
		return domain.Upstream(resp.Status, "content-type is not JSON: "+resp.ContentType)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("op=instagram.%s: %w: %v", operation, domain.ErrUpstreamInvalid, err)
	}
	return nil
}

// ResolveUserID scrapes the public profile page for the numeric uid.
// The page embeds it in data-sjs JSON blobs; two regex fallbacks
// cover layout variants.
func (f *Fetcher) ResolveUserID(ctx context.Context, username string) (string, error) {
	resp, err := f.client.Do(ctx, domain.PlatformInstagram, "resolve_uid", http.MethodGet,
		f.host+"/"+username+"/", headers(nil), nil)
	if err != nil {
		return "", fmt.Errorf("op=instagram.resolve_uid: %w", err)
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("op=instagram.resolve_uid: %w", domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status)))
	}
	html := string(resp.Body)
	if strings.Contains(html, "Page Not Found") {
		return "", fmt.Errorf("op=instagram.resolve_uid: %w: user %q", domain.ErrNotFound, username)
	}
	for _, m := range sjsScriptRe.FindAllStringSubmatch(html, -1) {
		var blob any
		if err := json.Unmarshal([]byte(m[1]), &blob); err != nil {
			continue
		}
		if id := findProfileID(blob); id != "" {
			return id, nil
		}
	}
	if m := profilePageRe.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}
	if m := bareIDRe.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("op=instagram.resolve_uid: %w: no uid in page for %q", domain.ErrNotFound, username)
}

// findProfileID walks decoded JSON looking for a profile_id value.
func findProfileID(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if id, ok := t["profile_id"]; ok {
			switch idv := id.(type) {
			case string:
				return idv
			case float64:
				return fmt.Sprintf("%.0f", idv)
			}
		}
		for _, child := range t {
			if id := findProfileID(child); id != "" {
				return id
			}
		}
	case []any:
		for _, child := range t {
			if id := findProfileID(child); id != "" {
				return id
			}
		}
	}
	return ""
}

type profileEnvelope struct {
	Data struct {
		User struct {
			Username       string `json:"username"`
			FullName       string `json:"full_name"`
			IsVerified     bool   `json:"is_verified"`
			FollowerCount  int    `json:"follower_count"`
			FollowingCount int    `json:"following_count"`
			MediaCount     int    `json:"media_count"`
			Biography      string `json:"biography"`
		} `json:"user"`
	} `json:"data"`
}

// FetchUserProfile loads a full profile by uid.
func (f *Fetcher) FetchUserProfile(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, uid string) (domain.UserRecord, error) {
	ep, err := f.endpoint("user_by_uid")
	if err != nil {
		return domain.UserRecord{}, err
	}
	variables := map[string]any{
		"id":             uid,
		"render_surface": "PROFILE",
	}
	var envelope profileEnvelope
	if err := f.docPost(ctx, pool, cred, "profile", ep, variables, &envelope); err != nil {
		return domain.UserRecord{}, fmt.Errorf("op=instagram.profile: %w", err)
	}
	u := envelope.Data.User
	if u.Username == "" {
		return domain.UserRecord{}, fmt.Errorf("op=instagram.profile: %w: uid %q", domain.ErrNotFound, uid)
	}
	return domain.UserRecord{
		Platform:       domain.PlatformInstagram,
		UID:            uid,
		Username:       u.Username,
		Nickname:       u.FullName,
		IsVerified:     u.IsVerified,
		Bio:            u.Biography,
		URL:            domain.PlatformInstagram.Host() + "/" + u.Username,
		FollowersCount: u.FollowerCount,
		FollowingCount: u.FollowingCount,
		PostCount:      u.MediaCount,
		EmailInBio:     textx.ExtractEmail(u.Biography),
	}, nil
}

// FindSimilarUsersByUID returns the discover-chaining suggestions for
// uid, hydrating each entry through the profile call.
func (f *Fetcher) FindSimilarUsersByUID(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, uid string) ([]domain.UserRecord, error) {
	ep, err := f.endpoint("similar_users")
	if err != nil {
		return nil, err
	}
	variables := map[string]any{
		"module":    "profile",
		"target_id": uid,
	}
	var envelope struct {
		Data struct {
			Chaining struct {
				Users []struct {
					PK       json.Number `json:"pk"`
					Username string      `json:"username"`
				} `json:"users"`
			} `json:"xdt_api__v1__discover__chaining"`
		} `json:"data"`
	}
	if err := f.docPost(ctx, pool, cred, "similar_users", ep, variables, &envelope); err != nil {
		return nil, fmt.Errorf("op=instagram.similar_users: %w", err)
	}

	var users []domain.UserRecord
	for _, u := range envelope.Data.Chaining.Users {
		candidateUID := u.PK.String()
		if candidateUID == "" {
			continue
		}
		profile, err := f.FetchUserProfile(ctx, pool, cred, candidateUID)
		if err != nil {
			slog.Warn("failed to hydrate similar user",
				slog.String("uid", candidateUID),
				slog.String("username", u.Username),
				slog.Any("error", err))
			continue
		}
		users = append(users, profile)
	}
	return users, nil
}

// SearchUsersPage fetches one serp page. Pagination carries the
// rank_token/next_max_id pair returned by the previous page.
func (f *Fetcher) SearchUsersPage(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, query, rankToken, nextMaxID string) ([]domain.UserRecord, string, string, error) {
	ep, err := f.endpoint("top_serp")
	if err != nil {
		return nil, "", "", err
	}
	if err := f.limiter.Acquire(ctx, bucketGraphQL); err != nil {
		return nil, "", "", err
	}
	params := url.Values{
		"enable_metadata": {"true"},
		"query":           {query},
	}
	if rankToken != "" {
		params.Set("rank_token", rankToken)
	}
	if nextMaxID != "" {
		params.Set("next_max_id", nextMaxID)
	}
	resp, err := f.client.Do(ctx, domain.PlatformInstagram, "search_users", http.MethodGet, ep.URL+"?"+params.Encode(), headers(cred), nil)
	if err != nil {
		return nil, "", "", err
	}
	if err := f.checkSuspended(ctx, pool, cred, resp); err != nil {
		return nil, "", "", err
	}
	if resp.Status != http.StatusOK {
		return nil, "", "", domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status))
	}
	if !resp.IsJSON() {
		return nil, "", "", domain.Upstream(resp.Status, "content-type is not JSON: "+resp.ContentType)
	}
	var envelope struct {
		MediaGrid struct {
			RankToken string `json:"rank_token"`
			NextMaxID string `json:"next_max_id"`
			Sections  []struct {
				LayoutContent struct {
					Medias []struct {
						Media struct {
							User struct {
								PK       json.Number `json:"pk"`
								Username string      `json:"username"`
							} `json:"user"`
						} `json:"media"`
					} `json:"medias"`
				} `json:"layout_content"`
			} `json:"sections"`
		} `json:"media_grid"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, "", "", fmt.Errorf("op=instagram.search_users: %w: %v", domain.ErrUpstreamInvalid, err)
	}

	var users []domain.UserRecord
	for _, section := range envelope.MediaGrid.Sections {
		for _, media := range section.LayoutContent.Medias {
			uid := media.Media.User.PK.String()
			if uid == "" {
				continue
			}
			profile, err := f.FetchUserProfile(ctx, pool, cred, uid)
			if err != nil {
				slog.Warn("failed to hydrate search user",
					slog.String("uid", uid),
					slog.Any("error", err))
				continue
			}
			users = append(users, profile)
		}
	}
	return users, envelope.MediaGrid.RankToken, envelope.MediaGrid.NextMaxID, nil
}

// FindUsersBySearch paginates the serp until count unique users are
// collected or three consecutive pages yield nothing new.
func (f *Fetcher) FindUsersBySearch(ctx context.Context, pool *credpool.Pool, query string, count int) ([]domain.UserRecord, error) {
	var all []domain.UserRecord
	seen := map[string]struct{}{}
	rankToken, nextMaxID := "", ""
	stalePages := 0

	for len(seen) < count {
		cred, err := pool.Next(ctx)
		if err != nil {
			return all, err
		}
		users, rt, nmi, err := f.SearchUsersPage(ctx, pool, cred, query, rankToken, nextMaxID)
		pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
		if err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, err
		}
		before := len(seen)
		for _, u := range users {
			if _, dup := seen[u.UID]; dup || u.UID == "" {
				continue
			}
			seen[u.UID] = struct{}{}
			all = append(all, u)
		}
		if len(seen) == before {
			stalePages++
		} else {
			stalePages = 0
		}
		if len(all) >= count || stalePages >= staleSearchPages {
			break
		}
		rankToken, nextMaxID = rt, nmi
		if err := f.client.PoliteDelay(ctx, 2*time.Second, 5*time.Second); err != nil {
			return all, err
		}
	}
	if len(all) > count {
		all = all[:count]
	}
	return all, nil
}

// FetchUserReels pages through the clips connection until count reels
// are collected or the cursor runs out.
func (f *Fetcher) FetchUserReels(ctx context.Context, pool *credpool.Pool, cred *domain.Credential, uid string, count int) ([]domain.Reel, error) {
	ep, err := f.endpoint("user_reels")
	if err != nil {
		return nil, err
	}
	var all []domain.Reel
	cursor := ""
	for len(all) < count {
		pageSize := reelsPageSize
		if count < pageSize {
			pageSize = count
		}
		variables := map[string]any{
			"data": map[string]any{
				"include_feed_video": true,
				"page_size":          pageSize,
				"target_user_id":     uid,
			},
		}
		if cursor != "" {
			variables["after"] = cursor
			variables["before"] = nil
			variables["first"] = 4
			variables["last"] = nil
		}
		var envelope struct {
			Data struct {
				Connection struct {
					Edges []struct {
						Node struct {
							Media struct {
								ID                    string        `json:"id"`
								Code                  string        `json:"code"`
								LikeCount             int           `json:"like_count"`
								CommentCount          int           `json:"comment_count"`
								PlayCount             int           `json:"play_count"`
								ClipsTabPinnedUserIDs []json.Number `json:"clips_tab_pinned_user_ids"`
							} `json:"media"`
						} `json:"node"`
					} `json:"edges"`
					PageInfo struct {
						EndCursor   string `json:"end_cursor"`
						HasNextPage bool   `json:"has_next_page"`
					} `json:"page_info"`
				} `json:"xdt_api__v1__clips__user__connection_v2"`
			} `json:"data"`
		}
		if err := f.docPost(ctx, pool, cred, "user_reels", ep, variables, &envelope); err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, fmt.Errorf("op=instagram.user_reels: %w", err)
		}

		conn := envelope.Data.Connection
		for _, edge := range conn.Edges {
			m := edge.Node.Media
			if m.ID == "" {
				continue
			}
			pinned := false
			for _, pinnedUID := range m.ClipsTabPinnedUserIDs {
				if pinnedUID.String() == uid {
					pinned = true
					break
				}
			}
			all = append(all, domain.Reel{
				ID:           m.ID,
				Shortcode:    m.Code,
				LikeCount:    m.LikeCount,
				CommentCount: m.CommentCount,
				PlayCount:    m.PlayCount,
				IsPinned:     pinned,
				URL:          domain.PlatformInstagram.Host() + "/reel/" + m.Code + "/",
			})
		}
		if !conn.PageInfo.HasNextPage || conn.PageInfo.EndCursor == "" || len(all) >= count {
			break
		}
		cursor = conn.PageInfo.EndCursor
		if err := f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
			return all, err
		}
	}
	if len(all) > count {
		all = all[:count]
	}
	return all, nil
}
