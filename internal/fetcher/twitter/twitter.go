// Package twitter implements the Twitter/X fetch strategies over the
// credentialled GraphQL surface, plus channel-switchable tweet and
// followings retrieval through external providers.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/service/credpool"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
)

// bucketGraphQL is the rate-limit bucket for the in-band channel.
const bucketGraphQL = "twitter:graphql"

// staleSearchPages is how many consecutive pages may yield no new
// users before search pagination gives up.
const staleSearchPages = 3

// Feature blobs the GraphQL endpoints require verbatim. The surface
// rejects requests that omit flags, so these travel as fixed strings.
const (
	profileFeatures = `{"hidden_profile_subscriptions_enabled":true,"profile_label_improvements_pcf_label_in_post_enabled":true,"rweb_tipjar_consumption_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"subscriptions_verification_info_is_identity_verified_enabled":true,"subscriptions_verification_info_verified_since_enabled":true,"highlights_tweets_tab_ui_enabled":true,"responsive_web_twitter_article_notes_tab_enabled":true,"subscriptions_feature_can_gift_premium":true,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"responsive_web_graphql_timeline_navigation_enabled":true}`

	similarFeatures = `{"rweb_video_screen_enabled":false,"profile_label_improvements_pcf_label_in_post_enabled":true,"rweb_tipjar_consumption_enabled":true,"verified_phone_label_enabled":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"premium_content_api_read_enabled":false,"communities_web_enable_tweet_community_results_fetch":true,"c9s_tweet_anatomy_moderator_badge_enabled":true,"responsive_web_grok_analyze_button_fetch_trends_enabled":false,"responsive_web_grok_analyze_post_followups_enabled":true,"responsive_web_jetfuel_frame":false,"responsive_web_grok_share_attachment_enabled":true,"articles_preview_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":true,"tweet_awards_web_tipping_enabled":false,"responsive_web_grok_show_grok_translated_post":false,"responsive_web_grok_analysis_button_from_backend":true,"creator_subscriptions_quote_tweet_preview_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_grok_image_annotation_enabled":true,"responsive_web_enhance_cards_enabled":false}`

	timelineFeatures = `{"rweb_video_screen_enabled":false,"profile_label_improvements_pcf_label_in_post_enabled":false,"rweb_tipjar_consumption_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"premium_content_api_read_enabled":false,"communities_web_enable_tweet_community_results_fetch":true,"c9s_tweet_anatomy_moderator_badge_enabled":true,"responsive_web_grok_analyze_button_fetch_trends_enabled":false,"responsive_web_grok_analyze_post_followups_enabled":true,"responsive_web_jetfuel_frame":false,"responsive_web_grok_share_attachment_enabled":true,"articles_preview_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":true,"tweet_awards_web_tipping_enabled":false,"responsive_web_grok_show_grok_translated_post":false,"responsive_web_grok_analysis_button_from_backend":false,"creator_subscriptions_quote_tweet_preview_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_grok_image_annotation_enabled":true,"responsive_web_enhance_cards_enabled":false}`
)

// Fetcher implements the Twitter strategies.
type Fetcher struct {
	cfg     config.TwitterConfig
	client  *fetcher.Client
	limiter ratelimiter.Limiter
}

// New constructs a Twitter Fetcher.
func New(cfg config.TwitterConfig, client *fetcher.Client, limiter ratelimiter.Limiter) *Fetcher {
	return &Fetcher{cfg: cfg, client: client, limiter: limiter}
}

// headers builds the credentialled GraphQL headers.
func headers(cred *domain.Credential) map[string]string {
	h := map[string]string{
		"content-type":              "application/json",
		"x-twitter-active-user":     "yes",
		"x-twitter-client-language": "en",
	}
	if cred != nil {
		h["authorization"] = cred.Headers["authorization"]
		h["x-csrf-token"] = cred.Headers["x-csrf-token"]
		h["cookie"] = cred.Headers["cookie"]
	}
	return h
}

// endpoint looks up a configured GraphQL endpoint by name.
func (f *Fetcher) endpoint(name string) (string, error) {
	ep := f.cfg.Endpoints[name]
	if ep == "" {
		return "", fmt.Errorf("op=twitter.endpoint: %w: endpoint %q not configured", domain.ErrConfig, name)
	}
	return ep, nil
}

// getJSON performs one rate-limited GraphQL GET and decodes into out.
func (f *Fetcher) getJSON(ctx context.Context, operation, endpoint string, params url.Values, hdrs map[string]string, out any) error {
	if err := f.limiter.Acquire(ctx, bucketGraphQL); err != nil {
		return err
	}
	resp, err := f.client.Do(ctx, domain.PlatformTwitter, operation, http.MethodGet, endpoint+"?"+params.Encode(), hdrs, nil)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		slog.Error("twitter API returned non-200",
			slog.String("operation", operation),
			slog.Int("status", resp.Status),
			slog.String("body", resp.ErrorBody()))
		return domain.Upstream(resp.Status, fmt.Sprintf("HTTP %d", resp.Status))
	}
	if !resp.IsJSON() {
		slog.Error("twitter API returned non-JSON content type",
			slog.String("operation", operation),
			slog.String("content_type", resp.ContentType))
		return domain.Upstream(resp.Status, "content-type is not JSON: "+resp.ContentType)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("op=twitter.%s: %w: %v", operation, domain.ErrUpstreamInvalid, err)
	}
	return nil
}

func graphqlParams(variables any, features string) (url.Values, error) {
	vb, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	return url.Values{
		"variables": {string(vb)},
		"features":  {features},
	}, nil
}

// FetchUserProfile resolves a username to its full profile record.
func (f *Fetcher) FetchUserProfile(ctx context.Context, cred *domain.Credential, username string) (domain.UserRecord, error) {
	ep, err := f.endpoint("user_by_screen_name")
	if err != nil {
		return domain.UserRecord{}, err
	}
	params, err := graphqlParams(map[string]any{"screen_name": username}, profileFeatures)
	if err != nil {
		return domain.UserRecord{}, err
	}
	var envelope struct {
		Data struct {
			User struct {
				Result userResult `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, "profile", ep, params, headers(cred), &envelope); err != nil {
		return domain.UserRecord{}, fmt.Errorf("op=twitter.profile: %w", err)
	}
	u := envelope.Data.User.Result
	if u.empty() {
		return domain.UserRecord{}, fmt.Errorf("op=twitter.profile: %w: user %q", domain.ErrNotFound, username)
	}
	return u.userRecord(), nil
}

// FindSimilarUsersByUID returns the platform's direct suggestions for uid.
func (f *Fetcher) FindSimilarUsersByUID(ctx context.Context, cred *domain.Credential, uid string) ([]domain.UserRecord, error) {
	ep, err := f.endpoint("similar_users")
	if err != nil {
		return nil, err
	}
	contextBlob, _ := json.Marshal(map[string]string{"contextualUserId": uid})
	params, err := graphqlParams(map[string]any{
		"count":   20,
		"context": string(contextBlob),
	}, similarFeatures)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data struct {
			ConnectTabTimeline struct {
				Timeline struct {
					Instructions []instruction `json:"instructions"`
				} `json:"timeline"`
			} `json:"connect_tab_timeline"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, "similar_users", ep, params, headers(cred), &envelope); err != nil {
		return nil, fmt.Errorf("op=twitter.similar_users: %w", err)
	}

	var users []domain.UserRecord
	for _, ins := range envelope.Data.ConnectTabTimeline.Timeline.Instructions {
		if ins.Type != instructionAddEntries {
			continue
		}
		for _, e := range ins.Entries {
			if e.EntryID != entrySimilarModule || len(e.Content.Items) == 0 {
				continue
			}
			for _, item := range e.Content.Items {
				u := item.Item.ItemContent.UserResults.Result
				if u.empty() {
					continue
				}
				users = append(users, u.userRecord())
			}
		}
	}
	return users, nil
}

// SearchUsersPage fetches one page of the user search timeline.
// Hashtag queries use the recent-search query source.
func (f *Fetcher) SearchUsersPage(ctx context.Context, cred *domain.Credential, query, cursor string) ([]domain.UserRecord, string, error) {
	ep, err := f.endpoint("search_timeline")
	if err != nil {
		return nil, "", err
	}
	querySource := "typed_query"
	if len(query) > 0 && query[0] == '#' {
		querySource = "recent_search_click"
	}
	variables := map[string]any{
		"rawQuery":    query,
		"count":       20,
		"querySource": querySource,
		"product":     "Top",
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	params, err := graphqlParams(variables, similarFeatures)
	if err != nil {
		return nil, "", err
	}
	hdrs := headers(cred)
	if cred != nil {
		hdrs["x-client-transaction-id"] = cred.Headers["x-client-transaction-id"]
	}
	var envelope struct {
		Data struct {
			SearchByRawQuery struct {
				SearchTimeline struct {
					Timeline struct {
						Instructions []instruction `json:"instructions"`
					} `json:"timeline"`
				} `json:"search_timeline"`
			} `json:"search_by_raw_query"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, "search_users", ep, params, hdrs, &envelope); err != nil {
		return nil, "", fmt.Errorf("op=twitter.search_users: %w", err)
	}

	var users []domain.UserRecord
	var nextCursor string
	for _, ins := range envelope.Data.SearchByRawQuery.SearchTimeline.Timeline.Instructions {
		switch ins.Type {
		case instructionAddEntries:
			for _, e := range ins.Entries {
				switch {
				case strings.HasPrefix(e.EntryID, entryPrefixCursorBottom):
					nextCursor = e.Content.Value
				case strings.HasPrefix(e.EntryID, entryPrefixTweet):
					if e.Content.ItemContent == nil {
						continue
					}
					u := e.Content.ItemContent.TweetResults.Result.Core.UserResults.Result
					if u.empty() {
						continue
					}
					users = append(users, u.userRecord())
				}
			}
		case instructionReplaceEntry:
			if nextCursor == "" && ins.Entry != nil && strings.HasPrefix(ins.Entry.EntryID, entryPrefixCursorBottom) {
				nextCursor = ins.Entry.Content.Value
			}
		}
	}
	return users, nextCursor, nil
}

// FindUsersBySearch paginates the search timeline until count unique
// users are collected, the cursor runs out, or three consecutive
// pages yield nothing new. Each page draws the next eligible
// credential from the pool.
func (f *Fetcher) FindUsersBySearch(ctx context.Context, pool *credpool.Pool, query string, count int) ([]domain.UserRecord, error) {
	var all []domain.UserRecord
	seen := map[string]struct{}{}
	cursor := ""
	stalePages := 0

	for len(seen) < count {
		cred, err := pool.Next(ctx)
		if err != nil {
			return all, err
		}
		users, nextCursor, err := f.SearchUsersPage(ctx, cred, query, cursor)
		pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
		if err != nil {
			if len(all) > 0 {
				// Partial page: keep what was gathered.
				slog.Warn("search pagination aborted with partial results",
					slog.String("query", query),
					slog.Int("collected", len(all)),
					slog.Any("error", err))
				return all, nil
			}
			return nil, err
		}

		before := len(seen)
		for _, u := range users {
			if u.UID == "" {
				continue
			}
			if _, dup := seen[u.UID]; dup {
				continue
			}
			seen[u.UID] = struct{}{}
			all = append(all, u)
		}
		slog.Info("search page collected",
			slog.String("query", query),
			slog.Int("unique", len(seen)),
			slog.Int("requested", count))

		if len(seen) == before {
			stalePages++
		} else {
			stalePages = 0
		}
		if nextCursor == "" || len(all) >= count {
			break
		}
		if stalePages >= staleSearchPages {
			slog.Info("no new users for three pages, stopping search", slog.String("query", query))
			break
		}
		cursor = nextCursor
		if err := f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
			return all, err
		}
	}
	if len(all) > count {
		all = all[:count]
	}
	return all, nil
}

// fetchUserTweetsPage fetches one page of a user timeline.
func (f *Fetcher) fetchUserTweetsPage(ctx context.Context, cred *domain.Credential, uid, username string, count int, cursor string) ([]domain.Tweet, string, error) {
	ep, err := f.endpoint("user_tweets")
	if err != nil {
		return nil, "", err
	}
	variables := map[string]any{
		"userId":                                 uid,
		"count":                                  count,
		"includePromotedContent":                 false,
		"withQuickPromoteEligibilityTweetFields": false,
		"withVoice":                              true,
		"withV2Timeline":                         true,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	params, err := graphqlParams(variables, timelineFeatures)
	if err != nil {
		return nil, "", err
	}
	var envelope struct {
		Data struct {
			User struct {
				Result struct {
					Timeline struct {
						Timeline struct {
							Instructions []instruction `json:"instructions"`
						} `json:"timeline"`
					} `json:"timeline"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, "user_tweets", ep, params, headers(cred), &envelope); err != nil {
		return nil, "", fmt.Errorf("op=twitter.user_tweets: %w", err)
	}
	tweets, nextCursor := walkTweetInstructions(envelope.Data.User.Result.Timeline.Timeline.Instructions, username)
	return tweets, nextCursor, nil
}

// fetchUserFollowingsPage fetches one page of a followings timeline.
func (f *Fetcher) fetchUserFollowingsPage(ctx context.Context, cred *domain.Credential, uid string, count int, cursor string) ([]domain.UserRecord, string, error) {
	ep, err := f.endpoint("followings")
	if err != nil {
		return nil, "", err
	}
	variables := map[string]any{
		"userId":                 uid,
		"count":                  count,
		"includePromotedContent": false,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	params, err := graphqlParams(variables, timelineFeatures)
	if err != nil {
		return nil, "", err
	}
	var envelope struct {
		Data struct {
			User struct {
				Result struct {
					Timeline struct {
						Timeline struct {
							Instructions []instruction `json:"instructions"`
						} `json:"timeline"`
					} `json:"timeline"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, "followings", ep, params, headers(cred), &envelope); err != nil {
		return nil, "", fmt.Errorf("op=twitter.followings: %w", err)
	}
	users, nextCursor := walkUserInstructions(envelope.Data.User.Result.Timeline.Timeline.Instructions)
	return users, nextCursor, nil
}
