package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
)

// ChannelRapidTwitter241 is the external RapidAPI-backed channel.
const ChannelRapidTwitter241 = "rapid_twitter241"

// bucketRapidTwitter241 is this channel's rate-limit bucket.
const bucketRapidTwitter241 = "twitter:" + ChannelRapidTwitter241

// Per-page caps the provider enforces.
const (
	rapidMaxTweetPageSize     = 20
	rapidMaxFollowingPageSize = 70
)

// rapidTwitter241 serves tweets and followings through the external
// provider. It authenticates with API keys instead of leased
// credentials, so no cooldown or strike accounting applies.
type rapidTwitter241 struct {
	cfg     config.ChannelConfig
	client  *fetcher.Client
	limiter ratelimiter.Limiter
}

func newRapidTwitter241(cfg config.ChannelConfig, client *fetcher.Client, limiter ratelimiter.Limiter) *rapidTwitter241 {
	return &rapidTwitter241{cfg: cfg, client: client, limiter: limiter}
}

func (r *rapidTwitter241) headers() map[string]string {
	return map[string]string{
		"x-rapidapi-host": r.cfg.Host,
		"x-rapidapi-key":  r.cfg.Key,
	}
}

// rapidEnvelope is the provider's wrapper around the same timeline
// instruction shape the in-band surface uses.
type rapidEnvelope struct {
	Result struct {
		Timeline struct {
			Instructions []instruction `json:"instructions"`
		} `json:"timeline"`
	} `json:"result"`
}

func (r *rapidTwitter241) getJSON(ctx context.Context, operation, path string, params url.Values, out any) error {
	if err := r.limiter.Acquire(ctx, bucketRapidTwitter241); err != nil {
		return err
	}
	resp, err := r.client.Do(ctx, domain.PlatformTwitter, operation, http.MethodGet, r.cfg.URL+path+"?"+params.Encode(), r.headers(), nil)
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		slog.Error("rapid_twitter241 returned non-200",
			slog.String("operation", operation),
			slog.Int("status", resp.Status),
			slog.String("body", resp.ErrorBody()))
		return domain.Upstream(resp.Status, resp.ErrorBody())
	}
	if !resp.IsJSON() {
		return domain.Upstream(resp.Status, "content-type is not JSON: "+resp.ContentType)
	}
	if len(resp.Body) == 0 {
		return domain.Upstream(resp.Status, "empty response")
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("op=twitter.%s: %w: %v", operation, domain.ErrUpstreamInvalid, err)
	}
	return nil
}

// FetchUserTweets implements TweetSource.
func (r *rapidTwitter241) FetchUserTweets(ctx context.Context, uid, username string, pages, size int) ([]domain.Tweet, error) {
	if uid == "" {
		return nil, fmt.Errorf("op=twitter.rapid.user_tweets: %w: uid required", domain.ErrInvalidArgument)
	}
	if size > rapidMaxTweetPageSize {
		size = rapidMaxTweetPageSize
	}
	var all []domain.Tweet
	cursor := ""
	for page := 0; page < pages; page++ {
		params := url.Values{
			"user":  {uid},
			"count": {strconv.Itoa(size)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var envelope rapidEnvelope
		if err := r.getJSON(ctx, "rapid_user_tweets", "/user-tweets", params, &envelope); err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, fmt.Errorf("op=twitter.rapid.user_tweets: %w", err)
		}
		tweets, nextCursor := walkTweetInstructions(envelope.Result.Timeline.Instructions, username)
		all = append(all, tweets...)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if page < pages-1 {
			if err := r.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}

// FetchUserFollowings implements TweetSource.
func (r *rapidTwitter241) FetchUserFollowings(ctx context.Context, uid, _ string, pages, size int) ([]domain.UserRecord, error) {
	if uid == "" {
		return nil, fmt.Errorf("op=twitter.rapid.followings: %w: uid required", domain.ErrInvalidArgument)
	}
	if size > rapidMaxFollowingPageSize {
		size = rapidMaxFollowingPageSize
	}
	var all []domain.UserRecord
	cursor := ""
	for page := 0; page < pages; page++ {
		params := url.Values{
			"user":  {uid},
			"count": {strconv.Itoa(size)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var envelope rapidEnvelope
		if err := r.getJSON(ctx, "rapid_followings", "/followings", params, &envelope); err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, fmt.Errorf("op=twitter.rapid.followings: %w", err)
		}
		users, nextCursor := walkUserInstructions(envelope.Result.Timeline.Instructions)
		all = append(all, users...)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if page < pages-1 {
			if err := r.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}
