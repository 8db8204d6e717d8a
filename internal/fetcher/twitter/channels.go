package twitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/service/credpool"
)

// ChannelGraphQL is the in-band credentialled channel.
const ChannelGraphQL = "graphql"

// TweetSource serves the channel-switchable operations: tweet listing
// and followings. New channels extend the factory switch below.
type TweetSource interface {
	// FetchUserTweets returns up to pages×size tweets in publication
	// order, pinned first when the timeline pins one.
	FetchUserTweets(ctx context.Context, uid, username string, pages, size int) ([]domain.Tweet, error)
	// FetchUserFollowings returns up to pages×size followed accounts.
	FetchUserFollowings(ctx context.Context, uid, username string, pages, size int) ([]domain.UserRecord, error)
}

// TweetSourceFor returns the concrete strategy for a channel name.
// The graphql channel draws credentials from pool; external channels
// authenticate with their own API keys and ignore it.
func (f *Fetcher) TweetSourceFor(channel string, pool *credpool.Pool) (TweetSource, error) {
	switch channel {
	case ChannelGraphQL, "":
		return &graphqlSource{f: f, pool: pool}, nil
	case ChannelRapidTwitter241:
		cfg, ok := f.cfg.ThirdChannels[ChannelRapidTwitter241]
		if !ok {
			return nil, fmt.Errorf("op=twitter.channel: %w: channel %q not configured", domain.ErrConfig, channel)
		}
		return newRapidTwitter241(cfg, f.client, f.limiter), nil
	}
	return nil, fmt.Errorf("op=twitter.channel: %w: unknown channel %q", domain.ErrConfig, channel)
}

// graphqlSource serves tweets and followings through the in-band
// credentialled endpoints, rotating pool credentials per page.
type graphqlSource struct {
	f    *Fetcher
	pool *credpool.Pool
}

// FetchUserTweets implements TweetSource.
func (s *graphqlSource) FetchUserTweets(ctx context.Context, uid, username string, pages, size int) ([]domain.Tweet, error) {
	var all []domain.Tweet
	cursor := ""
	for page := 0; page < pages; page++ {
		cred, err := s.pool.Next(ctx)
		if err != nil {
			return all, err
		}
		tweets, nextCursor, err := s.f.fetchUserTweetsPage(ctx, cred, uid, username, size, cursor)
		s.pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
		if err != nil {
			if len(all) > 0 {
				slog.Warn("tweet pagination aborted with partial results",
					slog.String("uid", uid), slog.Int("collected", len(all)), slog.Any("error", err))
				return all, nil
			}
			return nil, err
		}
		all = append(all, tweets...)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if page < pages-1 {
			if err := s.f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}

// FetchUserFollowings implements TweetSource.
func (s *graphqlSource) FetchUserFollowings(ctx context.Context, uid, _ string, pages, size int) ([]domain.UserRecord, error) {
	var all []domain.UserRecord
	cursor := ""
	for page := 0; page < pages; page++ {
		cred, err := s.pool.Next(ctx)
		if err != nil {
			return all, err
		}
		users, nextCursor, err := s.f.fetchUserFollowingsPage(ctx, cred, uid, size, cursor)
		s.pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
		if err != nil {
			if len(all) > 0 {
				return all, nil
			}
			return nil, err
		}
		all = append(all, users...)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
		if page < pages-1 {
			if err := s.f.client.PoliteDelay(ctx, time.Second, 3*time.Second); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}
