// Package worker wires the per-platform fetch strategies, credential
// pools, and the similar-user aggregator into queue task handlers.
package worker

import (
	"context"

	"github.com/novafoundry/fetcher/internal/aggregator"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/fetcher/instagram"
	"github.com/novafoundry/fetcher/internal/fetcher/tiktok"
	"github.com/novafoundry/fetcher/internal/fetcher/twitter"
	"github.com/novafoundry/fetcher/internal/service/credpool"
)

// engagementPageSize is how many recent items one admission fetch asks for.
const engagementPageSize = 20

// twitterOps adapts the Twitter fetcher to the aggregator surface.
// Quota-sensitive calls draw from the main pool; timeline and search
// calls draw from the normal pool.
type twitterOps struct {
	f          *twitter.Fetcher
	main       *credpool.Pool
	normal     *credpool.Pool
	tweets     twitter.TweetSource
	followings twitter.TweetSource
}

func (o *twitterOps) ResolveUser(ctx context.Context, username string) (domain.UserRecord, error) {
	cred, err := o.main.Next(ctx)
	if err != nil {
		return domain.UserRecord{}, err
	}
	u, err := o.f.FetchUserProfile(ctx, cred, username)
	o.main.RecordResult(ctx, cred, domain.UpstreamCode(err))
	return u, err
}

func (o *twitterOps) SimilarUsers(ctx context.Context, uid, _ string) ([]domain.UserRecord, error) {
	cred, err := o.main.Next(ctx)
	if err != nil {
		return nil, err
	}
	users, err := o.f.FindSimilarUsersByUID(ctx, cred, uid)
	o.main.RecordResult(ctx, cred, domain.UpstreamCode(err))
	return users, err
}

func (o *twitterOps) Followings(ctx context.Context, uid, username string, size int) ([]domain.UserRecord, error) {
	return o.followings.FetchUserFollowings(ctx, uid, username, 1, size)
}

func (o *twitterOps) SearchByTag(ctx context.Context, tag string, count int) ([]domain.UserRecord, error) {
	return o.f.FindUsersBySearch(ctx, o.normal, tag, count)
}

func (o *twitterOps) RecentEngagement(ctx context.Context, candidate *domain.UserRecord) (*int, error) {
	tweets, err := o.tweets.FetchUserTweets(ctx, candidate.UID, candidate.Username, 1, engagementPageSize)
	if err != nil {
		return nil, err
	}
	avg, ok := fetcher.AverageViews(fetcher.TweetViews(tweets))
	if !ok {
		return nil, nil
	}
	return &avg, nil
}

// instagramOps adapts the Instagram fetcher. One leased account
// serves every call; followings and tag search are unsupported on
// this platform and degrade to empty.
type instagramOps struct {
	f    *instagram.Fetcher
	pool *credpool.Pool
}

func (o *instagramOps) ResolveUser(ctx context.Context, username string) (domain.UserRecord, error) {
	uid, err := o.f.ResolveUserID(ctx, username)
	if err != nil {
		return domain.UserRecord{}, err
	}
	cred, err := o.pool.Next(ctx)
	if err != nil {
		return domain.UserRecord{}, err
	}
	u, err := o.f.FetchUserProfile(ctx, o.pool, cred, uid)
	o.pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
	return u, err
}

func (o *instagramOps) SimilarUsers(ctx context.Context, uid, _ string) ([]domain.UserRecord, error) {
	cred, err := o.pool.Next(ctx)
	if err != nil {
		return nil, err
	}
	users, err := o.f.FindSimilarUsersByUID(ctx, o.pool, cred, uid)
	o.pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
	return users, err
}

func (o *instagramOps) Followings(_ context.Context, _, _ string, _ int) ([]domain.UserRecord, error) {
	return nil, nil
}

func (o *instagramOps) SearchByTag(_ context.Context, _ string, _ int) ([]domain.UserRecord, error) {
	return nil, nil
}

func (o *instagramOps) RecentEngagement(ctx context.Context, candidate *domain.UserRecord) (*int, error) {
	cred, err := o.pool.Next(ctx)
	if err != nil {
		return nil, err
	}
	reels, err := o.f.FetchUserReels(ctx, o.pool, cred, candidate.UID, 15)
	o.pool.RecordResult(ctx, cred, domain.UpstreamCode(err))
	if err != nil {
		return nil, err
	}
	avg, ok := fetcher.AverageViews(fetcher.ReelPlays(reels))
	if !ok {
		return nil, nil
	}
	return &avg, nil
}

// tiktokOps adapts the TikTok fetcher. The platform's public surface
// needs no leased credentials; engagement averages are unavailable.
type tiktokOps struct {
	f *tiktok.Fetcher
}

func (o *tiktokOps) ResolveUser(ctx context.Context, username string) (domain.UserRecord, error) {
	return o.f.FetchUserProfile(ctx, username)
}

func (o *tiktokOps) SimilarUsers(ctx context.Context, _, username string) ([]domain.UserRecord, error) {
	return o.f.FindSimilarUsers(ctx, username, 20)
}

func (o *tiktokOps) Followings(ctx context.Context, _, username string, size int) ([]domain.UserRecord, error) {
	return o.f.FetchUserFollowings(ctx, username, "", 1, size)
}

func (o *tiktokOps) SearchByTag(_ context.Context, _ string, _ int) ([]domain.UserRecord, error) {
	return nil, nil
}

func (o *tiktokOps) RecentEngagement(_ context.Context, _ *domain.UserRecord) (*int, error) {
	return nil, nil
}

var (
	_ aggregator.Ops = (*twitterOps)(nil)
	_ aggregator.Ops = (*instagramOps)(nil)
	_ aggregator.Ops = (*tiktokOps)(nil)
)
