package worker

import (
	"context"
	"fmt"

	"github.com/novafoundry/fetcher/internal/adapter/queue/redpanda"
	"github.com/novafoundry/fetcher/internal/aggregator"
	"github.com/novafoundry/fetcher/internal/config"
	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/internal/fetcher"
	"github.com/novafoundry/fetcher/internal/fetcher/instagram"
	"github.com/novafoundry/fetcher/internal/fetcher/tiktok"
	"github.com/novafoundry/fetcher/internal/fetcher/twitter"
	"github.com/novafoundry/fetcher/internal/service/credpool"
	"github.com/novafoundry/fetcher/internal/service/ratelimiter"
)

// normalLeaseCount is how many normal-tier credentials a task leases
// for timeline and search traffic.
const normalLeaseCount = 10

// Deps aggregates everything the task handlers need.
type Deps struct {
	Cfg       config.Config
	Client    *fetcher.Client
	Limiter   ratelimiter.Limiter
	Admin     domain.AdminService
	Twitter   *twitter.Fetcher
	Instagram *instagram.Fetcher
	TikTok    *tiktok.Fetcher
}

// NewDeps builds the strategy set from configuration.
func NewDeps(cfg config.Config, client *fetcher.Client, limiter ratelimiter.Limiter, admin domain.AdminService) *Deps {
	return &Deps{
		Cfg:       cfg,
		Client:    client,
		Limiter:   limiter,
		Admin:     admin,
		Twitter:   twitter.New(cfg.File.Twitter, client, limiter),
		Instagram: instagram.New(cfg.File.Instagram, client, limiter),
		TikTok:    tiktok.New(cfg.File.TikTok, client, limiter),
	}
}

// Register binds every platform+action handler onto the consumer.
func (d *Deps) Register(c *redpanda.Consumer) {
	c.Register(domain.PlatformTwitter, domain.ActionSimilar, redpanda.HandlerFunc(d.twitterSimilar))
	c.Register(domain.PlatformTwitter, domain.ActionSearch, redpanda.HandlerFunc(d.twitterSearch))
	c.Register(domain.PlatformInstagram, domain.ActionSimilar, redpanda.HandlerFunc(d.instagramSimilar))
	c.Register(domain.PlatformInstagram, domain.ActionSearch, redpanda.HandlerFunc(d.instagramSearch))
	c.Register(domain.PlatformTikTok, domain.ActionSimilar, redpanda.HandlerFunc(d.tiktokSimilar))
	c.Register(domain.PlatformTikTok, domain.ActionSearch, redpanda.HandlerFunc(d.tiktokSearch))
}

// twitterSimilar runs the full aggregation pipeline on Twitter.
func (d *Deps) twitterSimilar(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SimilarParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	mgr := credpool.NewManager(d.Admin, domain.PlatformTwitter)
	defer mgr.ReleaseAll(context.WithoutCancel(ctx))

	normal, err := mgr.Lease(ctx, domain.ClassNormal, normalLeaseCount)
	if err != nil {
		return nil, fmt.Errorf("op=worker.twitter_similar: %w", err)
	}
	main, err := mgr.LeaseMainWithFallback(ctx, 1, normal)
	if err != nil {
		return nil, fmt.Errorf("op=worker.twitter_similar: %w", err)
	}

	tweets, err := d.Twitter.TweetSourceFor(d.Cfg.File.Twitter.TweetsChannel, normal)
	if err != nil {
		return nil, err
	}
	followings, err := d.Twitter.TweetSourceFor(d.Cfg.File.Twitter.FollowingsChannel, normal)
	if err != nil {
		return nil, err
	}

	ops := &twitterOps{f: d.Twitter, main: main, normal: normal, tweets: tweets, followings: followings}
	agg := aggregator.New(ops, d.Client.PoliteDelay)
	return agg.Run(ctx, aggregator.Params{
		Username:           p.Username,
		UID:                p.UID,
		Count:              p.Count,
		Follows:            p.Follows,
		AvgViews:           p.AvgViews,
		SecondLevelParents: d.Cfg.File.Twitter.SecondLevelParents,
		EnableTagSearch:    true,
	})
}

// twitterSearch paginates the search timeline under the normal pool,
// enriching admitted users with their tweet view average.
func (d *Deps) twitterSearch(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SearchParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	mgr := credpool.NewManager(d.Admin, domain.PlatformTwitter)
	defer mgr.ReleaseAll(context.WithoutCancel(ctx))

	normal, err := mgr.Lease(ctx, domain.ClassNormal, normalLeaseCount)
	if err != nil {
		return nil, fmt.Errorf("op=worker.twitter_search: %w", err)
	}
	users, err := d.Twitter.FindUsersBySearch(ctx, normal, p.Query, p.Count)
	if err != nil {
		return nil, err
	}
	users = applyFollows(users, p.Follows, p.Count)

	tweets, err := d.Twitter.TweetSourceFor(d.Cfg.File.Twitter.TweetsChannel, normal)
	if err != nil {
		return nil, err
	}
	ops := &twitterOps{f: d.Twitter, normal: normal, tweets: tweets}
	for i := range users {
		avg, err := ops.RecentEngagement(ctx, &users[i])
		if err != nil {
			continue
		}
		users[i].AvgViews = avg
	}
	return users, nil
}

// instagramSimilar runs the aggregation pipeline on Instagram.
func (d *Deps) instagramSimilar(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SimilarParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	mgr := credpool.NewManager(d.Admin, domain.PlatformInstagram)
	defer mgr.ReleaseAll(context.WithoutCancel(ctx))

	pool, err := mgr.Lease(ctx, domain.ClassAny, 1)
	if err != nil {
		return nil, fmt.Errorf("op=worker.instagram_similar: %w", err)
	}

	ops := &instagramOps{f: d.Instagram, pool: pool}
	agg := aggregator.New(ops, d.Client.PoliteDelay)
	return agg.Run(ctx, aggregator.Params{
		Username: p.Username,
		UID:      p.UID,
		Count:    p.Count,
		Follows:  p.Follows,
		AvgViews: p.AvgViews,
	})
}

// instagramSearch paginates the serp, enriching admitted users with
// their reel play average.
func (d *Deps) instagramSearch(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SearchParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	mgr := credpool.NewManager(d.Admin, domain.PlatformInstagram)
	defer mgr.ReleaseAll(context.WithoutCancel(ctx))

	pool, err := mgr.Lease(ctx, domain.ClassAny, 1)
	if err != nil {
		return nil, fmt.Errorf("op=worker.instagram_search: %w", err)
	}
	users, err := d.Instagram.FindUsersBySearch(ctx, pool, p.Query, p.Count)
	if err != nil {
		return nil, err
	}
	users = applyFollows(users, p.Follows, p.Count)

	ops := &instagramOps{f: d.Instagram, pool: pool}
	for i := range users {
		avg, err := ops.RecentEngagement(ctx, &users[i])
		if err != nil {
			continue
		}
		users[i].AvgViews = avg
	}
	return users, nil
}

// tiktokSimilar runs the aggregation pipeline on TikTok.
func (d *Deps) tiktokSimilar(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SimilarParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	ops := &tiktokOps{f: d.TikTok}
	agg := aggregator.New(ops, d.Client.PoliteDelay)
	return agg.Run(ctx, aggregator.Params{
		Username: p.Username,
		UID:      p.UID,
		Count:    p.Count,
		Follows:  p.Follows,
		AvgViews: p.AvgViews,
	})
}

// tiktokSearch hydrates the search endpoint's user list.
func (d *Deps) tiktokSearch(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	p, err := domain.SearchParamsFrom(payload.Params)
	if err != nil {
		return nil, err
	}
	users, err := d.TikTok.FindUsersBySearch(ctx, p.Query, p.Count)
	if err != nil {
		return nil, err
	}
	return applyFollows(users, p.Follows, p.Count), nil
}

// applyFollows filters by follower bounds and truncates to count.
func applyFollows(users []domain.UserRecord, f *domain.FollowsFilter, count int) []domain.UserRecord {
	out := make([]domain.UserRecord, 0, len(users))
	for _, u := range users {
		if !f.Admit(u.FollowersCount) {
			continue
		}
		out = append(out, u)
		if len(out) >= count {
			break
		}
	}
	return out
}
