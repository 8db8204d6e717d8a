// Package aggregator orchestrates multi-source similar-user
// collection: first-degree suggestions, second-degree fan-out,
// followings, and optional tag search, followed by deduplication,
// weighted scoring, filtering, and truncation.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/pkg/textx"
)

// followingsPageSize is the single followings page the aggregator pulls.
const followingsPageSize = 70

// tagSearchTags caps how many dominant bio hashtags feed tag search.
const tagSearchTags = 3

// tagSearchPerTag caps candidates requested per hashtag.
const tagSearchPerTag = 20

// Ops is the platform capability surface the aggregator drives. A
// platform that cannot serve an operation returns ErrNotFound or an
// empty list; the aggregator degrades and continues.
type Ops interface {
	// ResolveUser resolves a username to its uid and seed profile.
	ResolveUser(ctx context.Context, username string) (domain.UserRecord, error)
	// SimilarUsers returns the platform's direct suggestions for uid.
	SimilarUsers(ctx context.Context, uid, username string) ([]domain.UserRecord, error)
	// Followings returns one page of accounts uid follows.
	Followings(ctx context.Context, uid, username string, size int) ([]domain.UserRecord, error)
	// SearchByTag returns users matching a hashtag query.
	SearchByTag(ctx context.Context, tag string, count int) ([]domain.UserRecord, error)
	// RecentEngagement fetches one page of the candidate's recent
	// tweets or reels and returns the trimmed average view count,
	// nil when nothing could be fetched.
	RecentEngagement(ctx context.Context, candidate *domain.UserRecord) (*int, error)
}

// Params drives one aggregation run.
type Params struct {
	Username string
	UID      string
	Count    int
	Follows  *domain.FollowsFilter
	AvgViews *domain.ViewsFilter
	// SecondLevelParents caps the second-degree fan-out; zero means
	// the default of 20.
	SecondLevelParents int
	// EnableTagSearch turns on the optional hashtag source.
	EnableTagSearch bool
}

// Aggregator ranks similar-user candidates for one platform.
type Aggregator struct {
	ops    Ops
	scorer Scorer

	// jitter sleeps between second-degree siblings; injectable for tests.
	jitter func(ctx context.Context, min, max time.Duration) error
}

// New constructs an Aggregator with the default zero scorer.
func New(ops Ops, jitter func(ctx context.Context, min, max time.Duration) error) *Aggregator {
	return &Aggregator{ops: ops, scorer: ZeroScorer{}, jitter: jitter}
}

// WithScorer replaces the scoring hooks.
func (a *Aggregator) WithScorer(s Scorer) *Aggregator {
	a.scorer = s
	return a
}

// Run executes the full collection → dedup → score → filter pipeline.
// Partial source failures degrade; the run fails only when nothing
// was collected and at least one source reported an error.
func (a *Aggregator) Run(ctx context.Context, p Params) ([]domain.UserRecord, error) {
	if p.SecondLevelParents == 0 {
		p.SecondLevelParents = 20
	}

	seed := domain.UserRecord{Username: p.Username, UID: p.UID}
	if seed.UID == "" {
		resolved, err := a.ops.ResolveUser(ctx, p.Username)
		if err != nil {
			return nil, fmt.Errorf("op=aggregator.resolve: %w", err)
		}
		seed = resolved
	}

	var lastErr error

	// first_level: direct suggestions.
	first, err := a.ops.SimilarUsers(ctx, seed.UID, seed.Username)
	if err != nil {
		slog.Warn("first-level collection failed", slog.String("uid", seed.UID), slog.Any("error", err))
		lastErr = err
	}
	slog.Info("collected first-level candidates", slog.Int("count", len(first)))

	// second_level: sequential fan-out over the first parents, jittered
	// to stay under per-credential request rates.
	var second []domain.UserRecord
	parents := first
	if len(parents) > p.SecondLevelParents {
		parents = parents[:p.SecondLevelParents]
	}
	for i, parent := range parents {
		if parent.UID == "" {
			continue
		}
		users, err := a.ops.SimilarUsers(ctx, parent.UID, parent.Username)
		if err != nil {
			slog.Warn("second-level collection failed",
				slog.String("parent", parent.Username), slog.Any("error", err))
			lastErr = err
			continue
		}
		second = append(second, users...)
		if i < len(parents)-1 {
			if err := a.jitter(ctx, 500*time.Millisecond, 1500*time.Millisecond); err != nil {
				return nil, err
			}
		}
	}
	slog.Info("collected second-level candidates", slog.Int("count", len(second)))

	// followings: first page only.
	followings, err := a.ops.Followings(ctx, seed.UID, seed.Username, followingsPageSize)
	if err != nil {
		slog.Warn("followings collection failed", slog.String("uid", seed.UID), slog.Any("error", err))
		lastErr = err
	}

	// tag_search: optional, driven by the seed's dominant bio hashtags.
	var tagged []domain.UserRecord
	if p.EnableTagSearch {
		for _, tag := range textx.TopHashtags([]string{seed.Bio}, tagSearchTags) {
			users, err := a.ops.SearchByTag(ctx, "#"+tag, tagSearchPerTag)
			if err != nil {
				slog.Warn("tag search failed", slog.String("tag", tag), slog.Any("error", err))
				lastErr = err
				continue
			}
			tagged = append(tagged, users...)
		}
	}

	// Filter each source list before union, then dedup by uid keeping
	// the first-seen source. Collection order runs from the heaviest
	// source down, so the surviving tag preserves the highest weight.
	sources := []struct {
		tag   domain.CandidateSource
		users []domain.UserRecord
	}{
		{domain.SourceFirstLevel, first},
		{domain.SourceSecondLevel, second},
		{domain.SourceFollowings, followings},
		{domain.SourceTagSearch, tagged},
	}
	seen := map[string]struct{}{}
	var candidates []domain.UserRecord
	for _, src := range sources {
		for _, u := range src.users {
			if u.UID == "" || !p.Follows.Admit(u.FollowersCount) {
				continue
			}
			if _, dup := seen[u.UID]; dup {
				continue
			}
			seen[u.UID] = struct{}{}
			u.Source = src.tag
			candidates = append(candidates, u)
		}
	}

	if len(candidates) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("op=aggregator.run: no candidates collected: %w", lastErr)
		}
		return []domain.UserRecord{}, nil
	}

	// Score and rank. The sort is stable so equal scores keep the
	// defined collection order.
	for i := range candidates {
		candidates[i].Score = score(a.scorer, &seed, &candidates[i])
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	// Admission: walk the ranking, compute the engagement average per
	// candidate, and admit those passing the views filter until count.
	out := make([]domain.UserRecord, 0, p.Count)
	for i := range candidates {
		if len(out) >= p.Count {
			break
		}
		c := candidates[i]
		avg, err := a.ops.RecentEngagement(ctx, &c)
		if err != nil {
			slog.Warn("engagement fetch failed",
				slog.String("username", c.Username), slog.Any("error", err))
		}
		c.AvgViews = avg
		if !p.AvgViews.Admit(avg) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
