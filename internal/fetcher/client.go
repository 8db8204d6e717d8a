// Package fetcher holds the wire plumbing shared by every platform
// strategy: the outbound HTTP client, user-agent rotation, polite
// delays, and engagement-average math.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/novafoundry/fetcher/internal/adapter/observability"
	"github.com/novafoundry/fetcher/internal/domain"
)

// callTimeout is the total budget for one outbound call.
const callTimeout = 30 * time.Second

// maxErrorBody caps how much of an upstream error body is logged.
const maxErrorBody = 2048

// Client is the shared outbound HTTP client. All platform strategies
// go through it so proxying, timeouts, UA rotation, and metrics stay
// uniform.
type Client struct {
	hc *http.Client

	// sleep and jitter are injectable for tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// Option customizes a Client.
type Option func(*Client)

// WithSleepFunc overrides the delay primitive. Tests use it to make
// polite delays instantaneous.
func WithSleepFunc(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient builds a Client, optionally routing through proxyURL.
func NewClient(proxyURL string, opts ...Option) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("op=fetcher.client: %w: proxy url: %v", domain.ErrConfig, err)
		}
		transport.Proxy = http.ProxyURL(u)
		slog.Info("outbound proxy enabled", slog.String("proxy", u.Redacted()))
	}
	c := &Client{
		hc: &http.Client{
			Timeout:   callTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Response is the observed result of one outbound call.
type Response struct {
	Status      int
	ContentType string
	// FinalURL is the URL after redirects; strategies check it for
	// platform suspension paths.
	FinalURL string
	Body     []byte
}

// IsJSON reports whether the response carries a JSON content type.
func (r *Response) IsJSON() bool { return strings.Contains(r.ContentType, "application/json") }

// RedirectedTo reports whether the final URL sits under prefix.
func (r *Response) RedirectedTo(prefix string) bool { return strings.HasPrefix(r.FinalURL, prefix) }

// Do performs one outbound call with per-request UA rotation. The
// platform and operation labels feed the upstream request metrics.
func (c *Client) Do(ctx context.Context, platform domain.Platform, operation, method, rawURL string, headers map[string]string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("op=fetcher.do: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent())
	}

	res, err := c.hc.Do(req)
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(string(platform), operation, "error").Inc()
		if ctx.Err() != nil || strings.Contains(err.Error(), "deadline exceeded") {
			return nil, fmt.Errorf("op=fetcher.do: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("op=fetcher.do: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(string(platform), operation, "error").Inc()
		return nil, fmt.Errorf("op=fetcher.do: read body: %w", err)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(string(platform), operation, strconv.Itoa(res.StatusCode)).Inc()

	return &Response{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		FinalURL:    res.Request.URL.String(),
		Body:        b,
	}, nil
}

// ErrorBody returns a truncated body string for error logs.
func (r *Response) ErrorBody() string {
	b := r.Body
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

// PoliteDelay sleeps a uniformly random duration in [min, max],
// honoring ctx cancellation. Strategies call it between successive
// upstream requests.
func (c *Client) PoliteDelay(ctx context.Context, min, max time.Duration) error {
	d := min + time.Duration(c.jitter()*float64(max-min))
	return c.sleep(ctx, d)
}

// AverageViews computes the admission metric from the view counts of
// the most recent non-pinned items, already in publication order.
// Up to 10 items are considered. With fewer than 3 the result is the
// plain mean; otherwise one maximum and one minimum are trimmed
// first. The result is rounded up; (0, false) means no items.
func AverageViews(views []int) (int, bool) {
	if len(views) == 0 {
		return 0, false
	}
	if len(views) > 10 {
		views = views[:10]
	}
	sample := make([]int, len(views))
	copy(sample, views)
	if len(sample) >= 3 {
		sort.Ints(sample)
		sample = sample[1 : len(sample)-1]
	}
	total := 0
	for _, v := range sample {
		total += v
	}
	return int(math.Ceil(float64(total) / float64(len(sample)))), true
}

// TweetViews extracts non-pinned view counts in publication order.
func TweetViews(tweets []domain.Tweet) []int {
	var views []int
	for _, t := range tweets {
		if t.IsPinned {
			continue
		}
		views = append(views, t.ViewsCount)
	}
	return views
}

// ReelPlays extracts non-pinned play counts in publication order.
func ReelPlays(reels []domain.Reel) []int {
	var plays []int
	for _, r := range reels {
		if r.IsPinned {
			continue
		}
		plays = append(plays, r.PlayCount)
	}
	return plays
}
