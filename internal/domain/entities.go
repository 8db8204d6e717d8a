// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConfig           = errors.New("config error")
	ErrRateLimited      = errors.New("rate limited")
	ErrAccountSuspended = errors.New("account suspended")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamInvalid  = errors.New("upstream envelope invalid")
	ErrNoCredentials    = errors.New("no credentials available")
	ErrInternal         = errors.New("internal error")
)

// Platform enumerates the supported upstream platforms.
type Platform string

// Supported platforms.
const (
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
)

// Valid reports whether p names a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitter, PlatformInstagram, PlatformTikTok:
		return true
	}
	return false
}

// Host returns the public web host for the platform, used to build
// canonical profile URLs.
func (p Platform) Host() string {
	switch p {
	case PlatformTwitter:
		return "https://x.com"
	case PlatformInstagram:
		return "https://www.instagram.com"
	case PlatformTikTok:
		return "https://www.tiktok.com"
	}
	return ""
}

// Action enumerates the fetch actions a task can carry.
type Action string

// Supported actions.
const (
	ActionSimilar Action = "similar"
	ActionSearch  Action = "search"
)

// Valid reports whether a names a supported action.
func (a Action) Valid() bool { return a == ActionSimilar || a == ActionSearch }

// TaskStatus captures the lifecycle state of a fetch task.
// Transitions are pending → running → {completed, failed}; backward
// transitions are forbidden. Running is an in-flight marker written
// best-effort by the worker.
type TaskStatus string

// Task status values.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// FetchTask is the durable work record for one intake request.
type FetchTask struct {
	// ID is the surrogate primary key assigned by the task log.
	ID int64
	// TaskID is the 32-char hex digest that uniquely names the task.
	TaskID string
	// Platform and Action select the handler on the worker side.
	Platform Platform
	Action   Action
	// Params carries the action-specific inputs as an opaque map.
	Params map[string]any
	// Status is the current lifecycle state.
	Status TaskStatus
	// Result is the candidate list on success; nil otherwise.
	Result []UserRecord
	// Error is the failure reason; empty otherwise.
	Error string
	// CreatedAt is assigned on insertion and immutable.
	CreatedAt time.Time
}

// CandidateSource tags where a similar-user candidate was collected from.
type CandidateSource string

// Candidate sources, in collection order.
const (
	SourceFirstLevel  CandidateSource = "first_level"
	SourceSecondLevel CandidateSource = "second_level"
	SourceFollowings  CandidateSource = "followings"
	SourceTagSearch   CandidateSource = "tag_search"
)

// Weight returns the multiplicative scoring factor for the source.
func (s CandidateSource) Weight() float64 {
	switch s {
	case SourceFirstLevel:
		return 1.0
	case SourceSecondLevel:
		return 0.5
	case SourceFollowings:
		return 0.3
	case SourceTagSearch:
		return 0.2
	}
	return 0
}

// UserRecord is the platform-agnostic candidate representation.
type UserRecord struct {
	Platform Platform `json:"platform"`
	// UID is the platform-scoped stable identifier.
	UID      string `json:"uid"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	// SecUID is TikTok's secondary id needed by the followings API.
	SecUID     string `json:"sec_uid,omitempty"`
	IsVerified bool   `json:"is_verified"`
	Bio        string `json:"bio"`
	Location   string `json:"location,omitempty"`
	URL        string `json:"url"`

	FollowersCount int `json:"followers_count"`
	FollowingCount int `json:"following_count"`
	// PostCount counts tweets on Twitter and posts/videos elsewhere.
	PostCount int `json:"post_count"`

	// EmailInBio is the first email-shaped match in Bio, empty if none.
	EmailInBio string `json:"email_in_bio"`
	// AvgViews is the trimmed average of the last 10 non-pinned
	// tweets (Twitter) or reels (Instagram). Nil when never computed.
	AvgViews *int `json:"avg_views_last_10,omitempty"`

	// Ranking-internal fields, populated by the aggregator only.
	Source CandidateSource `json:"source,omitempty"`
	Score  float64         `json:"score,omitempty"`
}

// Tweet is the minimal engagement record used for average-view math.
type Tweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	CreatedAt     string `json:"created_at"`
	FavoriteCount int    `json:"favorite_count"`
	RetweetCount  int    `json:"retweet_count"`
	ReplyCount    int    `json:"reply_count"`
	QuoteCount    int    `json:"quote_count"`
	ViewsCount    int    `json:"views_count"`
	IsPinned      bool   `json:"is_pinned"`
	URL           string `json:"url"`
}

// Reel is the Instagram counterpart of Tweet.
type Reel struct {
	ID           string `json:"id"`
	Shortcode    string `json:"shortcode"`
	LikeCount    int    `json:"like_count"`
	CommentCount int    `json:"comment_count"`
	PlayCount    int    `json:"play_count"`
	IsPinned     bool   `json:"is_pinned"`
	URL          string `json:"url"`
}

// AccountClass is the qualitative tier of a leased upstream account.
type AccountClass string

// Account classes. ClassAny asks the admin service for any tier.
const (
	ClassMain   AccountClass = "main"
	ClassNormal AccountClass = "normal"
	ClassAny    AccountClass = ""
)

// Cooldown returns the minimum interval between successive uses of a
// credential of this class by one process.
func (c AccountClass) Cooldown() time.Duration {
	if c == ClassNormal {
		return 60 * time.Second
	}
	return 5 * time.Second
}

// Account status values reported back to the admin credential service.
const (
	AccountSuspended = "suspended"
	AccountDisabled  = "disabled"
)

// Credential is one upstream account leased from the admin service.
// Headers is opaque: authorization, csrf token, cookie, and the
// optional client-transaction token, keyed as the platform expects.
type Credential struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Headers  map[string]string `json:"headers"`
	Class    AccountClass      `json:"account_type"`

	// Client-side lease state, never serialized.
	LastUsedAt time.Time `json:"-"`
	Strikes    int       `json:"-"`
}

// FollowsFilter bounds candidate follower counts; nil bound = open.
type FollowsFilter struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// Admit reports whether n satisfies the filter.
func (f *FollowsFilter) Admit(n int) bool {
	if f == nil {
		return true
	}
	if f.Min != nil && n < *f.Min {
		return false
	}
	if f.Max != nil && n > *f.Max {
		return false
	}
	return true
}

// ViewsFilter bounds the average-view metric. A candidate whose
// average was never computed passes only when no bound is set.
type ViewsFilter struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// Admit reports whether the (possibly absent) average passes.
func (f *ViewsFilter) Admit(avg *int) bool {
	if f == nil || (f.Min == nil && f.Max == nil) {
		return true
	}
	if avg == nil {
		return false
	}
	if f.Min != nil && *avg < *f.Min {
		return false
	}
	if f.Max != nil && *avg > *f.Max {
		return false
	}
	return true
}

// FetchTaskPayload is the work item handed to the background worker.
type FetchTaskPayload struct {
	TaskID   string         `json:"task_id"`
	Platform Platform       `json:"platform"`
	Action   Action         `json:"action"`
	Params   map[string]any `json:"params"`
}

// UpstreamError carries the HTTP-ish status and message a strategy
// observed; callers use the code to decide whether to rotate
// credentials, degrade, or abort.
type UpstreamError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream %d: %s", e.Code, e.Message) }

// Unwrap maps well-known codes onto the sentinel taxonomy.
func (e *UpstreamError) Unwrap() error {
	switch e.Code {
	case 403:
		return ErrAccountSuspended
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimited
	case 408, 504:
		return ErrUpstreamTimeout
	}
	return nil
}

// Upstream builds an UpstreamError.
func Upstream(code int, msg string) *UpstreamError { return &UpstreamError{Code: code, Message: msg} }

// UpstreamCode extracts the HTTP code from an error chain, 0 if none.
func UpstreamCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return 0
}

// Repositories and transports (ports)

// TaskRepository persists and loads fetch tasks.
type TaskRepository interface {
	// Create inserts a new task row.
	Create(ctx Context, t FetchTask) error
	// UpdateStatus writes a status transition with optional result and error.
	UpdateStatus(ctx Context, taskID string, status TaskStatus, result []UserRecord, errMsg string) error
	// Get loads a task by its public task id.
	Get(ctx Context, taskID string) (FetchTask, error)
	// Count returns the total number of tasks (readiness probe).
	Count(ctx Context) (int64, error)
}

// Queue enqueues fetch work items.
type Queue interface {
	// EnqueueFetch publishes one work item for a pending task.
	EnqueueFetch(ctx Context, payload FetchTaskPayload) error
}

// AdminService is the external credential admin collaborator.
type AdminService interface {
	// LockAccounts leases up to count credentials of the given class.
	LockAccounts(ctx Context, platform Platform, class AccountClass, count int) ([]Credential, error)
	// UnlockAccounts releases leased credentials; delaySeconds keeps
	// them out of circulation server-side before the next leaser.
	UnlockAccounts(ctx Context, platform Platform, ids []string, delaySeconds int) error
	// UpdateAccountStatus reports a suspended or disabled credential.
	UpdateAccountStatus(ctx Context, platform Platform, id, username, status string) error
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
