package twitter

import (
	"strconv"
	"strings"

	"github.com/novafoundry/fetcher/internal/domain"
	"github.com/novafoundry/fetcher/pkg/textx"
)

// The GraphQL surface wraps every timeline in an instruction list.
// Only a handful of instruction types and entry-id prefixes carry
// records; everything else is skipped.
const (
	instructionAddEntries   = "TimelineAddEntries"
	instructionPinEntry     = "TimelinePinEntry"
	instructionReplaceEntry = "TimelineReplaceEntry"

	entryPrefixTweet        = "tweet-"
	entryPrefixUser         = "user-"
	entryPrefixConversation = "profile-conversation-"
	entryPrefixCursorBottom = "cursor-bottom-"
	entrySimilarModule      = "similartomodule-1"
)

type instruction struct {
	Type    string  `json:"type"`
	Entry   *entry  `json:"entry,omitempty"`
	Entries []entry `json:"entries,omitempty"`
}

type entry struct {
	EntryID string       `json:"entryId"`
	Content entryContent `json:"content"`
}

type entryContent struct {
	// Value carries the cursor on cursor-bottom- entries.
	Value       string       `json:"value"`
	Items       []moduleItem `json:"items"`
	ItemContent *itemContent `json:"itemContent"`
}

type moduleItem struct {
	Item struct {
		ItemContent itemContent `json:"itemContent"`
	} `json:"item"`
}

type itemContent struct {
	TweetResults struct {
		Result tweetResult `json:"result"`
	} `json:"tweet_results"`
	UserResults struct {
		Result userResult `json:"result"`
	} `json:"user_results"`
}

type userResult struct {
	RestID         string `json:"rest_id"`
	IsBlueVerified bool   `json:"is_blue_verified"`
	Core           struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"core"`
	Location struct {
		Location string `json:"location"`
	} `json:"location"`
	Legacy legacyUser `json:"legacy"`
}

type legacyUser struct {
	ScreenName     string `json:"screen_name"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	Verified       bool   `json:"verified"`
	FollowersCount int    `json:"followers_count"`
	FriendsCount   int    `json:"friends_count"`
	StatusesCount  int    `json:"statuses_count"`
}

type tweetResult struct {
	RestID   string      `json:"rest_id"`
	TypeName string      `json:"__typename"`
	Legacy   legacyTweet `json:"legacy"`
	Views    struct {
		Count string `json:"count"`
	} `json:"views"`
	Core struct {
		UserResults struct {
			Result userResult `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
}

type legacyTweet struct {
	FullText      string `json:"full_text"`
	CreatedAt     string `json:"created_at"`
	FavoriteCount int    `json:"favorite_count"`
	RetweetCount  int    `json:"retweet_count"`
	ReplyCount    int    `json:"reply_count"`
	QuoteCount    int    `json:"quote_count"`
	IsRetweet     bool   `json:"is_retweet"`
}

// empty reports whether the envelope entry carried no user record.
func (u *userResult) empty() bool { return u.RestID == "" && u.Legacy.ScreenName == "" }

// screenName prefers the new core block, falling back to legacy.
func (u *userResult) screenName() string {
	if u.Core.ScreenName != "" {
		return u.Core.ScreenName
	}
	return u.Legacy.ScreenName
}

func (u *userResult) displayName() string {
	if u.Core.Name != "" {
		return u.Core.Name
	}
	return u.Legacy.Name
}

// userRecord converts an envelope user into the platform-agnostic shape.
func (u *userResult) userRecord() domain.UserRecord {
	username := u.screenName()
	bio := u.Legacy.Description
	location := u.Location.Location
	if location == "" {
		location = u.Legacy.Location
	}
	return domain.UserRecord{
		Platform:       domain.PlatformTwitter,
		UID:            u.RestID,
		Username:       username,
		Nickname:       u.displayName(),
		IsVerified:     u.IsBlueVerified || u.Legacy.Verified,
		Bio:            bio,
		Location:       location,
		URL:            domain.PlatformTwitter.Host() + "/" + username,
		FollowersCount: u.Legacy.FollowersCount,
		FollowingCount: u.Legacy.FriendsCount,
		PostCount:      u.Legacy.StatusesCount,
		EmailInBio:     textx.ExtractEmail(bio),
	}
}

// tweet converts an envelope tweet, skipping retweets and anything
// that is not a plain Tweet typename. ok=false means skip the entry.
func (t *tweetResult) tweet(username string) (domain.Tweet, bool) {
	if t.RestID == "" || t.TypeName != "Tweet" {
		return domain.Tweet{}, false
	}
	if t.Legacy.IsRetweet {
		return domain.Tweet{}, false
	}
	views, _ := strconv.Atoi(t.Views.Count)
	return domain.Tweet{
		ID:            t.RestID,
		Text:          t.Legacy.FullText,
		CreatedAt:     t.Legacy.CreatedAt,
		FavoriteCount: t.Legacy.FavoriteCount,
		RetweetCount:  t.Legacy.RetweetCount,
		ReplyCount:    t.Legacy.ReplyCount,
		QuoteCount:    t.Legacy.QuoteCount,
		ViewsCount:    views,
		URL:           domain.PlatformTwitter.Host() + "/" + username + "/status/" + t.RestID,
	}, true
}

// walkTweetInstructions extracts tweets and the bottom cursor from a
// user-timeline instruction list. Pinned tweets come from
// TimelinePinEntry; conversation modules contribute their first item.
func walkTweetInstructions(instructions []instruction, username string) (tweets []domain.Tweet, nextCursor string) {
	for _, ins := range instructions {
		switch ins.Type {
		case instructionPinEntry:
			if ins.Entry == nil || ins.Entry.Content.ItemContent == nil {
				continue
			}
			if tw, ok := ins.Entry.Content.ItemContent.TweetResults.Result.tweet(username); ok {
				tw.IsPinned = true
				tweets = append(tweets, tw)
			}
		case instructionAddEntries:
			for _, e := range ins.Entries {
				switch {
				case strings.HasPrefix(e.EntryID, entryPrefixTweet):
					if e.Content.ItemContent == nil {
						continue
					}
					if tw, ok := e.Content.ItemContent.TweetResults.Result.tweet(username); ok {
						tweets = append(tweets, tw)
					}
				case strings.HasPrefix(e.EntryID, entryPrefixConversation):
					// Self-reply thread: keep the original tweet only.
					if len(e.Content.Items) == 0 {
						continue
					}
					if tw, ok := e.Content.Items[0].Item.ItemContent.TweetResults.Result.tweet(username); ok {
						tweets = append(tweets, tw)
					}
				case strings.HasPrefix(e.EntryID, entryPrefixCursorBottom):
					nextCursor = e.Content.Value
				}
			}
		}
	}
	return tweets, nextCursor
}

// walkUserInstructions extracts user records (from user- entries) and
// the bottom cursor from a followings-style instruction list.
func walkUserInstructions(instructions []instruction) (users []domain.UserRecord, nextCursor string) {
	for _, ins := range instructions {
		if ins.Type != instructionAddEntries {
			continue
		}
		for _, e := range ins.Entries {
			switch {
			case strings.HasPrefix(e.EntryID, entryPrefixUser):
				if e.Content.ItemContent == nil {
					continue
				}
				u := e.Content.ItemContent.UserResults.Result
				if u.empty() {
					continue
				}
				users = append(users, u.userRecord())
			case strings.HasPrefix(e.EntryID, entryPrefixCursorBottom):
				nextCursor = e.Content.Value
			}
		}
	}
	return users, nextCursor
}
