// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"sort"
	"strings"
)

// emailRe matches the first email-shaped substring in free text.
var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// hashtagRe matches #word hashtags.
var hashtagRe = regexp.MustCompile(`#(\w+)`)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ExtractEmail returns the first email-shaped match in text, or "".
func ExtractEmail(text string) string {
	if text == "" {
		return ""
	}
	return emailRe.FindString(text)
}

// ExtractHashtags returns all hashtags in text without the # prefix.
func ExtractHashtags(text string) []string {
	if text == "" {
		return nil
	}
	matches := hashtagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	return tags
}

// TopHashtags counts hashtag frequency across texts and returns up to
// limit tags ordered by descending frequency. Ties keep first-seen order.
func TopHashtags(texts []string, limit int) []string {
	counts := map[string]int{}
	var order []string
	for _, t := range texts {
		for _, tag := range ExtractHashtags(t) {
			if _, seen := counts[tag]; !seen {
				order = append(order, tag)
			}
			counts[tag]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}
