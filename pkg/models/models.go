// Package models defines the wire types shared by the dispatcher, pool
// and scrape worker.
package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Platform identifies a supported social platform.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTwitter   Platform = "twitter"
)

// ParsePlatform normalizes a caller-supplied platform name.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformInstagram:
		return PlatformInstagram, nil
	case PlatformLinkedIn:
		return PlatformLinkedIn, nil
	case PlatformTwitter:
		return PlatformTwitter, nil
	default:
		return "", fmt.Errorf("unknown platform: %q", s)
	}
}

// Code returns the two-letter code used in the session registry.
func (p Platform) Code() string {
	switch p {
	case PlatformInstagram:
		return "IG"
	case PlatformLinkedIn:
		return "LI"
	case PlatformTwitter:
		return "TW"
	default:
		return ""
	}
}

// PlatformFromCode resolves a registry code back to a platform.
func PlatformFromCode(code string) (Platform, error) {
	switch code {
	case "IG":
		return PlatformInstagram, nil
	case "LI":
		return PlatformLinkedIn, nil
	case "TW":
		return PlatformTwitter, nil
	default:
		return "", fmt.Errorf("unknown platform code: %q", code)
	}
}

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{PlatformInstagram, PlatformLinkedIn, PlatformTwitter}
}

var shortcodePattern = regexp.MustCompile(`instagram\.com/(?:p|reels?)/([A-Za-z0-9_-]+)`)
var bareShortcode = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)

// ShortcodeFromPostURL extracts the shortcode from an Instagram post,
// reel or reels URL. A bare shortcode passes through unchanged.
func ShortcodeFromPostURL(postURL string) (string, error) {
	if m := shortcodePattern.FindStringSubmatch(postURL); m != nil {
		return m[1], nil
	}
	if bareShortcode.MatchString(postURL) {
		return postURL, nil
	}
	return "", fmt.Errorf("could not extract shortcode from %q", postURL)
}

// Comment is one scraped comment or reply in the callback format.
type Comment struct {
	ID         string `json:"comment_id"`
	ParentID   string `json:"parent_comment_id,omitempty"`
	Type       string `json:"type"` // "comment" or "reply"
	Text       string `json:"text"`
	Username   string `json:"profile_username"`
	FullName   string `json:"profile_name,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	LikeCount  int    `json:"likes_count"`
	ReplyCount int    `json:"reply_count"`
	CommentURL string `json:"comment_url,omitempty"`
	PostURL    string `json:"post_url,omitempty"`
	CreatedAt  string `json:"commented_at,omitempty"`
}

// TriggerJobRequest is the webhook body accepted by the dispatcher.
type TriggerJobRequest struct {
	JobID       string `json:"job_id"`
	Platform    string `json:"platform"`
	PostURL     string `json:"post_url"`
	CallbackURL string `json:"callback_url"`
	RetryCount  int    `json:"retry_count"`
	NextCursor  string `json:"next_cursor,omitempty"`
}

// TriggerJobResponse is the 202 body returned on accepted jobs.
type TriggerJobResponse struct {
	TaskID             string `json:"task_id"`
	JobID              string `json:"job_id"`
	Platform           string `json:"platform"`
	RetryCount         int    `json:"retry_count"`
	ResumingFromCursor string `json:"resuming_from_cursor"`
}

// JobPayload is handed from the dispatcher to the scrape worker. All job
// state travels in the payload: worker invocations share no memory.
type JobPayload struct {
	JobID                string `json:"job_id"`
	Platform             string `json:"platform"`
	PostURL              string `json:"post_url"`
	Cookies              string `json:"cookies"`
	CSRFToken            string `json:"csrf_token"`
	CookieID             int64  `json:"cookie_id"`
	CookieUsername       string `json:"cookie_username,omitempty"`
	ExpectedCommentCount int    `json:"expected_comment_count"`
	RetryCount           int    `json:"retry_count"`
	NextCursor           string `json:"next_cursor,omitempty"`
	CallbackURL          string `json:"callback_url"`
	CookiesReleaseURL    string `json:"cookies_release_url"`
	TriggerJobURL        string `json:"trigger_job_url,omitempty"`
}

// CallbackPayload is posted to the job's callback URL. RetryLoop marks
// an interim signal: a retry is in flight and a later invocation will
// deliver the final result.
type CallbackPayload struct {
	JobID     string    `json:"job_id"`
	Success   bool      `json:"success"`
	RetryLoop bool      `json:"retry_loop,omitempty"`
	Error     string    `json:"error,omitempty"`
	Comments  []Comment `json:"comments"`
}

// ReleaseRequest is the body of POST /release-cookie. A nil Success
// means the caller omitted it and it defaults to true.
type ReleaseRequest struct {
	CookieID      int64  `json:"cookie_id"`
	CookieSuccess *bool  `json:"cookie_success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ReleasePayload is what the worker posts to the release URL.
type ReleasePayload struct {
	CookieID      int64  `json:"cookie_id"`
	CookieSuccess bool   `json:"cookie_success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// UpdateCookiesRequest refreshes a stored session blob.
type UpdateCookiesRequest struct {
	Platform string       `json:"platform"`
	Username string       `json:"username"`
	Cookies  []CookiePair `json:"cookies"`
}

// CookiePair is one name/value pair of a session blob on the wire.
type CookiePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
