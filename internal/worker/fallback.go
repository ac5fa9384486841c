package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// shortcodeAlphabet is the base64 variant Instagram uses to encode
// media ids into URL shortcodes.
const shortcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// hikerClient is the keyed fallback provider used once the cookie-based
// path has exhausted its retry tiers.
type hikerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     logger.Logger
}

func (h *hikerClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return errs.Newf(errs.ErrorTypeInternal, "build request: %v", err)
	}
	req.Header.Set("x-access-key", h.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Newf(errs.ErrorTypeNetwork, "fallback request: %v", err)
	}
	defer resp.Body.Close()

	if typed := errs.FromStatusCode(resp.StatusCode); typed != nil {
		return typed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Newf(errs.ErrorTypeNetwork, "read body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Newf(errs.ErrorTypeUnexpectedResponse, "decode body: %v", err)
	}
	return nil
}

// mediaID resolves a post URL to a numeric media id, falling back to a
// local base64 decode of the shortcode when the lookup fails.
func (h *hikerClient) mediaID(ctx context.Context, postURL string) (string, error) {
	var decoded struct {
		Pk json.Number `json:"pk"`
		ID string      `json:"id"`
	}

	err := h.get(ctx, "/v2/media/by/url", url.Values{"url": {postURL}}, &decoded)
	if err == nil {
		if decoded.Pk.String() != "" {
			return decoded.Pk.String(), nil
		}
		// ids arrive as "<pk>_<user_pk>"
		if decoded.ID != "" {
			return strings.SplitN(decoded.ID, "_", 2)[0], nil
		}
	}

	h.log.WithError(err).Warn("media lookup failed, decoding shortcode locally")

	shortcode, scErr := models.ShortcodeFromPostURL(postURL)
	if scErr != nil {
		if err != nil {
			return "", err
		}
		return "", scErr
	}
	return shortcodeToMediaID(shortcode)
}

// shortcodeToMediaID decodes a shortcode as a big-endian base64 number.
func shortcodeToMediaID(shortcode string) (string, error) {
	id := new(big.Int)
	base := big.NewInt(int64(len(shortcodeAlphabet)))
	for _, r := range shortcode {
		idx := strings.IndexRune(shortcodeAlphabet, r)
		if idx < 0 {
			return "", fmt.Errorf("invalid shortcode character %q", r)
		}
		id.Mul(id, base)
		id.Add(id, big.NewInt(int64(idx)))
	}
	return id.String(), nil
}

type hikerUser struct {
	Pk       json.Number `json:"pk"`
	Username string      `json:"username"`
	FullName string      `json:"full_name"`
}

type hikerComment struct {
	Pk                json.Number `json:"pk"`
	Text              string      `json:"text"`
	CreatedAt         int64       `json:"created_at"`
	LikeCount         int         `json:"comment_like_count"`
	ChildCommentCount int         `json:"child_comment_count"`
	User              hikerUser   `json:"user"`
}

// scrapeComments pages through the fallback comments endpoint and pulls
// replies for every comment that reports children.
func (h *hikerClient) scrapeComments(ctx context.Context, mediaID, postURL string, maxComments int) ([]models.Comment, error) {
	var out []models.Comment
	seen := make(map[string]struct{})
	pageID := ""

	for {
		var decoded struct {
			Response struct {
				Comments []hikerComment `json:"comments"`
			} `json:"response"`
			NextPageID string `json:"next_page_id"`
		}

		query := url.Values{"id": {mediaID}}
		if pageID != "" {
			query.Set("page_id", pageID)
		}
		if err := h.get(ctx, "/v2/media/comments", query, &decoded); err != nil {
			return out, err
		}

		newOnPage := 0
		for _, c := range decoded.Response.Comments {
			id := c.Pk.String()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			newOnPage++
			out = append(out, hikerToComment(c, "comment", "", postURL))

			if c.ChildCommentCount > 0 {
				replies, err := h.scrapeReplies(ctx, mediaID, id, postURL)
				if err != nil {
					return out, err
				}
				out = append(out, replies...)
			}
		}

		if maxComments > 0 && len(out) >= maxComments {
			return out, nil
		}
		if decoded.NextPageID == "" || decoded.NextPageID == pageID || newOnPage == 0 {
			return out, nil
		}
		pageID = decoded.NextPageID
	}
}

// scrapeReplies pages a comment's replies via min_id. The endpoint
// alternates between next_min_id and next_max_id; either continues the
// walk, and a repeated or absent token ends it.
func (h *hikerClient) scrapeReplies(ctx context.Context, mediaID, commentID, postURL string) ([]models.Comment, error) {
	var out []models.Comment
	seen := make(map[string]struct{})
	minID := ""

	for {
		var decoded struct {
			Response struct {
				Replies []hikerComment `json:"replies"`
			} `json:"response"`
			NextMinID string `json:"next_min_id"`
			NextMaxID string `json:"next_max_id"`
		}

		query := url.Values{
			"media_id":   {mediaID},
			"comment_id": {commentID},
		}
		if minID != "" {
			query.Set("min_id", minID)
		}
		if err := h.get(ctx, "/v2/media/comments/replies", query, &decoded); err != nil {
			return out, err
		}

		newReplies := 0
		for _, r := range decoded.Response.Replies {
			id := r.Pk.String()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			newReplies++
			out = append(out, hikerToComment(r, "reply", commentID, postURL))
		}

		next := decoded.NextMinID
		if next == "" {
			next = decoded.NextMaxID
		}
		if next == "" || next == minID || newReplies == 0 {
			return out, nil
		}
		minID = next
	}
}

func hikerToComment(c hikerComment, kind, parentID, postURL string) models.Comment {
	var createdAt string
	if c.CreatedAt > 0 {
		createdAt = time.Unix(c.CreatedAt, 0).UTC().Format(time.RFC3339)
	}
	return models.Comment{
		ID:         c.Pk.String(),
		ParentID:   parentID,
		Type:       kind,
		Text:       c.Text,
		Username:   c.User.Username,
		FullName:   c.User.FullName,
		UserID:     c.User.Pk.String(),
		LikeCount:  c.LikeCount,
		ReplyCount: c.ChildCommentCount,
		PostURL:    postURL,
		CreatedAt:  createdAt,
	}
}
