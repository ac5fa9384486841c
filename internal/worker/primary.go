package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
	"cookiepool/pkg/ratelimit"
	"cookiepool/pkg/retry"
)

// Persisted GraphQL query ids.
const (
	commentsDocID  = "25060748103519434"
	mediaInfoDocID = "25018359077785073"
	repliesDocID   = "25042984138668372"

	igAppID = "936619743392459"

	commentsPageSize = 50
	repliesPageSize  = 20
)

// graphClient fetches comments through the authenticated GraphQL
// surface with one session's cookies. One instance per job.
type graphClient struct {
	baseURL   string
	userAgent string
	cookies   string
	csrfToken string

	client    *http.Client
	limiter   ratelimit.Limiter
	attempts  int
	baseDelay time.Duration
	log       logger.Logger
}

// fetchJSON posts one GraphQL form and decodes the body into out. Each
// attempt classifies its failure; when every attempt died on a
// malformed or empty body the session is considered blocked upstream,
// which is an escalation signal rather than a retryable fault. An
// error carrying an HTTP status stays a plain failure: the upstream
// answered, it just said no.
func (g *graphClient) fetchJSON(ctx context.Context, docID string, variables map[string]interface{}, out interface{}) error {
	encoded, err := json.Marshal(variables)
	if err != nil {
		return errs.Newf(errs.ErrorTypeInternal, "encode variables: %v", err)
	}

	form := url.Values{
		"variables": {string(encoded)},
		"doc_id":    {docID},
	}.Encode()

	var lastErr error
	malformed := 0

	for attempt := 1; attempt <= g.attempts; attempt++ {
		if attempt > 1 {
			delay := g.baseDelay * time.Duration(1<<(attempt-1))
			if err := retry.Wait(ctx, delay); err != nil {
				return errs.Newf(errs.ErrorTypeNetwork, "fetch cancelled: %v", err)
			}
		}
		if g.limiter != nil {
			g.limiter.Wait()
		}

		err := g.fetchOnce(ctx, form, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if errs.IsType(err, errs.ErrorTypeUnexpectedResponse) && errs.StatusCode(err) == 0 {
			malformed++
		}

		g.log.WarnWithFields("graphql fetch attempt failed", map[string]interface{}{
			"doc_id":  docID,
			"attempt": attempt,
			"error":   err.Error(),
		})
	}

	if malformed == g.attempts {
		return errs.New(errs.ErrorTypeBlocked, "all fetch attempts returned malformed or empty bodies")
	}
	return lastErr
}

func (g *graphClient) fetchOnce(ctx context.Context, form string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/graphql/query", strings.NewReader(form))
	if err != nil {
		return errs.Newf(errs.ErrorTypeInternal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Cookie", g.cookies)
	req.Header.Set("X-CSRFToken", g.csrfToken)
	req.Header.Set("X-IG-App-ID", igAppID)

	resp, err := g.client.Do(req)
	if err != nil {
		return errs.Newf(errs.ErrorTypeNetwork, "graphql request: %v", err)
	}
	defer resp.Body.Close()

	if typed := errs.FromStatusCode(resp.StatusCode); typed != nil {
		return typed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Newf(errs.ErrorTypeNetwork, "read body: %v", err)
	}
	if len(body) == 0 {
		return errs.New(errs.ErrorTypeUnexpectedResponse, "empty response body")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Newf(errs.ErrorTypeUnexpectedResponse, "decode body: %v", err)
	}
	return nil
}

// mediaID resolves a shortcode to its numeric media id.
func (g *graphClient) mediaID(ctx context.Context, shortcode string) (string, error) {
	var decoded struct {
		Data struct {
			WebInfo struct {
				Items []struct {
					Pk json.Number `json:"pk"`
				} `json:"items"`
			} `json:"xdt_api__v1__media__shortcode__web_info"`
		} `json:"data"`
	}

	err := g.fetchJSON(ctx, mediaInfoDocID, map[string]interface{}{"shortcode": shortcode}, &decoded)
	if err != nil {
		return "", err
	}

	items := decoded.Data.WebInfo.Items
	if len(items) == 0 || items[0].Pk.String() == "" {
		return "", errs.New(errs.ErrorTypeUnexpectedResponse, "media info response missing items")
	}
	return items[0].Pk.String(), nil
}

type graphUser struct {
	Pk       json.Number `json:"pk"`
	Username string      `json:"username"`
	FullName string      `json:"full_name"`
}

type graphComment struct {
	Pk                json.Number `json:"pk"`
	Text              string      `json:"text"`
	CreatedAt         int64       `json:"created_at"`
	CommentLikeCount  int         `json:"comment_like_count"`
	ChildCommentCount int         `json:"child_comment_count"`
	User              graphUser   `json:"user"`
}

type graphPage struct {
	comments  []graphComment
	hasNext   bool
	endCursor string
}

// commentsPage fetches one page of top-level comments.
func (g *graphClient) commentsPage(ctx context.Context, mediaID, after string) (*graphPage, error) {
	variables := map[string]interface{}{
		"media_id": mediaID,
		"first":    commentsPageSize,
	}
	if after != "" {
		variables["after"] = after
	}

	var decoded struct {
		Data struct {
			Connection struct {
				Edges []struct {
					Node graphComment `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"has_next_page"`
					EndCursor   string `json:"end_cursor"`
				} `json:"page_info"`
			} `json:"xdt_api__v1__media__media_id__comments__connection"`
		} `json:"data"`
	}

	if err := g.fetchJSON(ctx, commentsDocID, variables, &decoded); err != nil {
		return nil, err
	}

	conn := decoded.Data.Connection
	page := &graphPage{
		comments:  make([]graphComment, 0, len(conn.Edges)),
		hasNext:   conn.PageInfo.HasNextPage,
		endCursor: conn.PageInfo.EndCursor,
	}
	for _, e := range conn.Edges {
		page.comments = append(page.comments, e.Node)
	}
	return page, nil
}

// repliesPage fetches one page of replies under a comment.
func (g *graphClient) repliesPage(ctx context.Context, mediaID, commentID, after string) (*graphPage, error) {
	variables := map[string]interface{}{
		"media_id":          mediaID,
		"parent_comment_id": commentID,
		"first":             repliesPageSize,
	}
	if after != "" {
		variables["after"] = after
	}

	var decoded struct {
		Data struct {
			Connection struct {
				Edges []struct {
					Node graphComment `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"has_next_page"`
					EndCursor   string `json:"end_cursor"`
				} `json:"page_info"`
			} `json:"xdt_api__v1__media__media_id__comments__parent_comment_id__child_comments__connection"`
		} `json:"data"`
	}

	if err := g.fetchJSON(ctx, repliesDocID, variables, &decoded); err != nil {
		return nil, err
	}

	conn := decoded.Data.Connection
	page := &graphPage{
		comments:  make([]graphComment, 0, len(conn.Edges)),
		hasNext:   conn.PageInfo.HasNextPage,
		endCursor: conn.PageInfo.EndCursor,
	}
	for _, e := range conn.Edges {
		page.comments = append(page.comments, e.Node)
	}
	return page, nil
}

// scrapeComments walks the comment connection from startCursor. It
// returns whatever it collected plus the last cursor even on error, so
// a blocked run can resume where it stopped.
func (g *graphClient) scrapeComments(ctx context.Context, mediaID, startCursor, postURL string, maxComments int) ([]models.Comment, string, error) {
	var out []models.Comment
	seen := make(map[string]struct{})
	cursor := startCursor
	emptyPages := 0

	for {
		page, err := g.commentsPage(ctx, mediaID, cursor)
		if err != nil {
			return out, cursor, err
		}

		newOnPage := 0
		for _, c := range page.comments {
			id := c.Pk.String()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			newOnPage++
			out = append(out, toComment(c, "comment", "", postURL))

			if c.ChildCommentCount > 0 {
				replies, err := g.scrapeReplies(ctx, mediaID, id, postURL)
				if err != nil {
					return out, cursor, err
				}
				out = append(out, replies...)
			}
		}

		if newOnPage == 0 {
			emptyPages++
		} else {
			emptyPages = 0
		}

		switch {
		case emptyPages >= maxConsecutiveEmptyPages:
			g.log.WarnWithFields("stopping after consecutive empty pages", map[string]interface{}{
				"media_id": mediaID,
				"pages":    emptyPages,
			})
			return out, cursor, nil
		case maxComments > 0 && len(out) >= maxComments:
			return out, cursor, nil
		case !page.hasNext || page.endCursor == "":
			return out, cursor, nil
		}

		cursor = page.endCursor
	}
}

// scrapeReplies walks a comment's reply connection. A cursor that
// repeats the previous or current position means the upstream is
// looping; stop rather than fetch the same page forever.
func (g *graphClient) scrapeReplies(ctx context.Context, mediaID, commentID, postURL string) ([]models.Comment, error) {
	var out []models.Comment
	seen := make(map[string]struct{})
	var prev, cursor string

	for {
		page, err := g.repliesPage(ctx, mediaID, commentID, cursor)
		if err != nil {
			return out, err
		}

		for _, r := range page.comments {
			id := r.Pk.String()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, toComment(r, "reply", commentID, postURL))
		}

		next := page.endCursor
		if !page.hasNext || next == "" {
			return out, nil
		}
		if next == prev || next == cursor {
			g.log.WarnWithFields("duplicate reply cursor, stopping", map[string]interface{}{
				"comment_id": commentID,
			})
			return out, nil
		}
		prev, cursor = cursor, next
	}
}

func toComment(c graphComment, kind, parentID, postURL string) models.Comment {
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
		LikeCount:  c.CommentLikeCount,
		ReplyCount: c.ChildCommentCount,
		PostURL:    postURL,
		CreatedAt:  createdAt,
	}
}
