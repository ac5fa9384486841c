package validator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cookiepool/internal/registry"
	"cookiepool/pkg/config"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
	"cookiepool/pkg/retry"
)

const (
	// mediaInfoDocID is the persisted GraphQL query returning post
	// metadata for a shortcode, including the comment count.
	mediaInfoDocID = "25018359077785073"

	igAppID = "936619743392459"
)

type instagramValidator struct {
	cfg *config.Config
	log logger.Logger
}

func newInstagramValidator(cfg *config.Config, log logger.Logger) *instagramValidator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &instagramValidator{cfg: cfg, log: log}
}

// Validate probes the media-info GraphQL query with the session's
// cookies. Transient failures are retried with exponential backoff;
// authentication and rate-limit rejections fail on the first attempt.
func (v *instagramValidator) Validate(ctx context.Context, sess *registry.Session, postURL string) (*Result, error) {
	shortcode, err := models.ShortcodeFromPostURL(postURL)
	if err != nil {
		return &Result{
			Valid:  false,
			Reason: errs.ErrorTypeValidation,
			Detail: err.Error(),
		}, nil
	}

	client := v.httpClient(sess.ID)

	retryCfg := &retry.Config{
		MaxAttempts: v.cfg.Validator.MaxAttempts,
		Backoff: &retry.ExponentialBackoff{
			BaseDelay:  v.cfg.Validator.BaseDelay,
			MaxDelay:   v.cfg.Validator.MaxDelay,
			Multiplier: 2.0,
		},
		RetryIf: func(err error) bool {
			return errs.IsRetryable(errs.GetType(err))
		},
		Context: ctx,
		Logger:  v.log,
	}

	count, err := retry.DoWithResult(func() (int, error) {
		return v.probe(ctx, client, sess, shortcode)
	}, retryCfg)
	if err != nil {
		reason := errs.GetType(err)
		v.log.WarnWithFields("session validation failed", map[string]interface{}{
			"session_id": sess.ID,
			"username":   sess.Username,
			"reason":     string(reason),
		})
		return &Result{
			Valid:  false,
			Reason: reason,
			Detail: errs.Truncate(err.Error(), 200),
		}, nil
	}

	v.log.DebugWithFields("session validated", map[string]interface{}{
		"session_id":     sess.ID,
		"expected_count": count,
	})
	return &Result{Valid: true, ExpectedCount: count}, nil
}

func (v *instagramValidator) httpClient(sessionID int64) *http.Client {
	transport := &http.Transport{}
	if v.cfg.Proxy.Enabled() {
		transport.Proxy = http.ProxyURL(v.cfg.Proxy.StickyURL(sessionID))
	}
	return &http.Client{
		Timeout:   v.cfg.Validator.Timeout,
		Transport: transport,
	}
}

// probe runs one media-info request and returns the comment count.
func (v *instagramValidator) probe(ctx context.Context, client *http.Client, sess *registry.Session, shortcode string) (int, error) {
	variables, err := json.Marshal(map[string]string{"shortcode": shortcode})
	if err != nil {
		return 0, errs.Newf(errs.ErrorTypeInternal, "encode variables: %v", err)
	}

	form := url.Values{
		"variables": {string(variables)},
		"doc_id":    {mediaInfoDocID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.Validator.BaseURL+"/graphql/query", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, errs.Newf(errs.ErrorTypeInternal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", v.cfg.Validator.UserAgent)
	req.Header.Set("Cookie", sess.SessionData.CookieHeader())
	req.Header.Set("X-CSRFToken", sess.SessionData.CSRFToken())
	req.Header.Set("X-IG-App-ID", igAppID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, errs.Newf(errs.ErrorTypeNetwork, "probe request: %v", err)
	}
	defer resp.Body.Close()

	if typed := errs.FromStatusCode(resp.StatusCode); typed != nil {
		return 0, typed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errs.Newf(errs.ErrorTypeNetwork, "read probe body: %v", err)
	}

	var decoded mediaInfoResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, errs.Newf(errs.ErrorTypeUnexpectedResponse, "decode probe body: %v", err)
	}

	items := decoded.Data.WebInfo.Items
	if len(items) == 0 {
		return 0, errs.New(errs.ErrorTypeUnexpectedResponse, "probe response missing media items")
	}
	return items[0].CommentCount, nil
}

type mediaInfoResponse struct {
	Data struct {
		WebInfo struct {
			Items []struct {
				Pk           json.Number `json:"pk"`
				CommentCount int         `json:"comment_count"`
			} `json:"items"`
		} `json:"xdt_api__v1__media__shortcode__web_info"`
	} `json:"data"`
}
