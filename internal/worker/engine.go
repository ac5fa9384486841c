// Package worker executes one scrape job per invocation: fetch the
// post's comments with the leased session, judge completeness, and
// either deliver the result or escalate through the retry tiers.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cookiepool/pkg/config"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
	"cookiepool/pkg/ratelimit"
)

const (
	// MaxRetryTier is the tier at which the cookie-based path gives up
	// and the job goes to the fallback provider.
	MaxRetryTier = 5

	// CompletenessThreshold is the fraction of the expected comment
	// count a scrape must reach to count as complete.
	CompletenessThreshold = 0.80

	// maxConsecutiveEmptyPages ends pagination when this many pages in a
	// row yield nothing new.
	maxConsecutiveEmptyPages = 3

	// maxErrorLen caps error text in callbacks and release reasons.
	maxErrorLen = 200

	releaseReasonBlocked   = "Instagram API blocked - possible bad cookie or rate limit"
	releaseReasonExhausted = "GraphQL retries exhausted - switching to Hiker API"
)

// Engine runs scrape jobs. Invocations share no job state: everything
// a run needs arrives in its payload.
type Engine struct {
	cfg      *config.Config
	log      logger.Logger
	notifier *notifier
	limiter  ratelimit.Limiter
}

// NewEngine builds a scrape engine.
func NewEngine(cfg *config.Config, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{
		cfg: cfg,
		log: log,
		notifier: &notifier{
			client: &http.Client{Timeout: 30 * time.Second},
			log:    log,
		},
		limiter: ratelimit.NewTokenBucket(cfg.Worker.RequestsPerMinute, time.Minute),
	}
}

// Run executes one job to completion. It never returns an error: every
// outcome is reported through the callback URL.
func (e *Engine) Run(ctx context.Context, job *models.JobPayload) {
	run := &runState{
		e:   e,
		ctx: ctx,
		job: job,
		log: e.log.WithFields(map[string]interface{}{
			"job_id":     job.JobID,
			"retry_tier": job.RetryCount,
		}),
	}

	defer func() {
		if rec := recover(); rec != nil {
			run.log.ErrorWithFields("job panicked", map[string]interface{}{
				"panic": fmt.Sprint(rec),
			})
			run.release(false, errs.Truncate(fmt.Sprintf("internal error: %v", rec), maxErrorLen))
			run.callback(&models.CallbackPayload{
				JobID:   job.JobID,
				Success: false,
				Error:   errs.Truncate(fmt.Sprintf("internal error: %v", rec), maxErrorLen),
			})
		}
	}()

	platform, err := models.ParsePlatform(job.Platform)
	if err != nil || platform != models.PlatformInstagram {
		run.release(true, "")
		run.callback(&models.CallbackPayload{
			JobID:   job.JobID,
			Success: false,
			Error:   fmt.Sprintf("unsupported platform: %s", job.Platform),
		})
		return
	}

	e.runInstagram(run)
}

func (e *Engine) runInstagram(run *runState) {
	job := run.job
	ctx := run.ctx

	expected := job.ExpectedCommentCount
	if expected == 0 && e.cfg.Worker.OracleURL != "" {
		oracle := &oracleClient{
			endpoint: e.cfg.Worker.OracleURL,
			client:   &http.Client{Timeout: 15 * time.Second},
			log:      run.log,
		}
		if n, err := oracle.ExpectedCount(ctx, job.PostURL); err == nil {
			expected = n
		} else {
			run.log.WithError(err).Warn("expected count lookup failed, scraping without a target")
		}
	}

	// Past the last cookie tier the leased session is surrendered up
	// front and the keyed provider finishes the job.
	if job.RetryCount >= MaxRetryTier {
		run.release(false, releaseReasonExhausted)
		e.runFallback(run)
		return
	}

	g := e.newGraphClient(job, run.log)

	shortcode, err := models.ShortcodeFromPostURL(job.PostURL)
	if err != nil {
		run.release(true, "")
		run.callback(&models.CallbackPayload{
			JobID:   job.JobID,
			Success: false,
			Error:   errs.Truncate(err.Error(), maxErrorLen),
		})
		return
	}

	var (
		comments   []models.Comment
		lastCursor = job.NextCursor
	)
	mediaID, err := g.mediaID(ctx, shortcode)
	if err == nil {
		comments, lastCursor, err = g.scrapeComments(ctx, mediaID, job.NextCursor, job.PostURL, e.cfg.Worker.MaxComments)
	}

	if err != nil {
		if errs.IsType(err, errs.ErrorTypeBlocked) {
			// The session looks burned. Surrender it, jump the job to
			// the final tier with its progress cursor, and tell the
			// caller a retry is in flight.
			run.log.WarnWithFields("primary API blocked", map[string]interface{}{
				"collected": len(comments),
				"cursor":    lastCursor,
			})
			run.release(false, releaseReasonBlocked)
			run.resubmit(MaxRetryTier, lastCursor)
			run.callback(&models.CallbackPayload{
				JobID:     job.JobID,
				Success:   true,
				RetryLoop: true,
			})
			return
		}

		run.release(false, errs.Truncate(err.Error(), maxErrorLen))
		run.callback(&models.CallbackPayload{
			JobID:   job.JobID,
			Success: false,
			Error:   errs.Truncate(err.Error(), maxErrorLen),
		})
		return
	}

	if expected > 0 && float64(len(comments)) < CompletenessThreshold*float64(expected) {
		// Incomplete but not the session's fault: release it healthy
		// and re-run the whole scrape one tier up. No cursor: a resume
		// would lock in whatever the first pass missed.
		run.log.InfoWithFields("scrape below completeness threshold", map[string]interface{}{
			"collected": len(comments),
			"expected":  expected,
			"next_tier": job.RetryCount + 1,
		})
		run.release(true, "")
		run.resubmit(job.RetryCount+1, "")
		run.callback(&models.CallbackPayload{
			JobID:     job.JobID,
			Success:   true,
			RetryLoop: true,
		})
		return
	}

	run.log.InfoWithFields("scrape complete", map[string]interface{}{
		"collected": len(comments),
		"expected":  expected,
	})
	run.release(true, "")
	run.callback(&models.CallbackPayload{
		JobID:    job.JobID,
		Success:  true,
		Comments: comments,
	})
}

func (e *Engine) runFallback(run *runState) {
	job := run.job
	h := &hikerClient{
		baseURL: e.cfg.Worker.FallbackBaseURL,
		apiKey:  e.cfg.Worker.FallbackAPIKey,
		client:  &http.Client{Timeout: e.cfg.Worker.RequestTimeout},
		log:     run.log,
	}

	mediaID, err := h.mediaID(run.ctx, job.PostURL)
	var comments []models.Comment
	if err == nil {
		comments, err = h.scrapeComments(run.ctx, mediaID, job.PostURL, e.cfg.Worker.MaxComments)
	}

	if err != nil {
		run.log.WithError(err).Error("fallback scrape failed")
		run.callback(&models.CallbackPayload{
			JobID:   job.JobID,
			Success: false,
			Error:   errs.Truncate(err.Error(), maxErrorLen),
		})
		return
	}

	run.log.InfoWithFields("fallback scrape complete", map[string]interface{}{
		"collected": len(comments),
	})
	run.callback(&models.CallbackPayload{
		JobID:    job.JobID,
		Success:  true,
		Comments: comments,
	})
}

// newGraphClient builds the per-job GraphQL client. Requests leave
// through the sticky proxy slot tied to the session id, so the scrape
// egresses from the same address the validator probe used.
func (e *Engine) newGraphClient(job *models.JobPayload, log logger.Logger) *graphClient {
	transport := &http.Transport{}
	if e.cfg.Proxy.Enabled() {
		transport.Proxy = http.ProxyURL(e.cfg.Proxy.StickyURL(job.CookieID))
	}

	return &graphClient{
		baseURL:   e.cfg.Worker.PrimaryBaseURL,
		userAgent: e.cfg.Worker.UserAgent,
		cookies:   job.Cookies,
		csrfToken: job.CSRFToken,
		client: &http.Client{
			Timeout:   e.cfg.Worker.RequestTimeout,
			Transport: transport,
		},
		limiter:   e.limiter,
		attempts:  e.cfg.Worker.FetchAttempts,
		baseDelay: e.cfg.Worker.FetchBaseDelay,
		log:       log,
	}
}
