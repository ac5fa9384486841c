package worker

import (
	"context"

	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// runState enforces the cleanup guarantee for one invocation: exactly
// one callback is delivered and the session is released at most once,
// no matter which path the run takes.
type runState struct {
	e   *Engine
	ctx context.Context
	job *models.JobPayload
	log logger.Logger

	callbackSent bool
	released     bool
}

func (r *runState) callback(payload *models.CallbackPayload) {
	if r.callbackSent {
		return
	}
	r.callbackSent = true
	if err := r.e.notifier.Callback(r.ctx, r.job.CallbackURL, payload); err != nil {
		r.log.WithError(err).Error("callback delivery failed")
	}
}

func (r *runState) release(success bool, reason string) {
	if r.released || r.job.CookiesReleaseURL == "" || r.job.CookieID == 0 {
		return
	}
	r.released = true
	if err := r.e.notifier.Release(r.ctx, r.job.CookiesReleaseURL, r.job.CookieID, success, reason); err != nil {
		r.log.WithError(err).Error("session release failed")
	}
}

func (r *runState) resubmit(retryCount int, nextCursor string) {
	if r.job.TriggerJobURL == "" {
		r.log.Error("cannot resubmit: no trigger job URL in payload")
		return
	}
	req := &models.TriggerJobRequest{
		JobID:       r.job.JobID,
		Platform:    r.job.Platform,
		PostURL:     r.job.PostURL,
		CallbackURL: r.job.CallbackURL,
		RetryCount:  retryCount,
		NextCursor:  nextCursor,
	}
	if err := r.e.notifier.Resubmit(r.ctx, r.job.TriggerJobURL, req); err != nil {
		r.log.WithError(err).Error("job resubmission failed")
	}
}
