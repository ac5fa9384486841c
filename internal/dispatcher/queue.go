// Package dispatcher accepts scrape jobs over HTTP, serializes them per
// platform, and hands each one to a worker with an allocated session.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"cookiepool/internal/pool"
	"cookiepool/pkg/config"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
	"cookiepool/pkg/retry"
)

// ErrQueueFull means the platform's backlog is at capacity.
var ErrQueueFull = errors.New("platform queue is full")

// Dispatcher runs one consumer goroutine per platform. A single
// consumer per queue means at most one allocation is in flight per
// platform, so jobs cannot race each other for the same session.
type Dispatcher struct {
	cfg    *config.Config
	pool   *pool.Manager
	log    logger.Logger
	queues map[models.Platform]chan *models.TriggerJobRequest
	client *http.Client
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the pool manager.
func NewDispatcher(cfg *config.Config, poolMgr *pool.Manager, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.GetLogger()
	}

	queues := make(map[models.Platform]chan *models.TriggerJobRequest, len(models.Platforms()))
	for _, p := range models.Platforms() {
		queues[p] = make(chan *models.TriggerJobRequest, cfg.Dispatch.QueueSize)
	}

	return &Dispatcher{
		cfg:    cfg,
		pool:   poolMgr,
		log:    log,
		queues: queues,
		client: newHandoffClient(cfg),
	}
}

// newHandoffClient builds the fire-and-forget worker client. The
// worker is expected to outlive the call, so the client only waits
// briefly for response headers. Dial failures are tagged so handoff
// can tell "never connected" apart from "connected but the worker did
// not answer in time".
func newHandoffClient(cfg *config.Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.Dispatch.HandoffConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           tagDialErrors(dialer.DialContext),
			ResponseHeaderTimeout: cfg.Dispatch.HandoffReadTimeout,
		},
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func tagDialErrors(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, &dialError{err: err}
		}
		return conn, nil
	}
}

// dialError marks a transport failure that happened before the request
// reached the worker, connect timeouts included.
type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// Start launches the per-platform consumers. They stop when ctx is
// cancelled; Wait blocks until they have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for platform, queue := range d.queues {
		d.wg.Add(1)
		go func(p models.Platform, q chan *models.TriggerJobRequest) {
			defer d.wg.Done()
			d.consume(ctx, p, q)
		}(platform, queue)
	}
}

// Wait blocks until every consumer has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue adds a job to its platform's queue without blocking.
func (d *Dispatcher) Enqueue(platform models.Platform, job *models.TriggerJobRequest) error {
	queue, ok := d.queues[platform]
	if !ok {
		return fmt.Errorf("no queue for platform %q", platform)
	}
	select {
	case queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports the current backlog for a platform.
func (d *Dispatcher) QueueDepth(platform models.Platform) int {
	return len(d.queues[platform])
}

func (d *Dispatcher) consume(ctx context.Context, platform models.Platform, queue chan *models.TriggerJobRequest) {
	log := d.log.WithField("platform", string(platform))
	log.Debug("queue consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("queue consumer stopped")
			return
		case job := <-queue:
			d.process(ctx, platform, job)
		}
	}
}

// process blocks its platform queue until a session is allocated, then
// hands the job off. Pool exhaustion is not an error: the consumer
// sleeps and tries again until a session frees up or ctx ends.
func (d *Dispatcher) process(ctx context.Context, platform models.Platform, job *models.TriggerJobRequest) {
	log := d.log.WithFields(map[string]interface{}{
		"job_id":   job.JobID,
		"platform": string(platform),
	})

	for {
		lease, err := d.pool.Allocate(ctx, platform, job.PostURL)
		if err == nil {
			d.handoff(ctx, job, lease, log)
			return
		}

		if errors.Is(err, pool.ErrPoolExhausted) {
			log.InfoWithFields("pool exhausted, waiting for a session", map[string]interface{}{
				"retry_in": d.cfg.Dispatch.AllocationRetryDelay.String(),
			})
		} else {
			log.WithError(err).Error("session allocation failed")
		}

		if err := retry.Wait(ctx, d.cfg.Dispatch.AllocationRetryDelay); err != nil {
			log.Warn("allocation abandoned: dispatcher shutting down")
			return
		}
	}
}

// handoff posts the job payload to the worker. A response read timeout
// counts as success: the worker acknowledges late or not at all, and
// the callback URL carries the real result.
func (d *Dispatcher) handoff(ctx context.Context, job *models.TriggerJobRequest, lease *pool.Lease, log logger.Logger) {
	payload := &models.JobPayload{
		JobID:                job.JobID,
		Platform:             string(lease.Platform),
		PostURL:              job.PostURL,
		Cookies:              lease.CookieHeader,
		CSRFToken:            lease.CSRFToken,
		CookieID:             lease.SessionID,
		CookieUsername:       lease.Username,
		ExpectedCommentCount: lease.ExpectedCount,
		RetryCount:           job.RetryCount,
		NextCursor:           job.NextCursor,
		CallbackURL:          job.CallbackURL,
		CookiesReleaseURL:    d.cfg.Dispatch.ReleaseURL,
		TriggerJobURL:        d.cfg.Dispatch.TriggerJobURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("failed to encode job payload")
		d.freeLease(ctx, lease, log)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Dispatch.WorkerURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("failed to build handoff request")
		d.freeLease(ctx, lease, log)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		var dialErr *dialError
		if errors.As(err, &dialErr) {
			log.WithError(err).Error("worker handoff failed: never connected")
			d.freeLease(ctx, lease, log)
			return
		}
		// Past the dial the request reached the worker; a read timeout
		// just means it acknowledged late or not at all.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.InfoWithFields("job handed to worker", map[string]interface{}{
				"session_id": lease.SessionID,
				"note":       "worker did not acknowledge within the read timeout",
			})
			return
		}
		log.WithError(err).Error("worker handoff failed")
		d.freeLease(ctx, lease, log)
		return
	}
	defer resp.Body.Close()

	log.InfoWithFields("job handed to worker", map[string]interface{}{
		"session_id": lease.SessionID,
		"status":     resp.StatusCode,
		"retry_tier": job.RetryCount,
	})
}

// freeLease returns a session whose job never reached a worker. The
// session was not exercised, so the release carries no penalty.
func (d *Dispatcher) freeLease(ctx context.Context, lease *pool.Lease, log logger.Logger) {
	if err := d.pool.Release(ctx, lease.SessionID, true, ""); err != nil {
		log.WithError(err).Error("failed to free undelivered session")
	}
}
