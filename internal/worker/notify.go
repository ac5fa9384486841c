package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// notifier posts job results, session releases and retry resubmissions
// to URLs carried in the job payload.
type notifier struct {
	client *http.Client
	log    logger.Logger
}

func (n *notifier) post(ctx context.Context, url string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Callback delivers a result payload to the job's callback URL.
func (n *notifier) Callback(ctx context.Context, url string, payload *models.CallbackPayload) error {
	if payload.Comments == nil {
		payload.Comments = []models.Comment{}
	}
	return n.post(ctx, url, payload)
}

// Release returns the job's session to the pool.
func (n *notifier) Release(ctx context.Context, url string, cookieID int64, success bool, reason string) error {
	return n.post(ctx, url, &models.ReleasePayload{
		CookieID:      cookieID,
		CookieSuccess: success,
		FailureReason: reason,
	})
}

// Resubmit queues the job again at a new retry tier. Retry state lives
// entirely in the resubmitted request.
func (n *notifier) Resubmit(ctx context.Context, url string, req *models.TriggerJobRequest) error {
	return n.post(ctx, url, req)
}
