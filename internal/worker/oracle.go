package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"cookiepool/pkg/logger"
)

// oracleClient asks the tracking service how many comments a post is
// known to have, so a scrape can judge its own completeness.
type oracleClient struct {
	endpoint string
	client   *http.Client
	log      logger.Logger
}

// ExpectedCount returns the tracked comment count for a post. Failures
// are soft: the caller falls back to scraping without a target.
func (o *oracleClient) ExpectedCount(ctx context.Context, postURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.endpoint+"?post_url="+url.QueryEscape(postURL), nil)
	if err != nil {
		return 0, fmt.Errorf("build oracle request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Counts struct {
			Comments int `json:"comments"`
		} `json:"counts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode oracle response: %w", err)
	}
	return decoded.Counts.Comments, nil
}
