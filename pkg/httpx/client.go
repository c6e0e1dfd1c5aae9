package httpx

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PostForm posts values and returns the response with its body unread so
// large exports can be streamed to disk. Transport errors, 429 and 5xx are
// retried; the final response is returned whatever its status.
func PostForm(ctx context.Context, client *http.Client, endpoint string, values url.Values, retries int, retryDelay time.Duration) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	body := values.Encode()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if retryable(resp.StatusCode) && attempt < retries {
			_ = resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
