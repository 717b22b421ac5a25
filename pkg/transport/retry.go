package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDo executes an HTTP request with exponential backoff. Network
// errors, HTTP 429, and HTTP 5xx responses are retried; other statuses
// are returned to the caller unretried, body intact. Request bodies are
// buffered once and replayed on every attempt.
func retryDo(client *http.Client, req *http.Request, maxAttempts int, baseInterval time.Duration) (*http.Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseInterval <= 0 {
		baseInterval = time.Second
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), req.Context())

	var resp *http.Response
	attempt := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if !isRetryableStatus(r.StatusCode) {
			resp = r
			return nil
		}
		// Drain the body so the connection can be reused; keep the
		// parsed failure in case this was the last attempt.
		body, _ := io.ReadAll(io.LimitReader(r.Body, responseLimitDefault))
		r.Body.Close()
		if re := tryParseRemoteError(body); re != nil {
			return re
		}
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(r.StatusCode)
		}
		return fmt.Errorf("remote status %d: %s", r.StatusCode, msg)
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryableStatus reports whether a status code is worth retrying.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
