// Package httpclient provides basic http functions
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewClient builds an http.Client with the given timeout applied to the
// whole request, body read included.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// GetBody performs a GET on url with the given headers and returns the full
// response body and status code. A non-2xx status is returned alongside the
// body, not as an error, so callers can log the payload.
func GetBody(ctx context.Context, client *http.Client, url string, header http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request for %s: %w", url, err)
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, resp.StatusCode, nil
}
