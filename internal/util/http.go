package util

import (
	"fmt"
	"io"
	"net/http"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"
)

// DownloadFile executes a pre-built HTTP request and returns the body bytes.
// It handles response closing and non-200 status codes.
// The caller is responsible for creating the request (including context and headers).
func DownloadFile(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do request for %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if err := CheckStatus(resp); err != nil {
		return nil, err
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading body from %s: %w", req.URL.Redacted(), err)
	}
	return bodyBytes, nil
}

// CheckStatus returns an error wrapping ErrBadStatus for any non-200 response,
// including up to 512 bytes of the body for context. The body is not closed.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w '%s' fetching %s: %s", ferrors.ErrBadStatus, resp.Status, resp.Request.URL.Redacted(), string(bodyBytes))
}

// DefaultHTTPClient creates an http.Client with the given timeout.
// A zero timeout is used for the submission stream, whose length is unbounded.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
