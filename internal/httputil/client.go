// Package httputil holds the HTTP plumbing shared by the ephemeris
// providers, the resolver and the API server.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/star/ephemgo/internal/ephem"
)

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes int64 = 50 << 20

// UserAgent is sent with every outbound request.
const UserAgent = "ephemgo/1.0"

// NewClient returns a pooled HTTP client whose requests are bounded by timeout.
// A zero timeout leaves requests bounded only by their context.
func NewClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

// Do sends req and returns the response body. The body is read up to
// maxBytes; larger responses fail. Timeouts are reported as
// ephem.ErrRequestTimeout and non-200 responses as ephem.ErrServiceStatus.
func Do(ctx context.Context, client *http.Client, req *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %v", ephem.ErrRequestTimeout, req.Method, req.URL.Host, err)
		}
		return nil, fmt.Errorf("requesting %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: reading body from %s: %v", ephem.ErrRequestTimeout, req.URL.Host, err)
		}
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", req.URL.Host, maxBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d from %s: %s", ephem.ErrServiceStatus, resp.StatusCode, req.URL.Host, snippet(body))
	}
	return body, nil
}

// IsTimeout reports whether err was caused by a deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ephem.ErrRequestTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
