// Package messaging renders message text and talks to the WhatsApp Cloud API.
// Outbound calls go through Client, which trips a circuit breaker after
// repeated upstream failures. Clients never retry; the worker pool does.
package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	ErrUnauthorized = errors.New("upstream rejected credentials")
	ErrRejected     = errors.New("upstream rejected request")
	ErrUnavailable  = errors.New("upstream unavailable")
)

// IsPermanent reports whether err will not go away on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRejected)
}

type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func NewClient(name string, timeout time.Duration) *Client {
	return NewClientWith(&http.Client{Timeout: timeout}, name)
}

func NewClientWith(hc *http.Client, name string) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{http: hc, breaker: cb}
}

// Do sends req. 2xx responses are returned for the caller to decode and
// close; everything else becomes an error with the body already closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return resp, nil
}
