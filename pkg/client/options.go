package client

import (
	"net/http"
	"time"
)

type options struct {
	httpClient *http.Client
	token      string
}

// Option configures the client.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client. Pass one without
// a timeout when long-lived Subscribe streams are expected.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithToken sets the session bearer sent as the access_token cookie.
func WithToken(token string) Option {
	return func(o *options) {
		o.token = token
	}
}
