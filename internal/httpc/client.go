// Package httpc provides the dialer and HTTP client shared by outbound
// connections. Use these instead of the net/http defaults so timeouts are set.
package httpc

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Default timeouts for outbound connections.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
)

// Dialer opens TCP connections with the default connect timeout and
// keepalive. It backs both the HTTP client and WebSocket dials.
var Dialer = &net.Dialer{
	Timeout:   DefaultConnectTimeout,
	KeepAlive: DefaultKeepAlive,
}

// Client is the shared HTTP client, used for credential refreshes.
var Client = NewClient(DefaultTimeout)

// NewClient creates an HTTP client with the specified timeout.
// For most cases, use the shared Client variable instead.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           Dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// OAuthContext returns ctx carrying Client, so oauth2 token sources
// created from it fetch tokens with the shared timeouts. A client already
// present in ctx is kept.
func OAuthContext(ctx context.Context) context.Context {
	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, Client)
}
