package executor

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/nghyane/llm-relay/internal/logging"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// TransportConfig tunes the per-host transports handed out by the pool.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	DisableHTTP2          bool
}

// DefaultTransportConfig mirrors what long-lived LLM streams need: generous
// idle pools per host and a header timeout shorter than the call timeout.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
	}
}

func (tc TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if tc.MaxIdleConns <= 0 {
		tc.MaxIdleConns = def.MaxIdleConns
	}
	if tc.MaxIdleConnsPerHost <= 0 {
		tc.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if tc.MaxConnsPerHost <= 0 {
		tc.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if tc.IdleConnTimeout <= 0 {
		tc.IdleConnTimeout = def.IdleConnTimeout
	}
	if tc.TLSHandshakeTimeout <= 0 {
		tc.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if tc.ExpectContinueTimeout <= 0 {
		tc.ExpectContinueTimeout = def.ExpectContinueTimeout
	}
	if tc.ResponseHeaderTimeout <= 0 {
		tc.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}
	if tc.DialTimeout <= 0 {
		tc.DialTimeout = def.DialTimeout
	}
	if tc.KeepAlive <= 0 {
		tc.KeepAlive = def.KeepAlive
	}
	return tc
}

func configureHTTP2(transport *http.Transport) {
	h2Transport, err := http2.ConfigureTransports(transport)
	if err != nil {
		log.Debugf("http2 configure failed, staying on http/1.1: %v", err)
		return
	}
	h2Transport.ReadIdleTimeout = 30 * time.Second
	h2Transport.PingTimeout = 15 * time.Second
	h2Transport.StrictMaxConcurrentStreams = true
}

func (tc TransportConfig) newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: tc.DialTimeout, KeepAlive: tc.KeepAlive}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          tc.MaxIdleConns,
		MaxIdleConnsPerHost:   tc.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tc.MaxConnsPerHost,
		IdleConnTimeout:       tc.IdleConnTimeout,
		TLSHandshakeTimeout:   tc.TLSHandshakeTimeout,
		ExpectContinueTimeout: tc.ExpectContinueTimeout,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     !tc.DisableHTTP2,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if !tc.DisableHTTP2 {
		configureHTTP2(t)
	}
	return t
}

// buildTransport returns a transport honoring proxyURL. An unusable proxy
// is logged and ignored so calls still go out directly.
func (tc TransportConfig) buildTransport(proxyURL string) *http.Transport {
	t := tc.newTransport()
	if proxyURL == "" {
		return t
	}

	parsedURL, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("parse proxy URL failed: %v", errParse)
		return t
	}

	switch parsedURL.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsedURL.User != nil {
			username := parsedURL.User.Username()
			password, _ := parsedURL.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsedURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return t
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		t.Proxy = http.ProxyURL(parsedURL)
	default:
		log.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}
	return t
}
