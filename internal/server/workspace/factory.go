package workspace

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TransportConfig describes how the HTTP transport reaches the workspace.
// It is fixed at factory construction.
type TransportConfig struct {
	Timeout time.Duration
	// InsecureSkipVerify disables TLS verification. Development only.
	InsecureSkipVerify bool
	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
}

// NewHTTPClient builds the *http.Client described by t.
func (t TransportConfig) NewHTTPClient() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if t.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	if t.ProxyURL != "" {
		u, err := url.Parse(t.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// ClientFactory builds a Client authenticated by tokens. credentialID keys
// shared per-credential state such as the rate limiter. An empty
// credentialID is for keys not yet stored and shares nothing.
type ClientFactory interface {
	New(credentialID string, tokens TokenProvider) Client
}

type FactoryOptions struct {
	BaseURL    string
	APIVersion string
	UserAgent  string
	Transport  TransportConfig
	// RateLimit and Burst configure the per-credential token bucket.
	RateLimit  rate.Limit
	Burst      int
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	MaxPages   int
}

// Factory is the production ClientFactory. Limiters outlive individual
// clients so consecutive runs for one credential share a budget.
type Factory struct {
	opts       FactoryOptions
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ ClientFactory = (*Factory)(nil)

func NewFactory(opts FactoryOptions) (*Factory, error) {
	httpClient, err := opts.Transport.NewHTTPClient()
	if err != nil {
		return nil, err
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 3
	}
	if opts.Burst <= 0 {
		opts.Burst = 3
	}
	return &Factory{
		opts:       opts,
		httpClient: httpClient,
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

func (f *Factory) New(credentialID string, tokens TokenProvider) Client {
	return NewHTTPClient(Options{
		BaseURL:       f.opts.BaseURL,
		TokenProvider: tokens,
		HTTPClient:    f.httpClient,
		APIVersion:    f.opts.APIVersion,
		UserAgent:     f.opts.UserAgent,
		Limiter:       f.Limiter(credentialID),
		MaxRetries:    f.opts.MaxRetries,
		RetryDelay:    f.opts.RetryDelay,
		MaxDelay:      f.opts.MaxDelay,
		MaxPages:      f.opts.MaxPages,
	})
}

// Limiter returns the limiter shared by all clients of credentialID. An
// empty credentialID gets a fresh limiter that is not retained.
func (f *Factory) Limiter(credentialID string) *rate.Limiter {
	if credentialID == "" {
		return rate.NewLimiter(f.opts.RateLimit, f.opts.Burst)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[credentialID]
	if !ok {
		l = rate.NewLimiter(f.opts.RateLimit, f.opts.Burst)
		f.limiters[credentialID] = l
	}
	return l
}

func (f *Factory) limiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limiters)
}
