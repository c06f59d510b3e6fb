package statescan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan/dnscache"
)

// HTTPSession is the single shared HTTP client a batch uses for its whole
// run, mirroring the fetcher's single-host crawl loop in the teacher: one
// cookie jar so logins and other session state persist across requests, one
// DNS-cached dialer since every request in a batch targets the same host
// (§2b). Callers must serialize Do calls with respect to each other (§5
// ordering guarantee 2); the mutex here enforces that rather than trusting
// callers to.
type HTTPSession struct {
	mu     sync.Mutex
	client *http.Client
}

// NewHTTPSession builds a batch-scoped HTTP session with the given timeout
// and a DNS cache sized for a single target host.
func NewHTTPSession(timeout time.Duration) (*HTTPSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("building cookie jar: %w", err)
	}

	cachedDial, err := dnscache.Dial(nil, 64)
	if err != nil {
		return nil, fmt.Errorf("building dns-cached dialer: %w", err)
	}
	transport := &http.Transport{
		Dial:                cachedDial,
		MaxIdleConnsPerHost: 8,
	}

	return &HTTPSession{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// The navigator and interaction handler treat redirects as
				// distinct endpoints (§4.4), so the client must not silently
				// follow them.
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Execute issues req.Endpoint's HTTP call through the shared client and
// assembles a Response. It is the HTTP half of C8's Execute; persistence is
// the caller's responsibility.
func (s *HTTPSession) Execute(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("building http request: %w", err)
	}

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		// A single call's timeout is fatal to the call, not to the run (§4.8).
		return Response{}, fmt.Errorf("executing %v %v: %w", req.Endpoint.Method, req.Endpoint.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading response body for %v %v: %w", req.Endpoint.Method, req.Endpoint.Path, err)
	}

	log4go.Fine("session: %v %v -> %d (%v)", req.Endpoint.Method, req.Endpoint.Path, resp.StatusCode, time.Since(start))
	return Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}

func buildHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	e := req.Endpoint
	u := &url.URL{Scheme: e.Scheme, Host: e.Host, Path: e.Path}
	if e.Method == http.MethodGet && len(e.Parameters) > 0 {
		q := url.Values{}
		for _, p := range e.Parameters {
			q.Set(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	} else if len(e.Data) > 0 {
		form := url.Values{}
		for _, p := range e.Data {
			form.Set(p.Name, p.Value)
		}
		body = bytes.NewReader([]byte(form.Encode()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, e.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return httpReq, nil
}
