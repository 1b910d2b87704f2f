package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/alaya/internal/apperr"
)

const maxRedirects = 5

// ErrBlockedHost is returned when a URL, or any redirect it leads to,
// points at a host that must not be fetched.
var ErrBlockedHost = errors.New("blocked host")

var metadataIP = net.ParseIP("169.254.169.254")

// HostPolicy decides whether u may be requested. It is consulted for the
// first request and again for every redirect hop.
type HostPolicy func(u *url.URL) error

// BlockInternal rejects loopback and cloud metadata hosts.
func BlockInternal(u *url.URL) error {
	host := u.Hostname()
	if host == "metadata.google.internal" {
		return fmt.Errorf("%w: %s: %w", ErrBlockedHost, host, apperr.ErrInvalidArgument)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil //nolint:nilerr // the request itself reports DNS failures
		}
		ip = ips[0]
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address %s: %w", ErrBlockedHost, host, apperr.ErrInvalidArgument)
	case ip.Equal(metadataIP):
		return fmt.Errorf("%w: cloud metadata address %s: %w", ErrBlockedHost, host, apperr.ErrInvalidArgument)
	}
	return nil
}

// Download is a fetched URL body.
type Download struct {
	URL         *url.URL
	Data        []byte
	ContentType string
}

// Fetcher downloads http(s) sources under a HostPolicy.
type Fetcher struct {
	client *http.Client
	policy HostPolicy
	limit  int64
}

// NewFetcher returns a Fetcher that reads at most limit bytes. A nil policy
// allows every host.
func NewFetcher(policy HostPolicy, timeout time.Duration, limit int64) *Fetcher {
	f := &Fetcher{policy: policy, limit: limit}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			return f.allow(req.URL)
		},
	}
	return f
}

func (f *Fetcher) allow(u *url.URL) error {
	if f.policy == nil {
		return nil
	}
	return f.policy(u)
}

// Fetch GETs rawURL. Non-2xx responses and bodies over the limit are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Download{}, fmt.Errorf("invalid URL: %w", apperr.ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Download{}, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, apperr.ErrInvalidArgument)
	}
	if err := f.allow(u); err != nil {
		return Download{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Download{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Download{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Download{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return Download{}, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.limit {
		return Download{}, fmt.Errorf("fetch %s: body exceeds %d bytes: %w", rawURL, f.limit, apperr.ErrInvalidArgument)
	}

	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return Download{URL: resp.Request.URL, Data: data, ContentType: strings.TrimSpace(ct)}, nil
}
