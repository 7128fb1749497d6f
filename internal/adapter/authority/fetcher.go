// Package authority reads the desired member set from the control plane's
// internal sync endpoint.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxysync/internal/member"
	"proxysync/internal/reconcile"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultSyncPath     = "/api/internal/sync"
	DefaultSecretHeader = "X-Server-Secret"

	// defaultTimeout is 10s: a fetch is one small JSON document.
	defaultTimeout = 10 * time.Second
	// maxBodyBytes caps the response at 4 MiB.
	maxBodyBytes = 4 << 20
)

// Fetcher implements reconcile.Fetcher against the authority's HTTP API.
type Fetcher struct {
	endpoint     string
	secret       string
	secretHeader string
	timeout      time.Duration
	httpClient   *http.Client
}

var _ reconcile.Fetcher = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSyncPath overrides the sync endpoint path.
func WithSyncPath(path string) Option {
	return func(f *Fetcher) {
		if path = strings.TrimSpace(path); path != "" {
			f.endpoint = path
		}
	}
}

// WithSecretHeader overrides the header carrying the shared secret.
func WithSecretHeader(name string) Option {
	return func(f *Fetcher) {
		if name = strings.TrimSpace(name); name != "" {
			f.secretHeader = name
		}
	}
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client, used as-is.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// New creates a Fetcher for the authority at baseURL.
func New(baseURL, secret string, opts ...Option) (*Fetcher, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse authority URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("authority URL %q must use http or https", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("authority URL %q has no host", baseURL)
	}

	f := &Fetcher{
		endpoint:     DefaultSyncPath,
		secret:       secret,
		secretHeader: DefaultSecretHeader,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}

	ref, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse sync path: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/")
	f.endpoint = base.JoinPath(ref.Path).String()

	if f.httpClient == nil {
		f.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(string, *http.Request) string { return "authority.fetch" }),
			),
		}
	}
	return f, nil
}

// Endpoint returns the resolved sync URL.
func (f *Fetcher) Endpoint() string { return f.endpoint }

// syncResponse accepts the member list and the legacy bare identity list.
type syncResponse struct {
	Members []member.Member `json:"members"`
	UUIDs   []string        `json:"uuids"`
}

// Fetch performs one authenticated read. It never returns partial data: any
// transport, status or decode problem is a *reconcile.FetchError.
func (f *Fetcher) Fetch(ctx context.Context) (member.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, &reconcile.FetchError{Kind: reconcile.FetchTransport, Err: err}
	}
	req.Header.Set(f.secretHeader, f.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &reconcile.FetchError{Kind: reconcile.FetchTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := reconcile.FetchStatus
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = reconcile.FetchAuth
		}
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &reconcile.FetchError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("sync returned %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}

	set, err := decode(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &reconcile.FetchError{Kind: reconcile.FetchDecode, StatusCode: resp.StatusCode, Err: err}
	}
	return set, nil
}

func decode(r io.Reader) (member.Set, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBodyBytes)
	}

	var payload syncResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	if payload.Members == nil && payload.UUIDs == nil {
		return nil, errors.New("decode sync response: neither members nor uuids present")
	}

	set := make(member.Set, len(payload.Members)+len(payload.UUIDs))
	// Xray keys users by lowercased email, so identities that differ only
	// in case would land on one user.
	folded := make(map[string]string, len(payload.Members)+len(payload.UUIDs))
	put := func(m member.Member) error {
		m = m.Normalize()
		key := strings.ToLower(m.Identity)
		if prev, ok := folded[key]; ok && prev != m.Identity {
			return fmt.Errorf("decode sync response: identities %q and %q differ only in case", prev, m.Identity)
		}
		folded[key] = m.Identity
		set.Put(m)
		return nil
	}

	for i, m := range payload.Members {
		if strings.TrimSpace(m.Identity) == "" {
			return nil, fmt.Errorf("decode sync response: member %d has empty identity", i)
		}
		if err := put(m); err != nil {
			return nil, err
		}
	}
	for i, id := range payload.UUIDs {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("decode sync response: uuid %d is empty", i)
		}
		if err := put(member.Member{Identity: id}); err != nil {
			return nil, err
		}
	}
	return set, nil
}
