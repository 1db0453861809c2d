// Package dataengine is the HTTP client for the Rift data engine, which serves light-client tip
// proofs and per-account swap history.
package dataengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/riftexchange/rift-client/internal/chainproof"
)

var (
	ErrInvalidClientConfig = errors.New("dataengine: invalid client config")
	ErrHTTP                = errors.New("dataengine: http error")
)

const defaultMaxResponseBytes = 4 << 20

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dataengine: status %d", e.StatusCode)
	}
	return fmt.Sprintf("dataengine: status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		hc:           &http.Client{Timeout: 30 * time.Second},
		maxRespBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TipProof fetches the proof of the current light-client tip. The proof is returned as decoded,
// with no caching, retry or staleness check; a stale proof only shows up as a contract revert.
func (c *Client) TipProof(ctx context.Context) (chainproof.TipProof, error) {
	body, err := c.get(ctx, "/tip-proof", nil)
	if err != nil {
		return chainproof.TipProof{}, err
	}
	p, err := chainproof.DecodeTipProof(body)
	if err != nil {
		return chainproof.TipProof{}, fmt.Errorf("dataengine: decode tip proof: %w", err)
	}
	return p, nil
}

// Swaps fetches one page of owner's swap history, newest first.
func (c *Client) Swaps(ctx context.Context, owner common.Address, page int) ([]chainproof.Swap, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: page must be >= 0", ErrInvalidClientConfig)
	}
	q := url.Values{}
	q.Set("address", owner.Hex())
	q.Set("page", strconv.Itoa(page))
	body, err := c.get(ctx, "/swaps", q)
	if err != nil {
		return nil, err
	}
	swaps, err := chainproof.DecodeSwaps(body)
	if err != nil {
		return nil, fmt.Errorf("dataengine: decode swaps: %w", err)
	}
	return swaps, nil
}

func (c *Client) get(ctx context.Context, p string, q url.Values) ([]byte, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dataengine: build request: %w", err)
	}
	r.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		return nil, fmt.Errorf("dataengine: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("dataengine: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("dataengine: response too large")
	}
	return b, nil
}
