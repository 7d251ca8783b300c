package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrAccessDenied is returned for any access-check outcome which must abort
// the upgrade: an explicit denial, a timeout, or an unreachable metadata
// service.
var ErrAccessDenied = errors.New("access denied")

// AccessChecker authorizes a (document, token) pair ahead of an upgrade.
type AccessChecker interface {
	CheckAccess(ctx context.Context, docID, token string) error
}

// HTTPAccessChecker consults the metadata service's check-access endpoint.
// Positive results are cached for a short TTL so a reconnect storm on a hot
// document doesn't hammer the metadata service; denials are never cached.
type HTTPAccessChecker struct {
	base   string
	client *http.Client
	cache  *expirable.LRU[string, bool]
}

// NewHTTPAccessChecker returns a checker against |baseURL|, caching positive
// results for |cacheTTL|.
func NewHTTPAccessChecker(baseURL string, cacheTTL time.Duration) *HTTPAccessChecker {
	return &HTTPAccessChecker{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{},
		cache:  expirable.NewLRU[string, bool](1024, nil, cacheTTL),
	}
}

// CheckAccess implements AccessChecker. The caller bounds |ctx|.
func (c *HTTPAccessChecker) CheckAccess(ctx context.Context, docID, token string) error {
	var key = docID + "\x00" + token
	if _, ok := c.cache.Get(key); ok {
		return nil
	}

	var endpoint = fmt.Sprintf("%s/sharing/document/%s/check-access", c.base, url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: building check-access request: %s", ErrAccessDenied, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: check-access request failed: %s", ErrAccessDenied, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: metadata service returned %d", ErrAccessDenied, resp.StatusCode)
	}
	c.cache.Add(key, true)
	return nil
}
