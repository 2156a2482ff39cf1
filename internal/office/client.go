// Package office talks to the Management Activity API for one tenant:
// token grants, feed subscriptions, content listing and blob retrieval.
package office

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"o365collect/internal/domain"
)

// attemptTimeout bounds every single HTTP attempt.
const attemptTimeout = 60 * time.Second

// windowRejectedCode is the API error for a listing window the service will
// not serve (too long, or start outside retention).
const windowRejectedCode = "AF20055"

type Client struct {
	httpc       *http.Client
	tokens      *TokenCache
	tenant      domain.Tenant
	publisherID string
	retry       RetryPolicy
	base        string
	log         *slog.Logger
	retryHook   func()
}

// OnRetry registers a hook fired on every retried attempt. Used for cycle
// statistics.
func (c *Client) OnRetry(fn func()) { c.retryHook = fn }

func NewClient(httpc *http.Client, tokens *TokenCache, tenant domain.Tenant, publisherID string, retry RetryPolicy, log *slog.Logger) (*Client, error) {
	_, management, err := tenant.Variant.Endpoints()
	if err != nil {
		return nil, err
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpc:       httpc,
		tokens:      tokens,
		tenant:      tenant,
		publisherID: publisherID,
		retry:       retry,
		base:        management + "/api/v1.0/" + tenant.TenantID + "/activity/feed/",
		log:         log.With("tenant", tenant.TenantID),
	}, nil
}

// listedBlob is the wire shape of one content listing entry.
type listedBlob struct {
	ContentID         string `json:"contentId"`
	ContentURI        string `json:"contentUri"`
	ContentType       string `json:"contentType"`
	ContentCreated    string `json:"contentCreated"`
	ContentExpiration string `json:"contentExpiration"`
}

// EnsureSubscription starts the feed subscription. Starting one that is
// already enabled is not an error.
func (c *Client) EnsureSubscription(ctx context.Context, feed domain.Feed) error {
	u := c.base + "subscriptions/start?" + c.query(feed, nil)
	op := func() error {
		status, body, _, err := c.request(ctx, http.MethodPost, u, 0)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			return nil
		case status == http.StatusBadRequest && alreadySubscribed(body):
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("subscribe returned %d", status)
		default:
			return backoff.Permanent(fmt.Errorf("subscribe returned %d: %s", status, excerpt(body, 200)))
		}
	}
	if err := c.retry.Do(ctx, op, c.notify("subscribe", string(feed))); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrSubscribeFailed, feed, err)
	}
	return nil
}

func alreadySubscribed(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "already enabled") || strings.Contains(s, "already subscribed")
}

// ListContent pages through the content listing for one window and yields a
// descriptor per blob. A window the API refuses (AF20055) fails the window
// without retries; 429 and 5xx back off per the policy.
func (c *Client) ListContent(ctx context.Context, feed domain.Feed, w domain.TimeWindow, yield func(domain.BlobDescriptor) error) error {
	next := c.base + "subscriptions/content?" + c.query(feed, &w)
	for next != "" {
		var page []listedBlob
		var nextPage string
		op := func() error {
			status, body, hdr, err := c.request(ctx, http.MethodGet, next, 0)
			if err != nil {
				return err
			}
			switch {
			case status == http.StatusOK:
			case status == http.StatusTooManyRequests || status >= 500:
				return fmt.Errorf("content listing returned %d", status)
			case strings.Contains(string(body), windowRejectedCode):
				return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrWindowRejected, excerpt(body, 200)))
			default:
				return backoff.Permanent(fmt.Errorf("content listing returned %d: %s", status, excerpt(body, 200)))
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return backoff.Permanent(fmt.Errorf("decode content listing: %w", err))
			}
			nextPage = hdr.Get("NextPageUri")
			return nil
		}
		if err := c.retry.Do(ctx, op, c.notify("list", string(feed))); err != nil {
			if errors.Is(err, domain.ErrWindowRejected) {
				return err
			}
			return fmt.Errorf("%w: %s %s: %v", domain.ErrListFailed, feed, w, err)
		}
		for _, b := range page {
			desc := domain.BlobDescriptor{
				ContentID:  b.ContentID,
				ContentURI: b.ContentURI,
				Feed:       feed,
				Created:    parseAPITime(b.ContentCreated),
				Expiration: parseAPITime(b.ContentExpiration),
			}
			if err := yield(desc); err != nil {
				return err
			}
		}
		next = nextPage
	}
	return nil
}

// FetchBlob downloads one content blob and returns its records in array
// order. Bodies over maxSize fail with ErrBlobTooLarge; non-JSON bodies with
// ErrParseFailed. Both are terminal, everything transient retries.
func (c *Client) FetchBlob(ctx context.Context, blob domain.BlobDescriptor, maxSize int64) ([]json.RawMessage, error) {
	var records []json.RawMessage
	op := func() error {
		status, body, _, err := c.request(ctx, http.MethodGet, blob.ContentURI, maxSize)
		if err != nil {
			if errors.Is(err, domain.ErrBlobTooLarge) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch {
		case status == http.StatusOK:
		case status == http.StatusUnauthorized:
			c.tokens.Invalidate(c.tenant.TenantID)
			return fmt.Errorf("blob fetch returned 401")
		case status == http.StatusTooManyRequests || status >= 500:
			return fmt.Errorf("blob fetch returned %d", status)
		default:
			return fmt.Errorf("blob fetch returned %d: %s", status, excerpt(body, 200))
		}
		if err := json.Unmarshal(body, &records); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrParseFailed, err))
		}
		return nil
	}
	if err := c.retry.Do(ctx, op, c.notify("fetch", blob.ContentID)); err != nil {
		if errors.Is(err, domain.ErrBlobTooLarge) || errors.Is(err, domain.ErrParseFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrFetchFailed, blob.ContentID, err)
	}
	return records, nil
}

func (c *Client) query(feed domain.Feed, w *domain.TimeWindow) string {
	q := url.Values{}
	q.Set("contentType", string(feed))
	if c.publisherID != "" {
		q.Set("PublisherIdentifier", c.publisherID)
	}
	if w != nil {
		q.Set("startTime", domain.FormatAPITime(w.Start))
		q.Set("endTime", domain.FormatAPITime(w.End))
	}
	return q.Encode()
}

func (c *Client) request(ctx context.Context, method, u string, maxSize int64) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx, c.tenant)
	if err != nil {
		return 0, nil, nil, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer res.Body.Close()

	reader := io.Reader(res.Body)
	if maxSize > 0 {
		reader = io.LimitReader(res.Body, maxSize+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return 0, nil, nil, err
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return 0, nil, nil, fmt.Errorf("%w: body over %d bytes", domain.ErrBlobTooLarge, maxSize)
	}
	return res.StatusCode, raw, res.Header, nil
}

func (c *Client) notify(op, subject string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		if c.retryHook != nil {
			c.retryHook()
		}
		c.log.Warn("retrying "+op, "subject", subject, "wait", wait, "error", err)
	}
}

func parseAPITime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
