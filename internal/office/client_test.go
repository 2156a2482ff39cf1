package office

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"o365collect/internal/domain"
)

// fastRetry keeps test backoff in the millisecond range.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		Base:        time.Millisecond,
		Factor:      1.1,
		Cap:         5 * time.Millisecond,
		Jitter:      0,
		MaxAttempts: attempts,
		Budget:      time.Second,
	}
}

// newTestClient wires a Client against a fake management API. The token
// endpoint lives on the same test server.
func newTestClient(t *testing.T, handler http.Handler, attempts int) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.Handle("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tenant := domain.Tenant{
		TenantID: "token",
		ClientID: "client",
		Secret:   domain.SecretSource{Inline: "s3cret"},
	}
	tokens := NewTokenCache(srv.Client())
	c, err := NewClient(srv.Client(), tokens, tenant, "pub-1", fastRetry(attempts), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Point the API base at the fake server and pre-seed a valid token, so
	// no grant is made.
	c.base = srv.URL + "/api/v1.0/token/activity/feed/"
	c.tokens = testTokenCache(srv)
	return c, srv
}

func testTokenCache(srv *httptest.Server) *TokenCache {
	tc := NewTokenCache(srv.Client())
	tc.tokens["token"] = &oauth2.Token{AccessToken: "test-token", Expiry: time.Now().Add(time.Hour)}
	return tc
}

func TestSubscribeIdempotent(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.Contains(r.URL.RawQuery, "contentType=Audit.Exchange") {
			t.Errorf("missing contentType: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":"AF20024","message":"The subscription is already enabled."}}`)
	})
	c, _ := newTestClient(t, handler, 3)

	if err := c.EnsureSubscription(context.Background(), domain.FeedExchange); err != nil {
		t.Fatalf("already-enabled must be treated as success: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("idempotent subscribe must not retry, got %d calls", calls.Load())
	}
}

func TestSubscribeHardFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"AF10001","message":"no permission"}}`)
	})
	c, _ := newTestClient(t, handler, 3)

	err := c.EnsureSubscription(context.Background(), domain.FeedExchange)
	if !errors.Is(err, domain.ErrSubscribeFailed) {
		t.Fatalf("want ErrSubscribeFailed, got %v", err)
	}
}

func TestListContentFollowsPaging(t *testing.T) {
	var page atomic.Int32
	var handler http.HandlerFunc
	var srvURL string
	handler = func(w http.ResponseWriter, r *http.Request) {
		switch page.Add(1) {
		case 1:
			w.Header().Set("NextPageUri", srvURL+r.URL.Path+"?page=2")
			fmt.Fprint(w, `[{"contentId":"b1","contentUri":"u1","contentType":"Audit.Exchange","contentCreated":"2026-08-05T10:00:00.000Z","contentExpiration":"2026-08-06T10:00:00.000Z"}]`)
		default:
			fmt.Fprint(w, `[{"contentId":"b2","contentUri":"u2","contentType":"Audit.Exchange","contentCreated":"2026-08-05T11:00:00.000Z","contentExpiration":"2026-08-06T11:00:00.000Z"}]`)
		}
	}
	c, srv := newTestClient(t, handler, 3)
	srvURL = srv.URL

	var ids []string
	w := domain.TimeWindow{Start: time.Now().Add(-time.Hour), End: time.Now()}
	err := c.ListContent(context.Background(), domain.FeedExchange, w, func(b domain.BlobDescriptor) error {
		ids = append(ids, b.ContentID)
		if b.Expiration.IsZero() {
			t.Errorf("expiration not parsed for %s", b.ContentID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "b1" || ids[1] != "b2" {
		t.Fatalf("paging should yield b1,b2 in order, got %v", ids)
	}
}

func TestListContentWindowRejected(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":"AF20055","message":"start time too far in the past"}}`)
	})
	c, _ := newTestClient(t, handler, 3)

	w := domain.TimeWindow{Start: time.Now().Add(-time.Hour), End: time.Now()}
	err := c.ListContent(context.Background(), domain.FeedGeneral, w, func(domain.BlobDescriptor) error { return nil })
	if !errors.Is(err, domain.ErrWindowRejected) {
		t.Fatalf("want ErrWindowRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("rejected window must not retry, got %d calls", calls.Load())
	}
}

func TestFetchBlobRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"Id":"r1","Operation":"Send"},{"Id":"r2","Operation":"Receive"}]`)
	})
	c, srv := newTestClient(t, handler, 3)

	blob := domain.BlobDescriptor{ContentID: "b1", ContentURI: srv.URL + "/blob/b1", Feed: domain.FeedExchange}
	records, err := c.FetchBlob(context.Background(), blob, 10<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("want 2 records, got %d", len(records))
	}
	if calls.Load() != 3 {
		t.Fatalf("want 2 retries then success, got %d calls", calls.Load())
	}
	var first map[string]string
	if err := json.Unmarshal(records[0], &first); err != nil || first["Id"] != "r1" {
		t.Fatalf("record order must match array order, got %s", records[0])
	}
}

func TestFetchBlobExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, srv := newTestClient(t, handler, 3)

	blob := domain.BlobDescriptor{ContentID: "b1", ContentURI: srv.URL + "/blob/b1"}
	_, err := c.FetchBlob(context.Background(), blob, 10<<20)
	if !errors.Is(err, domain.ErrFetchFailed) {
		t.Fatalf("want ErrFetchFailed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("want exactly 3 attempts, got %d", calls.Load())
	}
}

func TestFetchBlobTooLarge(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[{"Id":"`+strings.Repeat("x", 2048)+`"}]`)
	})
	c, srv := newTestClient(t, handler, 3)

	blob := domain.BlobDescriptor{ContentID: "b1", ContentURI: srv.URL + "/blob/b1"}
	_, err := c.FetchBlob(context.Background(), blob, 1024)
	if !errors.Is(err, domain.ErrBlobTooLarge) {
		t.Fatalf("want ErrBlobTooLarge, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("size cap is terminal, must not retry: %d calls", calls.Load())
	}
}

func TestFetchBlobParseFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	})
	c, srv := newTestClient(t, handler, 3)

	blob := domain.BlobDescriptor{ContentID: "b1", ContentURI: srv.URL + "/blob/b1"}
	_, err := c.FetchBlob(context.Background(), blob, 10<<20)
	if !errors.Is(err, domain.ErrParseFailed) {
		t.Fatalf("want ErrParseFailed, got %v", err)
	}
}
