package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"o365collect/internal/domain"
)

// omsMaxBody is the Data Collector API body limit.
const omsMaxBody = 30 << 20

// OmsSink posts to the Azure Log Analytics HTTP Data Collector API. Requests
// are signed with HMAC-SHA256 over the canonicalised headers; the shared key
// arrives out-of-band (flag or environment), never from the config file.
type OmsSink struct {
	workspaceID string
	key         []byte
	httpc       *http.Client
	endpoint    string
	now         func() time.Time
}

func NewOmsSink(workspaceID, sharedKey string) (*OmsSink, error) {
	if sharedKey == "" {
		return nil, fmt.Errorf("azureLogAnalytics output needs a shared key (--oms-key)")
	}
	key, err := base64.StdEncoding.DecodeString(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("oms shared key is not valid base64: %w", err)
	}
	return &OmsSink{
		workspaceID: workspaceID,
		key:         key,
		httpc:       &http.Client{Timeout: 60 * time.Second},
		endpoint:    fmt.Sprintf("https://%s.ods.opinsights.azure.com", workspaceID),
		now:         time.Now,
	}, nil
}

func (s *OmsSink) Name() string { return "azureLogAnalytics" }

// Accept groups the batch per feed (the Log-Type header carries the feed)
// and posts each group, splitting when a body would cross the API limit.
func (s *OmsSink) Accept(ctx context.Context, records []domain.Record) error {
	groups := make(map[domain.Feed][]map[string]any)
	for _, r := range records {
		merged, err := r.Merged()
		if err != nil {
			return err
		}
		groups[r.OriginFeed] = append(groups[r.OriginFeed], merged)
	}
	for feed, logs := range groups {
		for len(logs) > 0 {
			n := len(logs)
			body, err := json.Marshal(logs[:n])
			if err != nil {
				return err
			}
			for len(body) > omsMaxBody && n > 1 {
				n /= 2
				if body, err = json.Marshal(logs[:n]); err != nil {
					return err
				}
			}
			if err := s.post(ctx, feed, body); err != nil {
				return err
			}
			logs = logs[n:]
		}
	}
	return nil
}

func (s *OmsSink) post(ctx context.Context, feed domain.Feed, body []byte) error {
	date := s.now().UTC().Format(http.TimeFormat)
	u := s.endpoint + "/api/logs?api-version=2016-04-01"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Log-Type", feed.Basename())
	req.Header.Set("x-ms-date", date)
	req.Header.Set("time-generated-field", "CreationTime")
	req.Header.Set("Authorization", s.signature(len(body), date))

	res, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("oms post: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 200))
		return fmt.Errorf("oms post returned %d: %s", res.StatusCode, excerpt)
	}
	return nil
}

// signature builds the SharedKey authorization header for one request.
func (s *OmsSink) signature(contentLength int, date string) string {
	stringToSign := "POST\n" +
		strconv.Itoa(contentLength) + "\n" +
		"application/json\n" +
		"x-ms-date:" + date + "\n" +
		"/api/logs"
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(stringToSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("SharedKey %s:%s", s.workspaceID, sig)
}

func (s *OmsSink) Flush(context.Context) error { return nil }

func (s *OmsSink) Close() error { return nil }
