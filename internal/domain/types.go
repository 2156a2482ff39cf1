package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Feed is a Management Activity API content type. The set is closed; the API
// rejects anything else.
type Feed string

const (
	FeedAzureActiveDirectory Feed = "Audit.AzureActiveDirectory"
	FeedExchange             Feed = "Audit.Exchange"
	FeedSharePoint           Feed = "Audit.SharePoint"
	FeedGeneral              Feed = "Audit.General"
	FeedDLPAll               Feed = "DLP.All"
)

func AllFeeds() []Feed {
	return []Feed{
		FeedAzureActiveDirectory,
		FeedExchange,
		FeedSharePoint,
		FeedGeneral,
		FeedDLPAll,
	}
}

func ParseFeed(s string) (Feed, error) {
	for _, f := range AllFeeds() {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown subscription %q", s)
}

// Basename returns a filename-safe form of the feed, e.g. "AuditExchange".
func (f Feed) Basename() string {
	return strings.ReplaceAll(string(f), ".", "")
}

// APIVariant selects the cloud the tenant lives in.
type APIVariant string

const (
	VariantCommercial APIVariant = "commercial"
	VariantGCC        APIVariant = "gcc"
	VariantGCCHigh    APIVariant = "gcc-high"
)

// Endpoints returns the login authority and management API host for the
// variant. The management host doubles as the OAuth resource audience.
func (v APIVariant) Endpoints() (authority, management string, err error) {
	switch v {
	case VariantCommercial, "":
		return "https://login.microsoftonline.com", "https://manage.office.com", nil
	case VariantGCC:
		return "https://login.microsoftonline.com", "https://manage-gcc.office.com", nil
	case VariantGCCHigh:
		return "https://login.microsoftonline.us", "https://manage.office365.us", nil
	default:
		return "", "", fmt.Errorf("invalid api_type %q: must be commercial, gcc or gcc-high", v)
	}
}

// SecretSource is an inline client secret or a path read lazily from disk.
// The resolved value must never end up in a log record.
type SecretSource struct {
	Inline string
	Path   string
}

func (s SecretSource) Resolve() (string, error) {
	if s.Inline != "" {
		return s.Inline, nil
	}
	if s.Path == "" {
		return "", fmt.Errorf("either client_secret or client_secret_path must be provided")
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read client secret from %s: %w", s.Path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Tenant identifies one Azure AD tenant to collect from. Name is the
// operator-chosen label downstream routers key on; it defaults to TenantID.
type Tenant struct {
	TenantID string
	ClientID string
	Name     string
	Secret   SecretSource
	Variant  APIVariant
}

func (t Tenant) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.TenantID
}

// TimeWindow is a half-open UTC interval [Start, End) fed to the content
// listing endpoint. The API caps windows at 24h and retains 7 days.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w TimeWindow) String() string {
	return FormatAPITime(w.Start) + ".." + FormatAPITime(w.End)
}

const apiTimeFormat = "2006-01-02T15:04:05Z"

// FormatAPITime renders a timestamp the way the listing endpoint expects.
func FormatAPITime(t time.Time) string {
	return t.UTC().Format(apiTimeFormat)
}

// BlobDescriptor is one content blob announced by the listing endpoint.
// ContentID is the canonical dedup key; ContentURI is a single-use URL.
type BlobDescriptor struct {
	ContentID  string
	ContentURI string
	Feed       Feed
	Created    time.Time
	Expiration time.Time
}

// Record is one audit record wrapped for delivery. Data passes through
// verbatim; only OriginFeed and TenantName are stamped on top.
type Record struct {
	OriginFeed Feed
	TenantName string
	IngestedAt time.Time
	Data       json.RawMessage
}

// Merged flattens the raw record into a map with OriginFeed and TenantName
// stamped on top. The envelope fields win on key collision.
func (r Record) Merged() (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	out["OriginFeed"] = string(r.OriginFeed)
	out["TenantName"] = r.TenantName
	return out, nil
}

// Checkpoint is the durable high-water mark for one (tenant, feed).
// LastLogTime is the exclusive upper bound already covered.
type Checkpoint struct {
	LastLogTime time.Time `json:"last_log_time"`
	LastRun     time.Time `json:"last_run"`
	FirstRun    bool      `json:"first_run"`
}

// CycleStats aggregates one cycle's counters for a (tenant, feed).
type CycleStats struct {
	BlobsFound      int
	BlobsSuccessful int
	BlobsFailed     int
	BlobsRetried    int
	LogsSaved       int
}

func (s *CycleStats) Add(o CycleStats) {
	s.BlobsFound += o.BlobsFound
	s.BlobsSuccessful += o.BlobsSuccessful
	s.BlobsFailed += o.BlobsFailed
	s.BlobsRetried += o.BlobsRetried
	s.LogsSaved += o.LogsSaved
}
