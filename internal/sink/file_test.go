package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"o365collect/internal/domain"
)

func TestFileSinkWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.json")
	s := NewFileSink(path, false)
	defer s.Close()

	recs := []domain.Record{
		{OriginFeed: domain.FeedExchange, TenantName: "contoso", IngestedAt: time.Now(), Data: json.RawMessage(`{"Id":"r1"}`)},
		{OriginFeed: domain.FeedSharePoint, TenantName: "contoso", IngestedAt: time.Now(), Data: json.RawMessage(`{"Id":"r2"}`)},
	}
	if err := s.Accept(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var obj map[string]any
		if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
			t.Fatalf("line %d is not a JSON object: %v", lines, err)
		}
		if obj["TenantName"] != "contoso" {
			t.Fatalf("line %d missing TenantName", lines)
		}
	}
	if lines != 2 {
		t.Fatalf("want 2 NDJSON lines, got %d", lines)
	}
}

func TestFileSinkAppendsAcrossBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	s := NewFileSink(path, false)
	rec := []domain.Record{{OriginFeed: domain.FeedGeneral, TenantName: "t", Data: json.RawMessage(`{"Id":"r"}`)}}
	if err := s.Accept(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A new sink over the same path must append, not truncate.
	s2 := NewFileSink(path, false)
	defer s2.Close()
	if err := s2.Accept(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(splitLines(raw)); got != 2 {
		t.Fatalf("want 2 lines after reopen, got %d", got)
	}
}

func TestFileSinkSeparatesByContentType(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(filepath.Join(dir, "audit.json"), true)
	defer s.Close()

	recs := []domain.Record{
		{OriginFeed: domain.FeedExchange, TenantName: "t", Data: json.RawMessage(`{"Id":"e1"}`)},
		{OriginFeed: domain.FeedAzureActiveDirectory, TenantName: "t", Data: json.RawMessage(`{"Id":"a1"}`)},
	}
	if err := s.Accept(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"AuditExchange.json", "AuditAzureActiveDirectory.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected per-feed file %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "audit.json")); !os.IsNotExist(err) {
		t.Fatalf("unified file must not exist in separated mode")
	}
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	return out
}
