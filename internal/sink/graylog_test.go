package sink

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"

	"o365collect/internal/domain"
)

func TestGraylogSendsGELF(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)

	s, err := NewGraylogSink("127.0.0.1", addr.Port)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	// Uncompressed so the test can decode the datagram directly.
	s.writer.CompressionType = gelf.CompressNone

	rec := domain.Record{
		OriginFeed: domain.FeedSharePoint,
		TenantName: "contoso",
		IngestedAt: time.Now(),
		Data:       json.RawMessage(`{"Id":"r1","Operation":"FileAccessed","ItemCount":3}`),
	}
	if err := s.Accept(context.Background(), []domain.Record{rec}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64<<10)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	var msg map[string]any
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		t.Fatalf("datagram is not plain GELF JSON: %v", err)
	}
	if msg["host"] != "contoso" {
		t.Fatalf("host must be the tenant name, got %v", msg["host"])
	}
	if msg["short_message"] != "FileAccessed" {
		t.Fatalf("short_message should come from Operation, got %v", msg["short_message"])
	}
	if msg["_origin_feed"] != "Audit.SharePoint" {
		t.Fatalf("missing _origin_feed, got %v", msg["_origin_feed"])
	}
	if msg["_Id"] != "r1" {
		t.Fatalf("record fields must be flattened under underscores, got %v", msg["_Id"])
	}
	if _, err := strconv.ParseFloat(string(mustJSON(msg["_ItemCount"])), 64); err != nil {
		t.Fatalf("numeric fields should stay numeric: %v", msg["_ItemCount"])
	}
}

func mustJSON(v any) []byte {
	raw, _ := json.Marshal(v)
	return raw
}
