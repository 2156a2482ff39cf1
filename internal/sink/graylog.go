package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/Graylog2/go-gelf.v2/gelf"

	"o365collect/internal/domain"
)

// GraylogSink emits chunked GELF over UDP. There is no transport ack; the
// records count as accepted once the send syscall returns.
type GraylogSink struct {
	writer *gelf.UDPWriter
}

func NewGraylogSink(address string, port int) (*GraylogSink, error) {
	w, err := gelf.NewUDPWriter(fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("graylog writer %s:%d: %w", address, port, err)
	}
	return &GraylogSink{writer: w}, nil
}

func (s *GraylogSink) Name() string { return "graylog" }

func (s *GraylogSink) Accept(_ context.Context, records []domain.Record) error {
	for _, r := range records {
		msg, err := gelfMessage(r)
		if err != nil {
			return err
		}
		if err := s.writer.WriteMessage(msg); err != nil {
			return fmt.Errorf("gelf send: %w", err)
		}
	}
	return nil
}

// gelfMessage flattens the record under _-prefixed extra fields, per the
// GELF additional-field convention.
func gelfMessage(r domain.Record) (*gelf.Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	extra := make(map[string]any, len(fields)+1)
	extra["_origin_feed"] = string(r.OriginFeed)
	for k, v := range fields {
		switch v.(type) {
		case string, float64, bool, nil:
			extra["_"+k] = v
		default:
			nested, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			extra["_"+k] = string(nested)
		}
	}
	short, _ := fields["Operation"].(string)
	if short == "" {
		short = string(r.OriginFeed)
	}
	return &gelf.Message{
		Version:  "1.1",
		Host:     r.TenantName,
		Short:    short,
		TimeUnix: float64(r.IngestedAt.UnixNano()) / 1e9,
		Level:    gelf.LOG_INFO,
		Extra:    extra,
	}, nil
}

func (s *GraylogSink) Flush(context.Context) error { return nil }

func (s *GraylogSink) Close() error { return s.writer.Close() }
