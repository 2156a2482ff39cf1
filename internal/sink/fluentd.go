package sink

import (
	"context"
	"fmt"

	"github.com/fluent/fluent-logger-golang/fluent"

	"o365collect/internal/domain"
)

// FluentdSink speaks the forward protocol over TCP. It posts synchronously
// with chunk acks requested, so Accept returning nil means the remote
// acknowledged the records. The tag is the tenant name; the feed travels on
// each record as OriginFeed.
type FluentdSink struct {
	logger *fluent.Fluent
	tag    string
}

func NewFluentdSink(address string, port int, tenantName string) (*FluentdSink, error) {
	logger, err := fluent.New(fluent.Config{
		FluentHost:    address,
		FluentPort:    port,
		Async:         false,
		RequestAck:    true,
		MarshalAsJSON: false,
		MaxRetry:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("connect fluentd %s:%d: %w", address, port, err)
	}
	tag := tenantName
	if tag == "" {
		tag = "office365"
	}
	return &FluentdSink{logger: logger, tag: tag}, nil
}

func (s *FluentdSink) Name() string { return "fluentd" }

func (s *FluentdSink) Accept(_ context.Context, records []domain.Record) error {
	for _, r := range records {
		merged, err := r.Merged()
		if err != nil {
			return err
		}
		if err := s.logger.PostWithTime(s.tag, r.IngestedAt, merged); err != nil {
			return fmt.Errorf("forward post: %w", err)
		}
	}
	return nil
}

func (s *FluentdSink) Flush(context.Context) error { return nil }

func (s *FluentdSink) Close() error { return s.logger.Close() }
