package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
	"github.com/okian/feedbackd/pkg/metrics"
)

const defaultSubjectPrefix = "feedback.events"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON envelopes on <prefix>.<type>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	log    logger.Logger
}

// NATSConfig holds the connection settings.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: defaultSubjectPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg NATSConfig, log logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Get().Named("nats")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultNATSConfig().ReconnectWait
	}
	ctx := context.Background()
	opts := []nats.Option{
		nats.Name("feedbackd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn(ctx, "NATS disconnected", logger.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(ctx, "NATS reconnected", logger.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error(ctx, "NATS error", logger.Error(err))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return NewNATSPublisherWithConn(nc, cfg.SubjectPrefix, log), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn Conn, prefix string, log logger.Logger) *NATSPublisher {
	if log == nil {
		log = logger.Get().Named("nats")
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

func subjectFor(prefix string, t model.EventType) string {
	return prefix + "." + string(t)
}

// Publish sends ev. Failures are logged; delivery is best effort.
func (p *NATSPublisher) Publish(ctx context.Context, ev model.Event) {
	data, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		p.log.Error(ctx, "failed to marshal event", logger.Error(err))
		return
	}
	subject := subjectFor(p.prefix, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn(ctx, "failed to publish event", logger.String("subject", subject), logger.Error(err))
		return
	}
	metrics.RecordEventPublished(string(ev.Type), "nats")
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
