package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// CachePublisher pushes events onto the owner's and the intent's pub/sub
// channels, where the WebSocket hub and SSE streams pick them up.
type CachePublisher struct {
	cache  publisher
	logger *zap.SugaredLogger
}

func NewCachePublisher(cache publisher, logger *zap.SugaredLogger) *CachePublisher {
	return &CachePublisher{cache: cache, logger: logger}
}

func (p *CachePublisher) Notify(ctx context.Context, ev Event) {
	channels := make([]string, 0, 2)
	if ev.Owner != "" {
		channels = append(channels, store.ChannelUser(ev.Owner))
	}
	if ev.IntentID != "" {
		channels = append(channels, store.ChannelIntent(ev.IntentID))
	}
	for _, ch := range channels {
		if err := p.cache.Publish(ctx, ch, ev); err != nil {
			p.logger.Warnw("Failed to publish notification", "channel", ch, "type", ev.Type, "error", err)
		}
	}
}

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards events to "<subject>.<type>".
type NATSPublisher struct {
	conn    natsConn
	nc      *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

// DialNATS connects to url and returns a publisher for subject.
func DialNATS(url, subject string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("leafsii-liquidity"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := NewNATSPublisher(nc, subject, logger)
	p.nc = nc
	return p, nil
}

func NewNATSPublisher(conn natsConn, subject string, logger *zap.SugaredLogger) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

func (p *NATSPublisher) Subject(t EventType) string {
	return p.subject + "." + string(t)
}

func (p *NATSPublisher) Notify(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorw("Failed to encode notification", "type", ev.Type, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		p.logger.Warnw("Failed to publish notification to NATS", "subject", p.Subject(ev.Type), "error", err)
	}
}

// Close drains the connection if DialNATS opened it.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
