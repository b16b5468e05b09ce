package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
)

type natsSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATS returns a sink publishing samples as JSON to <subject>.<category>.
func NewNATS(cfg config.NATSConfig) (Sink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("page-weight-monitor"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &natsSink{conn: conn, subject: cfg.Subject}, nil
}

func (n *natsSink) Name() string { return "nats" }

type natsMessage struct {
	report
	Time   time.Time         `json:"time"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (n *natsSink) Save(_ context.Context, s model.Sample) error {
	b, err := sonic.Marshal(natsMessage{report: newReport(s), Time: s.Time, Labels: s.Labels})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject+"."+s.Category.Name(), b); err != nil {
		return err
	}
	return n.conn.FlushTimeout(5 * time.Second)
}

func (n *natsSink) Close() error {
	return n.conn.Drain()
}
