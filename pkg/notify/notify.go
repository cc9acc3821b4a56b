// Package notify publishes progress of deployments and teardowns to NATS.
//
// Each event is a JSON message on the subject "<prefix>.<op>.<project key>".
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opst/knitops/pkg/domain"
	"github.com/opst/knitops/pkg/orchestrator"
	"go.uber.org/zap"
)

const DefaultPrefix = "knitops"

// Message is the payload published for each event.
type Message struct {
	Op  string    `json:"op"`
	Key string    `json:"key"`
	At  time.Time `json:"at"`

	Stream string `json:"stream,omitempty"`

	// set on the terminal event.
	Result string `json:"result,omitempty"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

var _ orchestrator.Notifier = &Publisher{}

type Option func(*Publisher) *Publisher

func WithPrefix(prefix string) Option {
	return func(p *Publisher) *Publisher {
		p.prefix = prefix
		return p
	}
}

// Connect connects to the NATS server at url, like "nats://127.0.0.1:4222".
func Connect(url string, logger *zap.Logger, options ...Option) (*Publisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("knitops"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return New(conn, logger, options...), nil
}

func New(conn *nats.Conn, logger *zap.Logger, options ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{conn: conn, prefix: DefaultPrefix, logger: logger.Named("notify"), now: time.Now}
	for _, opt := range options {
		p = opt(p)
	}
	return p
}

// Subject returns the subject where events of the operation on the project are published.
func (p *Publisher) Subject(op string, key string) string {
	return strings.Join([]string{p.prefix, op, key}, ".")
}

// Notify publishes the event. Failures are logged and dropped.
func (p *Publisher) Notify(ctx context.Context, op string, key string, ev domain.Event) {
	msg := Message{Op: op, Key: key, At: p.now(), Stream: strings.TrimSuffix(ev.Stream, "\n")}
	if r := ev.Result; r != nil {
		msg.Result = string(r.Status)
		msg.ID = r.ID
		msg.Reason = r.Reason
		if r.Err != nil {
			msg.Error = r.Err.Error()
		}
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("cannot encode event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(op, key), buf); err != nil {
		p.logger.Warn("cannot publish event", zap.String("op", op), zap.String("project", key), zap.Error(err))
		return
	}
	if ev.Terminal() {
		// terminal events should not be lost in the buffer.
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.conn.FlushWithContext(fctx); err != nil {
			p.logger.Warn("cannot flush events", zap.Error(err))
		}
	}
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
