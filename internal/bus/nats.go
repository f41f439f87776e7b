package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowdhq/flowd/pkg/schema"
)

// NATSBus implements Bus over a core NATS connection.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials the NATS server with resilient connection options and
// returns a Bus backed by it.
func ConnectNATS(url string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

// Conn exposes the underlying connection for JetStream-based components.
func (b *NATSBus) Conn() *nats.Conn { return b.nc }

func (b *NATSBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeBus, "marshal payload for %s: %s", subject, err.Error()).WithCause(err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeBus, "publish %s: %s", subject, err.Error()).WithCause(err)
	}
	return nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, payload any, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBus, "marshal payload for %s: %s", subject, err.Error()).WithCause(err)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.nc.RequestWithContext(rctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"request %s timed out after %s", subject, timeout).WithCause(err)
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, schema.NewErrorf(schema.ErrCodeBus, "no responders for %s", subject).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeBus, "request %s: %s", subject, err.Error()).WithCause(err)
	}
	return msg.Data, nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		go func() {
			resp, err := handler(context.Background(), m.Subject, m.Data)
			if m.Reply == "" {
				if err != nil {
					b.logger.Warn("bus handler failed", "subject", m.Subject, "error", err)
				}
				return
			}
			if err != nil {
				body, _ := json.Marshal(map[string]any{"error": err.Error()})
				_ = m.Respond(body)
				return
			}
			_ = m.Respond(resp)
		}()
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBus, "subscribe %s: %s", subject, err.Error()).WithCause(err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

var _ Bus = (*NATSBus)(nil)
