// Package eventbus carries detection events into the pipeline and alert
// events out of it over NATS.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"
)

// Connect dials NATS with reconnects enabled and connection state logged.
func Connect(url, name string, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info(ctx, "nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info(ctx, "nats connected", "url", url, "name", name)
	return conn, nil
}
