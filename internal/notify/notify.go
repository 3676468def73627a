// Package notify announces store revisions between processes that share a
// database, so their snapshots follow each other without waiting for a poll.
package notify

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when none is configured.
const DefaultSubject = "localizer.users.changed"

// Notifier publishes and receives revision announcements.
type Notifier interface {
	Announce(revision uint64) error
	// Listen calls fn for every announcement. The returned func stops it.
	Listen(fn func(revision uint64)) (stop func(), err error)
	Close()
}

// Config holds NATS connection settings.
type Config struct {
	URL     string
	Subject string
	Name    string
	Logger  *slog.Logger
}

// NATS is a Notifier over a NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATS connects to the NATS server at cfg.URL.
func NewNATS(cfg Config) (*NATS, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Announce publishes revision.
func (n *NATS) Announce(revision uint64) error {
	return n.conn.Publish(n.subject, []byte(strconv.FormatUint(revision, 10)))
}

// Listen subscribes fn to announcements. Malformed messages are dropped.
func (n *NATS) Listen(fn func(revision uint64)) (func(), error) {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		rev, err := strconv.ParseUint(string(msg.Data), 10, 64)
		if err != nil {
			n.logger.Debug("Dropped malformed announcement", "data", string(msg.Data))
			return
		}
		fn(rev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
