package notify

import (
	"context"
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSSubjectPrefix = "scriptlock.events."

// NATSNotifier publishes events on a NATS subject per project.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier returns a notifier that publishes to <prefix><project>.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = defaultNATSSubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Name returns the notifier name.
func (n *NATSNotifier) Name() string {
	return "nats"
}

// SubjectFor returns the subject for an event. Subject tokens cannot hold
// dots or whitespace, so those are replaced in the project id.
func (n *NATSNotifier) SubjectFor(event Event) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, event.Channel())
	return n.prefix + token
}

// Send publishes the event payload.
func (n *NATSNotifier) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := MarshalEvent(event)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.SubjectFor(event), body); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	err := n.conn.Flush()
	n.conn.Close()
	return err
}
