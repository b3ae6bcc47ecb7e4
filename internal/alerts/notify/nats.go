package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes NATS subjects; the event name is appended.
const DefaultSubjectPrefix = "edgefleet.alerts"

// Publisher is the subset of *nats.Conn used by NatsChannel.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NatsChannel publishes notifications as JSON on "<prefix>.<event>".
type NatsChannel struct {
	conn   Publisher
	prefix string
}

// NewNatsChannel constructs a NATS channel.
func NewNatsChannel(conn Publisher, prefix string) (*NatsChannel, error) {
	if conn == nil {
		return nil, errors.New("nats channel: nil connection")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NatsChannel{conn: conn, prefix: prefix}, nil
}

// DialNats connects to a NATS server and wraps the connection.
func DialNats(url, prefix string) (*NatsChannel, *nats.Conn, error) {
	if url == "" {
		return nil, nil, errors.New("nats channel: empty url")
	}
	conn, err := nats.Connect(url, nats.Name("edgefleet-alerts"))
	if err != nil {
		return nil, nil, err
	}
	ch, err := NewNatsChannel(conn, prefix)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Name implements Channel.
func (n *NatsChannel) Name() string { return "nats" }

// Send implements Channel.
func (n *NatsChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.prefix+"."+msg.Event, body)
}
