package notifyamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/pony/internal/notify"
)

const queueName = "result.added"

var _ notify.Listener = (*Listener)(nil)

// Listener publishes a JSON message per stored result to the result.added
// queue. It dials per publish; the coordinator's write rate is one message
// per build submission, so connection reuse isn't worth the state.
type Listener struct {
	connectionString string
}

func NewListener(connectionString string) *Listener {
	return &Listener{connectionString: connectionString}
}

func (l *Listener) NotifyResultAdded(ctx context.Context, key int64) error {
	type message struct {
		ResultKey int64     `json:"result_key"`
		AddedAt   time.Time `json:"added_at"`
	}
	msg := message{ResultKey: key, AddedAt: time.Now().UTC()}
	msgBuf := new(bytes.Buffer)
	if err := json.NewEncoder(msgBuf).Encode(msg); err != nil {
		return err
	}

	conn, err := amqp091.Dial(l.connectionString)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	m := amqp091.Publishing{
		ContentType: "application/json",
		Body:        msgBuf.Bytes(),
	}
	return ch.PublishWithContext(ctx, "", q.Name, false, false, m)
}
