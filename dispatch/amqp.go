package dispatch

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
)

const (
	DefaultExchange  = "agentdeploy.jobs"
	QueuedRoutingKey = "job.queued"
)

// QueuedMessage is the body of a job.queued message.
type QueuedMessage struct {
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dial opens a connection and a channel to RabbitMQ.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "failed to open rabbitmq channel")
	}
	return conn, ch, nil
}

func declareExchange(ch channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	return errors.Wrapf(err, "failed to declare exchange %s", exchange)
}

// AMQPNotifier publishes job.queued messages to a topic exchange.
type AMQPNotifier struct {
	ch       channel
	exchange string
}

// NewAMQPNotifier declares the exchange and returns a notifier on it.
func NewAMQPNotifier(ch *amqp.Channel, exchange string) (*AMQPNotifier, error) {
	return newAMQPNotifier(ch, exchange)
}

func newAMQPNotifier(ch channel, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &AMQPNotifier{ch: ch, exchange: exchange}, nil
}

func (n *AMQPNotifier) NotifyQueued(ctx context.Context, jobID string) error {
	body, err := json.Marshal(QueuedMessage{JobID: jobID, Timestamp: time.Now().Unix()})
	if err != nil {
		return errors.Wrap(err, "encode queued message")
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, QueuedRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    jobID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to publish queued message"), "Job ID: "+jobID)
	}
	return nil
}

// AMQPListener wakes local schedulers on job.queued messages. Every listener
// binds its own exclusive queue, so each worker process sees every message.
type AMQPListener struct {
	ch       channel
	exchange string
	waker    Waker
	logger   *zap.SugaredLogger
	done     chan struct{}
}

func NewAMQPListener(ch *amqp.Channel, exchange string, waker Waker, log *zap.SugaredLogger) *AMQPListener {
	return newAMQPListener(ch, exchange, waker, log)
}

func newAMQPListener(ch channel, exchange string, waker Waker, log *zap.SugaredLogger) *AMQPListener {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AMQPListener{
		ch:       ch,
		exchange: exchange,
		waker:    waker,
		logger:   logger.AddFeedSymbol(log),
		done:     make(chan struct{}),
	}
}

// Start declares and binds the listener's queue and consumes it until ctx
// is cancelled or the channel closes.
func (l *AMQPListener) Start(ctx context.Context) error {
	if err := declareExchange(l.ch, l.exchange); err != nil {
		return err
	}
	q, err := l.ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "failed to declare wake-up queue")
	}
	if err := l.ch.QueueBind(q.Name, QueuedRoutingKey, l.exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s", q.Name)
	}
	msgs, err := l.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume queue %s", q.Name)
	}

	l.logger.Infow("Listening for queued jobs", "queue", q.Name, "exchange", l.exchange)
	go l.loop(ctx, msgs)
	return nil
}

// Done is closed once the listener stopped consuming.
func (l *AMQPListener) Done() <-chan struct{} { return l.done }

func (l *AMQPListener) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				l.logger.Warnw("Wake-up channel closed")
				return
			}
			var m QueuedMessage
			if err := json.Unmarshal(msg.Body, &m); err != nil {
				l.logger.Debugw("Ignoring malformed queued message", logger.FieldError, err)
				continue
			}
			l.logger.Debugw("Job queued elsewhere, waking slots", logger.FieldJobID, m.JobID)
			l.waker.Wake()
		}
	}
}
