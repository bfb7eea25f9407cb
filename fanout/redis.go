package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
)

// DefaultChannel is the Redis pub/sub channel carrying job snapshots.
const DefaultChannel = "agentdeploy:jobs"

const bridgeQueueSize = 256

// envelope is the wire format on the Redis channel.
type envelope struct {
	Origin string          `json:"origin"`
	Job    *deployment.Job `json:"job"`
}

// RedisBridge connects hubs in different processes. Local commits are
// delivered to the local hub and published to Redis; snapshots published by
// other processes are relayed into the local hub. Version dedupe in the hub
// absorbs duplicates.
//
// RedisBridge satisfies jobstore.Notifier and is installed in place of the hub.
type RedisBridge struct {
	hub     *Hub
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.SugaredLogger

	out  chan *deployment.Job
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewRedisBridge wires hub to the Redis server at client.
func NewRedisBridge(hub *Hub, client *redis.Client, channel string, log *zap.SugaredLogger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisBridge{
		hub:     hub,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.AddFeedSymbol(log),
		out:     make(chan *deployment.Job, bridgeQueueSize),
	}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connection to %s failed", addr)
	}
	return client, nil
}

// Publish delivers job locally and queues it for Redis. It never blocks
// on the network; when the outbound queue is full the remote copy is dropped
// and remote observers catch up on the next commit.
func (b *RedisBridge) Publish(job *deployment.Job) {
	b.hub.Publish(job)
	select {
	case b.out <- job:
	default:
		b.logger.Warnw("Redis bridge queue full, dropping remote publish",
			logger.FieldJobID, job.ID,
			"version", job.Version,
		)
	}
}

// Start runs the publisher and the relay until ctx is cancelled or Stop is called.
func (b *RedisBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.stop = cancel

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return errors.Wrapf(err, "failed to subscribe to %s", b.channel)
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.publishLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()
		b.relayLoop(ctx, pubsub.Channel())
	}()

	b.logger.Infow("Redis fan-out bridge started", "channel", b.channel, "origin", b.origin)
	return nil
}

// Stop ends both loops and waits for them.
func (b *RedisBridge) Stop() {
	if b.stop != nil {
		b.stop()
	}
	b.wg.Wait()
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.out:
			data, err := json.Marshal(envelope{Origin: b.origin, Job: job})
			if err != nil {
				b.logger.Errorw("Failed to encode snapshot", logger.FieldJobID, job.ID, logger.FieldError, err)
				continue
			}
			if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil && ctx.Err() == nil {
				b.logger.Warnw("Failed to publish snapshot to redis",
					logger.FieldJobID, job.ID,
					logger.FieldError, err,
				)
			}
		}
	}
}

func (b *RedisBridge) relayLoop(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.relay(msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Debugw("Ignoring malformed snapshot", logger.FieldError, err)
		return
	}
	if env.Origin == b.origin || env.Job == nil {
		return
	}
	b.hub.Publish(env.Job)
}
