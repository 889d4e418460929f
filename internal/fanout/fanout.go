// Package fanout links relay instances through Redis pub/sub so members of
// one room can be spread across processes.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omniforge/collab/internal/log"
)

// Handler receives frames published by other instances.
type Handler func(roomID string, frame []byte) error

type Config struct {
	Addr     string
	Password string
	DB       int
	// Channel prefix; each room publishes on "<prefix>:<roomID>".
	Channel string
}

type message struct {
	Instance string          `json:"instance"`
	RoomID   string          `json:"roomId"`
	Frame    json.RawMessage `json:"frame"`
}

type Bridge struct {
	client   *redis.Client
	prefix   string
	instance string
	handler  Handler
	log      zerolog.Logger

	mu     sync.Mutex
	sub    *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, handler Handler) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, cfg.Channel, handler), nil
}

func NewWithClient(client *redis.Client, prefix string, handler Handler) *Bridge {
	if prefix == "" {
		prefix = "omniforge:collab"
	}
	instance := uuid.NewString()
	return &Bridge{
		client:   client,
		prefix:   prefix,
		instance: instance,
		handler:  handler,
		log:      log.WithComponent("fanout").With().Str("instance", instance).Logger(),
	}
}

func (b *Bridge) InstanceID() string {
	return b.instance
}

// Publish sends a frame to every other instance.
func (b *Bridge) Publish(ctx context.Context, roomID string, frame []byte) error {
	payload, err := json.Marshal(message{
		Instance: b.instance,
		RoomID:   roomID,
		Frame:    frame,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.client.Publish(ctx, b.prefix+":"+roomID, payload).Err()
}

// Start subscribes to every room channel. It returns once the subscription is
// confirmed; messages are then dispatched on a background goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+":*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.sub = sub
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(ctx, sub.Channel())
	b.log.Info().Str("pattern", b.prefix+":*").Msg("fan-out subscribed")
	return nil
}

func (b *Bridge) run(ctx context.Context, ch <-chan *redis.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bridge) dispatch(msg *redis.Message) {
	var m message
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed message")
		return
	}
	if m.Instance == b.instance {
		return
	}
	if m.RoomID == "" {
		m.RoomID = strings.TrimPrefix(msg.Channel, b.prefix+":")
	}
	if err := b.handler(m.RoomID, m.Frame); err != nil {
		b.log.Warn().Err(err).Str("room_id", m.RoomID).Msg("failed to apply remote frame")
	}
}

// Close stops the subscription and closes the Redis client.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub, cancel := b.sub, b.cancel
	b.sub, b.cancel = nil, nil
	b.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		errs = append(errs, sub.Close())
	}
	b.wg.Wait()
	errs = append(errs, b.client.Close())
	return errors.Join(errs...)
}
