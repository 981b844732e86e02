// Package turnevents publishes a "turn.recorded" event on the grotto.turns topic every time a
// turn is durably stored. Events travel through an in-process channel by default, or through
// Redis Streams so that other processes (grotto events tail) can follow the bot.
package turnevents

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	Topic             = "grotto.turns"
	EventTurnRecorded = "turn.recorded"
)

type Event struct {
	Type           string  `json:"type"`
	MessageIDs     []int64 `json:"message_ids"`
	InReplyToID    int64   `json:"in_reply_to_id,omitempty"`
	ContinuesID    int64   `json:"continues_message_id,omitempty"`
	SessionID      string  `json:"session_id"`
	SnapshotID     int64   `json:"snapshot_id"`
	Actor          string  `json:"actor,omitempty"`
	Command        string  `json:"command,omitempty"`
	ResponseLength int     `json:"response_length"`
	NewSession     bool    `json:"new_session"`
	RecordedAtMs   int64   `json:"recorded_at_ms"`
}

// Bus owns the publisher (and, in process, the subscriber) for turn events.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
}

func NewBus(s Settings) (*Bus, error) {
	logger := NewLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "turnevents: redis publisher")
	}
	log.Info().Str("addr", s.Addr).Str("topic", Topic).Msg("publishing turn events to redis streams")
	return &Bus{Publisher: pub, client: client}, nil
}

// PublishTurn stamps ev as a turn.recorded event and publishes it.
func (b *Bus) PublishTurn(ctx context.Context, ev Event) error {
	if b == nil || b.Publisher == nil {
		return errors.New("turnevents: bus is nil")
	}
	ev.Type = EventTurnRecorded
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "turnevents: marshal event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", EventTurnRecorded)
	msg.SetContext(ctx)
	if err := b.Publisher.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "turnevents: publish")
	}
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Publisher != nil {
		firstErr = b.Publisher.Close()
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func Decode(msg *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "turnevents: decode")
	}
	if ev.Type != EventTurnRecorded {
		return Event{}, errors.Errorf("turnevents: unexpected event type %q", ev.Type)
	}
	return ev, nil
}

// NewRouter runs handle for every turn event delivered by sub.
func NewRouter(sub message.Subscriber, name string, handle func(Event) error) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, NewLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "turnevents: router")
	}
	router.AddNoPublisherHandler(name, Topic, sub, func(msg *message.Message) error {
		ev, err := Decode(msg)
		if err != nil {
			// a payload we cannot read will never become readable
			log.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable turn event")
			return nil
		}
		return handle(ev)
	})
	return router, nil
}

// NewGroupSubscriber returns a Redis Streams subscriber bound to the settings' consumer group.
// Closing it also closes its redis client.
func NewGroupSubscriber(s Settings) (message.Subscriber, error) {
	return newGroupSubscriber(s, redis.NewClient(&redis.Options{Addr: s.Addr}))
}

func newGroupSubscriber(s Settings, client *redis.Client) (*groupSubscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "turnevents: redis subscriber")
	}
	return &groupSubscriber{Subscriber: sub, client: client}, nil
}

type groupSubscriber struct {
	message.Subscriber
	client *redis.Client
}

func (g *groupSubscriber) Close() error {
	err := g.Subscriber.Close()
	if cerr := g.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) if it doesn't exist, so a
// new tail does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "turnevents: create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
