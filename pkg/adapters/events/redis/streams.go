package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// StreamsBus carries run lifecycle events over Redis Streams. The publish
// side feeds the run's stream; the consume side joins a consumer group so
// external monitors (dashboards, downstream pipelines waiting on
// derivatives) and the embedded monitoring API can follow long runs.
type StreamsBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
}

// New creates a Redis Streams event bus.
func New(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) *StreamsBus {
	return &StreamsBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}
}

// Publish appends the event to the topic's stream.
func (b *StreamsBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	streamKey := streamKey(topic)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("append to stream %s: %w", streamKey, err)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("stream", streamKey))
	return nil
}

// Subscribe joins the topic's consumer group and drains the stream into the
// handler until the context is cancelled. A message is acknowledged only
// after the handler accepts it, so a consumer that dies mid-batch leaves
// the rest pending for redelivery.
func (b *StreamsBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	stream := streamKey(topic)

	err := b.client.XGroupCreateMkStream(ctx, stream, b.consumerGroup, "0").Err()
	if err != nil && !redis.HasErrorPrefix(err, "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.consumerGroup, stream, err)
	}

	b.logger.Info("consuming event stream",
		zap.String("stream", stream),
		zap.String("consumer_group", b.consumerGroup),
		zap.String("consumer", b.consumerName))

	go b.consume(ctx, stream, handler)
	return nil
}

const (
	readBatch = 64
	readBlock = 5 * time.Second
)

func (b *StreamsBus) consume(ctx context.Context, stream string, handler ports.EventHandler) {
	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("stream read failed, retrying",
				zap.String("stream", stream),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				b.deliver(ctx, stream, msg, handler)
			}
		}
	}
}

func (b *StreamsBus) deliver(ctx context.Context, stream string, msg redis.XMessage, handler ports.EventHandler) {
	evt, err := decodeEvent(msg)
	if err != nil {
		// Undecodable entries are acked anyway: redelivery cannot fix them.
		b.logger.Error("discarding undecodable stream entry",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err))
		b.ack(ctx, stream, msg.ID)
		return
	}

	if err := handler(ctx, evt); err != nil {
		b.logger.Error("event handler rejected entry, leaving pending",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.String("type", string(evt.Type)),
			zap.Error(err))
		return
	}

	b.ack(ctx, stream, msg.ID)
}

func (b *StreamsBus) ack(ctx context.Context, stream, entryID string) {
	if err := b.client.XAck(ctx, stream, b.consumerGroup, entryID).Err(); err != nil {
		b.logger.Error("failed to ack stream entry",
			zap.String("stream", stream),
			zap.String("entry_id", entryID),
			zap.Error(err))
	}
}

// decodeEvent rebuilds a domain event from one stream entry.
func decodeEvent(msg redis.XMessage) (domain.Event, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return domain.Event{}, fmt.Errorf("entry %s has no data field", msg.ID)
	}
	var evt domain.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return domain.Event{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return evt, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *StreamsBus) Close() error {
	return nil
}

func streamKey(topic string) string {
	return "dwiprep:events:" + topic
}
