package events

import (
	"context"
	"fmt"
	"strings"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

const EVENTS_CHANNEL string = "EVENTS"

var _ Publisher = new(RedisPublisher)

// RedisPublisher publishes each event on a per-instance channel so other
// nodes can relay them to their own subscribers.
type RedisPublisher struct {
	redisClient rd.UniversalClient
	namespace   string
	encDec      util.EncoderDecoder[Event]
}

func NewRedisPublisher(client rd.UniversalClient, namespace string) *RedisPublisher {
	return &RedisPublisher{
		redisClient: client,
		namespace:   namespace,
		encDec:      util.NewJsonEncoderDecoder[Event](),
	}
}

func (p *RedisPublisher) channel(instanceId string) string {
	return fmt.Sprintf("%s:%s:%s", p.namespace, EVENTS_CHANNEL, instanceId)
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	data, err := p.encDec.Encode(ev)
	if err != nil {
		logger.Error("error encoding event", zap.String("instance", ev.InstanceId), zap.Error(err))
		return
	}
	if err := p.redisClient.Publish(ctx, p.channel(ev.InstanceId), string(data)).Err(); err != nil {
		logger.Warn("error publishing event", zap.String("instance", ev.InstanceId), zap.Error(err))
	}
}

// Relay subscribes to every instance channel and republishes into target
// until ctx is done. Events are decoded as published; origin filtering is the
// caller's concern.
func (p *RedisPublisher) Relay(ctx context.Context, target Publisher) error {
	pubsub := p.redisClient.PSubscribe(ctx, p.channel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := p.encDec.Decode([]byte(msg.Payload))
				if err != nil {
					logger.Warn("dropping undecodable event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if ev.InstanceId == "" {
					ev.InstanceId = strings.TrimPrefix(msg.Channel, p.channel(""))
				}
				target.Publish(ctx, *ev)
			}
		}
	}()
	return nil
}
