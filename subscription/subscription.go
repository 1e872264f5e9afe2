package subscription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-relay/domain"
)

const reconnectDelay = time.Second

// Announcer forwards new-order and new-reservation announcements to admins.
type Announcer interface {
	Announce(ctx context.Context, event string, data json.RawMessage) error
}

// SubscribeAnnouncements listens for {"event","data"} frames published on
// channel and hands them to the announcer until ctx is cancelled.
func SubscribeAnnouncements(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	channel string,
	announcer Announcer,
) {
	for {
		sub := rc.Subscribe(ctx, channel)
		receive(ctx, logger, sub.Channel(), announcer)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func receive(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, announcer Announcer) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f domain.Frame
			if err := sonic.ConfigStd.UnmarshalFromString(msg.Payload, &f); err != nil {
				logger.WithError(err).Error("unable to parse announcement")
				continue
			}
			if err := announcer.Announce(ctx, f.Event, f.Data); err != nil {
				logger.WithError(err).WithField("event", f.Event).Error("unable to forward announcement")
			}
		}
	}
}
