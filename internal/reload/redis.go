package reload

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SubscribeRedis reloads policies whenever a message is published on channel.
// The subscription lives until Stop. The payload is ignored; publishers only
// signal that the policy directory has changed.
func (r *Reloader) SubscribeRedis(ctx context.Context, client *redis.Client, channel string) error {
	runCtx, err := r.runContext()
	if err != nil {
		return err
	}

	pubsub := client.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so connection errors surface here
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		r.watchMessages(runCtx, pubsub.Channel())
	}()

	r.logger.Info("subscribed to reload notifications", zap.String("channel", channel))
	return nil
}

// watchMessages reloads once per received notification until ctx is done
// or messages is closed
func (r *Reloader) watchMessages(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			rev, err := r.Trigger(ctx)
			switch {
			case errors.Is(err, ErrThrottled):
				// the poll loop picks up whatever this notification announced
				r.logger.Debug("reload notification throttled", zap.String("channel", msg.Channel))
			case err != nil:
				r.logger.Warn("reload from notification failed", zap.String("channel", msg.Channel), zap.Error(err))
			default:
				r.logger.Info("reloaded from notification",
					zap.String("channel", msg.Channel),
					zap.String("revision_id", rev.ID),
				)
			}
		}
	}
}

// PublishReload notifies every subscribed server that policies changed
func PublishReload(ctx context.Context, client *redis.Client, channel, reason string) error {
	if err := client.Publish(ctx, channel, reason).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
