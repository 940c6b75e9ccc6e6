package hub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"legalchat/internal/metrics"
	pkglog "legalchat/pkg/log"
)

// RedisBridge fans personal notifications out to every gateway instance
// Each instance subscribes to the user channel pattern and delivers to the
// connections it holds locally. Messages this instance published are skipped
// on receipt since the hub already delivered them locally.
type RedisBridge struct {
	client     redis.UniversalClient
	prefix     string
	instanceID string
	doneCh     chan struct{}
}

// NewRedisBridge creates a bridge publishing under prefix:notify:user:<id>
func NewRedisBridge(client redis.UniversalClient, prefix string) *RedisBridge {
	if prefix == "" {
		prefix = "legalchat"
	}
	return &RedisBridge{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		doneCh:     make(chan struct{}),
	}
}

// Channel is the personal channel of userID
func (b *RedisBridge) Channel(userID string) string {
	return b.prefix + ":notify:user:" + userID
}

// Done is closed when Run exits.
func (b *RedisBridge) Done() <-chan struct{} { return b.doneCh }

// encode stamps the notification with this instance as its origin
func (b *RedisBridge) encode(n *userNotification) ([]byte, error) {
	stamped := *n
	stamped.Origin = b.instanceID
	return json.Marshal(&stamped)
}

// Publish sends a notification to all other instances
func (b *RedisBridge) Publish(ctx context.Context, n *userNotification) error {
	payload, err := b.encode(n)
	if err != nil {
		return err
	}

	start := time.Now()
	err = b.client.Publish(ctx, b.Channel(n.UserID), payload).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	return err
}

// Run subscribes until ctx is done, reconnecting on receive errors
func (b *RedisBridge) Run(ctx context.Context, deliver func(*userNotification) error) {
	defer close(b.doneCh)
	l := pkglog.L()

	for {
		err := b.runSubscription(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Warn().Err(err).Msg("notification pubsub subscription error, reconnecting in 2s")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *RedisBridge) runSubscription(ctx context.Context, deliver func(*userNotification) error) error {
	pubsub := b.client.PSubscribe(ctx, b.Channel("*"))
	defer pubsub.Close()

	// Wait for subscription to be active
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleMessage(msg.Channel, msg.Payload, deliver)
		}
	}
}

func (b *RedisBridge) handleMessage(channel, payload string, deliver func(*userNotification) error) {
	l := pkglog.L()

	var n userNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.Warn().Err(err).Msg("notification pubsub: invalid payload")
		return
	}
	if n.Origin == b.instanceID {
		return
	}
	if n.UserID == "" || !strings.HasSuffix(channel, ":"+n.UserID) {
		l.Warn().Str("channel", channel).Msg("notification pubsub: recipient mismatch")
		return
	}
	if err := deliver(&n); err != nil {
		l.Error().Err(err).Str(pkglog.FieldUserID, n.UserID).Msg("notification pubsub: local delivery failed")
	}
}
